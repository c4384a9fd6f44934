package main

import (
	"time"

	"github.com/pkg/errors"

	"github.com/livekit/codec-control/pkg/codec"
	"github.com/livekit/codec-control/pkg/logger"
)

const eventTimeout = 5 * time.Second

// eventPrinter logs every callback and lets the demo wait for named events.
type eventPrinter struct {
	logger logger.Logger
	events chan string
}

func newEventPrinter(l logger.Logger) *eventPrinter {
	return &eventPrinter{
		logger: l,
		events: make(chan string, 32),
	}
}

func (e *eventPrinter) await(name string) error {
	for {
		select {
		case got := <-e.events:
			if got == name {
				return nil
			}
			if got == "error" {
				return errors.Errorf("codec error while waiting for %s", name)
			}
		case <-time.After(eventTimeout):
			return errors.Errorf("timed out waiting for %s", name)
		}
	}
}

func (e *eventPrinter) emit(name string) {
	select {
	case e.events <- name:
	default:
	}
}

func (e *eventPrinter) OnComponentAllocated(componentName string) {
	e.logger.Infow("component allocated", "componentName", componentName)
	e.emit("allocated")
}

func (e *eventPrinter) OnComponentConfigured(inputFormat, outputFormat codec.Format) {
	e.logger.Infow("component configured",
		"inputFormat", inputFormat.String(), "outputFormat", outputFormat.String())
	e.emit("configured")
}

func (e *eventPrinter) OnInputSurfaceCreated(inputFormat, outputFormat codec.Format, producer codec.BufferProducer) {
	e.logger.Infow("input surface created")
	e.emit("inputSurfaceCreated")
}

func (e *eventPrinter) OnInputSurfaceCreationFailed(err error) {
	e.logger.Warnw("input surface creation failed", err)
	e.emit("inputSurfaceCreationFailed")
}

func (e *eventPrinter) OnInputSurfaceDeclined(err error) {
	e.logger.Warnw("input surface declined", err)
	e.emit("inputSurfaceDeclined")
}

func (e *eventPrinter) OnStartCompleted() {
	e.logger.Infow("start completed")
	e.emit("started")
}

func (e *eventPrinter) OnStopCompleted() {
	e.logger.Infow("stop completed")
	e.emit("stopped")
}

func (e *eventPrinter) OnReleaseCompleted() {
	e.logger.Infow("release completed")
	e.emit("released")
}

func (e *eventPrinter) OnFlushCompleted() {
	e.logger.Infow("flush completed")
	e.emit("flushed")
}

func (e *eventPrinter) OnError(err error, action codec.ActionCode) {
	e.logger.Errorw("codec error", err, "action", action.String())
	e.emit("error")
}
