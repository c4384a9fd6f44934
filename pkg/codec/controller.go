// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package codec

import (
	"strings"
	"sync"
	"time"

	"github.com/gammazero/deque"

	"github.com/livekit/codec-control/pkg/config"
	"github.com/livekit/codec-control/pkg/logger"
	"github.com/livekit/codec-control/pkg/telemetry/prometheus"
	"github.com/livekit/codec-control/pkg/utils"
)

type ControllerParams struct {
	// generated if empty
	CodecID  string
	Callback CallbackSink
	Store    ComponentStore
	Channel  BufferChannel
	// encoder input surfaces are unavailable when nil
	GraphicBufferSourceFactory func() GraphicBufferSource
	Deadlines                  config.DeadlineConfig
	Logger                     logger.Logger
	// nil selects the process-wide watchdog
	Watchdog *Watchdog
}

// Controller adapts a component-based codec runtime to an asynchronous
// command API. Entrypoints are non-blocking; they validate the lifecycle
// state, transition it, and hand the blocking work to the dispatcher
// goroutine. Results arrive through the callback sink.
type Controller struct {
	params     ControllerParams
	logger     logger.Logger
	dispatcher *dispatcher

	stateLock sync.Mutex
	state     State
	comp      Component

	formatsLock  sync.Mutex
	inputFormat  Format
	outputFormat Format

	// zero outside a command and while completed work is drained, finite
	// while any other command is executing
	deadlineLock sync.Mutex
	deadline     time.Time

	workLock  sync.Mutex
	workQueue deque.Deque[*Work]
}

func NewController(params ControllerParams) *Controller {
	if params.CodecID == "" {
		params.CodecID = utils.NewGuid(utils.ControllerPrefix)
	}
	l := params.Logger
	if l == nil {
		l = logger.GetLogger()
	}

	c := &Controller{
		params: params,
		logger: l.WithValues("codecID", params.CodecID),
		state:  StateReleased,
	}
	c.workQueue.SetMinCapacity(3)
	c.dispatcher = newDispatcher(c.logger, c.handleCommand)
	c.dispatcher.start()

	wd := params.Watchdog
	if wd == nil {
		wd = getWatchdog()
	}
	wd.Register(c)

	return c
}

func (c *Controller) CodecID() string {
	return c.params.CodecID
}

func (c *Controller) State() State {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.state
}

// Close force-releases the component if necessary and ends the dispatcher
// goroutine once queued commands have drained. The controller must not be
// reused afterwards.
func (c *Controller) Close() {
	c.InitiateRelease(false)
	c.dispatcher.stopAndDrain()
}

func (c *Controller) InitiateAllocate(componentName string) {
	c.stateLock.Lock()
	if c.state != StateReleased {
		c.stateLock.Unlock()
		c.callbackError(ErrInvalidOperation, ActionCodeFatal)
		return
	}
	c.state = StateAllocating
	c.stateLock.Unlock()

	c.dispatcher.post(&command{kind: cmdAllocate, componentName: componentName})
}

func (c *Controller) InitiateConfigure(format Format) {
	c.stateLock.Lock()
	if c.state != StateAllocated {
		c.stateLock.Unlock()
		c.callbackError(ErrUnknown, ActionCodeFatal)
		return
	}
	c.stateLock.Unlock()

	c.dispatcher.post(&command{kind: cmdConfigure, format: format})
}

func (c *Controller) InitiateCreateInputSurface() {
	c.dispatcher.post(&command{kind: cmdCreateInputSurface})
}

func (c *Controller) InitiateSetInputSurface(surface Surface) {
	c.dispatcher.post(&command{kind: cmdSetInputSurface, surface: surface})
}

func (c *Controller) InitiateStart() {
	c.stateLock.Lock()
	if c.state != StateAllocated {
		c.stateLock.Unlock()
		c.callbackError(ErrUnknown, ActionCodeFatal)
		return
	}
	c.state = StateStarting
	c.stateLock.Unlock()

	c.dispatcher.post(&command{kind: cmdStart})
}

func (c *Controller) InitiateStop() {
	c.stateLock.Lock()
	if c.state == StateAllocated || c.state == StateReleased ||
		c.state == StateStopping || c.state == StateReleasing {
		// already stopped, released, or on the way there
		c.stateLock.Unlock()
		c.params.Callback.OnStopCompleted()
		return
	}
	c.state = StateStopping
	c.stateLock.Unlock()

	c.dispatcher.post(&command{kind: cmdStop})
}

func (c *Controller) InitiateShutdown(keepComponentAllocated bool) {
	if keepComponentAllocated {
		c.InitiateStop()
	} else {
		c.InitiateRelease(true)
	}
}

func (c *Controller) InitiateRelease(sendCallback bool) {
	c.stateLock.Lock()
	if c.state == StateReleased || c.state == StateReleasing {
		c.stateLock.Unlock()
		if sendCallback {
			c.params.Callback.OnReleaseCompleted()
		}
		return
	}
	if c.state == StateAllocating {
		// the in-flight allocation will observe the altered state and abort
		c.state = StateReleasing
		c.stateLock.Unlock()
		if sendCallback {
			c.params.Callback.OnReleaseCompleted()
		}
		return
	}
	c.state = StateReleasing
	c.stateLock.Unlock()

	// Release runs on its own goroutine: the dispatcher may be the stuck
	// party and must stay available for further commands.
	go c.release(sendCallback)
}

func (c *Controller) SignalFlush() {
	c.stateLock.Lock()
	if c.state != StateRunning {
		c.stateLock.Unlock()
		c.callbackError(ErrUnknown, ActionCodeFatal)
		return
	}
	c.state = StateFlushing
	c.stateLock.Unlock()

	c.dispatcher.post(&command{kind: cmdFlush})
}

// SignalResume restarts the buffer channel on the caller, without a
// completion event. Subsequent errors arrive via callbacks.
func (c *Controller) SignalResume() {
	c.stateLock.Lock()
	if c.state != StateFlushed {
		c.stateLock.Unlock()
		c.callbackError(ErrUnknown, ActionCodeFatal)
		return
	}
	c.state = StateResuming
	c.stateLock.Unlock()

	c.params.Channel.Start(nil, nil)

	c.stateLock.Lock()
	if c.state != StateResuming {
		c.stateLock.Unlock()
		c.callbackError(ErrUnknown, ActionCodeFatal)
		return
	}
	c.state = StateRunning
	c.stateLock.Unlock()
}

func (c *Controller) SignalSetParameters(params Format) {
	// extension point, not handled yet
}

func (c *Controller) SignalEndOfInputStream() {
	// extension point, not handled yet
}

func (c *Controller) SignalRequestIDRFrame() {
	// extension point, not handled yet
}

func (c *Controller) SetSurface(surface Surface) error {
	return c.params.Channel.SetSurface(surface)
}

// InitiateReleaseIfStuck is invoked by the watchdog. A deadline in the past
// means the dispatcher failed to complete a command within its budget.
func (c *Controller) InitiateReleaseIfStuck() {
	c.deadlineLock.Lock()
	deadline := c.deadline
	c.deadlineLock.Unlock()
	if deadline.IsZero() || !time.Now().After(deadline) {
		return
	}

	c.logger.Errorw("command deadline elapsed, forcing release", nil, "deadline", deadline)
	prometheus.IncWatchdogRescue()
	c.callbackError(ErrUnknown, ActionCodeFatal)
	c.InitiateRelease(true)
}

// ----------------------------------------------------------------
// dispatcher side

func (c *Controller) handleCommand(cmd *command) {
	prometheus.IncCommand(cmd.kind.String())
	now := time.Now()
	switch cmd.kind {
	case cmdAllocate:
		c.setDeadline(now.Add(c.params.Deadlines.Allocate()))
		c.allocate(cmd.componentName)
	case cmdConfigure:
		c.setDeadline(now.Add(c.params.Deadlines.Configure()))
		c.configure(cmd.format)
	case cmdStart:
		c.setDeadline(now.Add(c.params.Deadlines.Start()))
		c.start()
	case cmdStop:
		c.setDeadline(now.Add(c.params.Deadlines.Stop()))
		c.stop()
	case cmdFlush:
		c.setDeadline(now.Add(c.params.Deadlines.Flush()))
		c.flush()
	case cmdCreateInputSurface:
		c.setDeadline(now.Add(c.params.Deadlines.InputSurface()))
		c.createInputSurface()
	case cmdSetInputSurface:
		c.setDeadline(now.Add(c.params.Deadlines.InputSurface()))
		c.setInputSurface(cmd.surface)
	case cmdWorkDone:
		// draining completed work is not deadline-bounded
		c.completeWork()
	default:
		c.logger.Errorw("unrecognized command", nil, "command", cmd.kind)
	}
	c.clearDeadline()
}

func (c *Controller) allocate(componentName string) {
	listener := newComponentListener(c)

	comp, err := c.params.Store.Create(componentName)
	if err != nil {
		c.logger.Errorw("component creation failed", err, "componentName", componentName)
		c.stateLock.Lock()
		c.state = StateReleased
		c.stateLock.Unlock()
		c.callbackError(ErrUnknown, ActionCodeFatal)
		return
	}
	if err = comp.SetListener(listener, true); err != nil {
		c.logger.Warnw("could not set component listener", err)
	}

	c.stateLock.Lock()
	if c.state != StateAllocating {
		// a release raced the allocation; abort without installing
		c.state = StateReleased
		c.stateLock.Unlock()
		if err = comp.Release(); err != nil {
			c.logger.Warnw("release of aborted component failed", err)
		}
		c.callbackError(ErrUnknown, ActionCodeFatal)
		return
	}
	c.state = StateAllocated
	c.comp = comp
	c.stateLock.Unlock()

	c.params.Channel.SetComponent(comp)
	c.params.Callback.OnComponentAllocated(comp.Name())
}

func (c *Controller) configure(format Format) {
	mime, ok := format.GetString(KeyMime)
	if !ok {
		c.callbackError(ErrBadValue, ActionCodeFatal)
		return
	}
	encoder := false
	if v, ok := format.GetInt32(KeyEncoder); ok && v != 0 {
		encoder = true
	}
	if obj, ok := format.GetObject(KeyNativeWindow); ok {
		if err := c.SetSurface(obj); err != nil {
			c.logger.Warnw("could not set surface", err)
		}
	}

	inputFormat := NewFormat()
	outputFormat := NewFormat()
	audio := strings.HasPrefix(strings.ToLower(mime), "audio/")
	rawMime := "video/raw"
	if audio {
		rawMime = "audio/raw"
	}
	if encoder {
		outputFormat.SetString(KeyMime, mime)
		inputFormat.SetString(KeyMime, rawMime)
		if audio {
			inputFormat.SetInt32(KeyChannelCount, 1)
			inputFormat.SetInt32(KeySampleRate, 44100)
			outputFormat.SetInt32(KeyChannelCount, 1)
			outputFormat.SetInt32(KeySampleRate, 44100)
		} else {
			outputFormat.SetInt32(KeyWidth, 1080)
			outputFormat.SetInt32(KeyHeight, 1920)
		}
	} else {
		inputFormat.SetString(KeyMime, mime)
		outputFormat.SetString(KeyMime, rawMime)
		if audio {
			outputFormat.SetInt32(KeyChannelCount, 2)
			outputFormat.SetInt32(KeySampleRate, 44100)
		}
	}

	c.formatsLock.Lock()
	c.inputFormat = inputFormat
	c.outputFormat = outputFormat
	c.formatsLock.Unlock()

	c.params.Callback.OnComponentConfigured(inputFormat, outputFormat)
}

func (c *Controller) createInputSurface() {
	factory := c.params.GraphicBufferSourceFactory
	if factory == nil {
		c.params.Callback.OnInputSurfaceCreationFailed(ErrUnsupported)
		return
	}
	source := factory()
	if err := source.InitCheck(); err != nil {
		c.logger.Errorw("failed to initialize graphic buffer source", err)
		c.params.Callback.OnInputSurfaceCreationFailed(err)
		return
	}
	producer := source.Producer()
	if err := c.params.Channel.SetGraphicBufferSource(source); err != nil {
		c.logger.Errorw("failed to set up input surface", err)
		c.params.Callback.OnInputSurfaceCreationFailed(err)
		return
	}

	inputFormat, outputFormat := c.formats()
	c.params.Callback.OnInputSurfaceCreated(inputFormat, outputFormat, producer)
}

func (c *Controller) setInputSurface(surface Surface) {
	// persistent input surfaces are not implemented
	c.params.Callback.OnInputSurfaceDeclined(ErrUnsupported)
}

func (c *Controller) start() {
	c.stateLock.Lock()
	if c.state != StateStarting {
		c.stateLock.Unlock()
		c.callbackError(ErrUnknown, ActionCodeFatal)
		return
	}
	comp := c.comp
	c.stateLock.Unlock()

	if err := comp.Start(); err != nil {
		c.logger.Errorw("component start failed", err)
		c.callbackError(ErrUnknown, ActionCodeFatal)
		return
	}

	inputFormat, outputFormat := c.formats()
	c.params.Channel.Start(inputFormat, outputFormat)

	c.stateLock.Lock()
	if c.state != StateStarting {
		c.stateLock.Unlock()
		c.callbackError(ErrUnknown, ActionCodeFatal)
		return
	}
	c.state = StateRunning
	c.stateLock.Unlock()

	c.params.Callback.OnStartCompleted()
}

func (c *Controller) flush() {
	c.stateLock.Lock()
	if c.state != StateFlushing {
		c.stateLock.Unlock()
		c.callbackError(ErrUnknown, ActionCodeFatal)
		return
	}
	comp := c.comp
	c.stateLock.Unlock()

	c.params.Channel.Stop()

	flushed, err := comp.Flush()
	if err != nil {
		c.logger.Errorw("component flush failed", err)
		c.callbackError(ErrUnknown, ActionCodeFatal)
	}
	c.params.Channel.Flush(flushed)

	c.stateLock.Lock()
	if c.state != StateFlushing {
		c.stateLock.Unlock()
		c.callbackError(ErrUnknown, ActionCodeFatal)
		return
	}
	c.state = StateFlushed
	c.stateLock.Unlock()

	c.params.Callback.OnFlushCompleted()
}

func (c *Controller) stop() {
	c.stateLock.Lock()
	if c.state == StateReleasing {
		// release in progress, it will take care of the component
		c.stateLock.Unlock()
		c.params.Callback.OnStopCompleted()
		return
	}
	if c.state != StateStopping {
		c.stateLock.Unlock()
		c.callbackError(ErrUnknown, ActionCodeFatal)
		return
	}
	comp := c.comp
	c.stateLock.Unlock()

	c.params.Channel.Stop()
	if err := comp.Stop(); err != nil {
		c.logger.Errorw("component stop failed", err)
		c.callbackError(ErrUnknown, ActionCodeFatal)
	}

	c.stateLock.Lock()
	if c.state == StateStopping {
		c.state = StateAllocated
	}
	c.stateLock.Unlock()

	c.params.Callback.OnStopCompleted()
}

// release runs on a transient goroutine, never on the dispatcher.
func (c *Controller) release(sendCallback bool) {
	c.stateLock.Lock()
	if c.state == StateReleased {
		c.stateLock.Unlock()
		if sendCallback {
			c.params.Callback.OnReleaseCompleted()
		}
		return
	}
	comp := c.comp
	c.stateLock.Unlock()

	c.params.Channel.Stop()
	if comp != nil {
		if err := comp.Release(); err != nil {
			c.logger.Warnw("component release failed", err)
		}
	}

	c.stateLock.Lock()
	c.state = StateReleased
	c.comp = nil
	c.stateLock.Unlock()

	if sendCallback {
		c.params.Callback.OnReleaseCompleted()
	}
}

// onWorkDone is called by the component listener, on a component thread.
func (c *Controller) onWorkDone(items []*Work) {
	c.workLock.Lock()
	for _, item := range items {
		c.workQueue.PushBack(item)
	}
	c.workLock.Unlock()

	c.dispatcher.post(&command{kind: cmdWorkDone})
}

// completeWork hands one queued work item to the buffer channel, re-posting
// itself while more remain so that draining stays fair to other commands.
func (c *Controller) completeWork() {
	c.workLock.Lock()
	if c.workQueue.Len() == 0 {
		c.workLock.Unlock()
		return
	}
	work := c.workQueue.PopFront()
	if c.workQueue.Len() > 0 {
		c.dispatcher.post(&command{kind: cmdWorkDone})
	}
	c.workLock.Unlock()

	c.params.Channel.OnWorkDone(work)
	prometheus.IncWorkItemCompleted()
}

func (c *Controller) formats() (Format, Format) {
	c.formatsLock.Lock()
	defer c.formatsLock.Unlock()
	return c.inputFormat, c.outputFormat
}

func (c *Controller) setDeadline(deadline time.Time) {
	c.deadlineLock.Lock()
	c.deadline = deadline
	c.deadlineLock.Unlock()
}

func (c *Controller) clearDeadline() {
	c.setDeadline(time.Time{})
}

func (c *Controller) callbackError(err error, action ActionCode) {
	prometheus.IncError(action.String())
	c.params.Callback.OnError(err, action)
}
