// Package loopback provides an in-memory component runtime that echoes
// queued work items back through its listener. It backs the demo binary and
// integration-style tests without a real codec engine.
package loopback

import (
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/codec-control/pkg/codec"
	"github.com/livekit/codec-control/pkg/logger"
)

var ErrNotRunning = errors.New("component is not running")

// Store creates loopback components for any requested name.
type Store struct {
	logger logger.Logger

	lock sync.Mutex
	last *Component
}

func NewStore(l logger.Logger) *Store {
	return &Store{logger: l}
}

func (s *Store) Create(name string) (codec.Component, error) {
	comp := &Component{
		name:   name,
		logger: s.logger.WithValues("component", name),
		wp:     workerpool.New(1),
	}
	s.lock.Lock()
	s.last = comp
	s.lock.Unlock()
	return comp, nil
}

// Last returns the most recently created component.
func (s *Store) Last() *Component {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.last
}

// Component completes queued work on a single-worker pool, preserving
// submission order.
type Component struct {
	name   string
	logger logger.Logger
	wp     *workerpool.WorkerPool

	running atomic.Bool

	lock     sync.Mutex
	listener codec.ComponentListener
	pending  []*codec.Work
}

func (c *Component) Name() string {
	return c.name
}

func (c *Component) SetListener(listener codec.ComponentListener, mayBlock bool) error {
	c.lock.Lock()
	c.listener = listener
	c.lock.Unlock()
	return nil
}

func (c *Component) Start() error {
	c.running.Store(true)
	return nil
}

func (c *Component) Stop() error {
	c.running.Store(false)
	return nil
}

func (c *Component) Flush() ([]*codec.Work, error) {
	c.lock.Lock()
	flushed := c.pending
	c.pending = nil
	c.lock.Unlock()
	return flushed, nil
}

func (c *Component) Release() error {
	c.running.Store(false)
	c.wp.StopWait()
	return nil
}

// QueueWork accepts a work item and completes it asynchronously through the
// listener, the way a real component would on its own threads.
func (c *Component) QueueWork(work *codec.Work) error {
	if !c.running.Load() {
		return ErrNotRunning
	}

	c.lock.Lock()
	c.pending = append(c.pending, work)
	c.lock.Unlock()

	c.wp.Submit(func() {
		c.lock.Lock()
		listener := c.listener
		if len(c.pending) == 0 {
			// flushed before completion
			c.lock.Unlock()
			return
		}
		completed := c.pending[0]
		c.pending = c.pending[1:]
		c.lock.Unlock()

		if listener != nil {
			listener.OnWorkDone([]*codec.Work{completed})
		}
	})
	return nil
}

// Channel is a minimal buffer channel that forwards completed work to a sink
// function.
type Channel struct {
	logger logger.Logger

	lock         sync.Mutex
	comp         codec.Component
	inputFormat  codec.Format
	outputFormat codec.Format
	running      bool

	onWork func(work *codec.Work)
}

func NewChannel(l logger.Logger, onWork func(work *codec.Work)) *Channel {
	return &Channel{
		logger: l,
		onWork: onWork,
	}
}

func (ch *Channel) SetComponent(comp codec.Component) {
	ch.lock.Lock()
	ch.comp = comp
	ch.lock.Unlock()
}

func (ch *Channel) SetSurface(surface codec.Surface) error {
	// surfaces carry no meaning for the loopback runtime
	return nil
}

func (ch *Channel) SetGraphicBufferSource(source codec.GraphicBufferSource) error {
	return nil
}

func (ch *Channel) Start(inputFormat, outputFormat codec.Format) {
	ch.lock.Lock()
	if inputFormat != nil {
		ch.inputFormat = inputFormat
	}
	if outputFormat != nil {
		ch.outputFormat = outputFormat
	}
	ch.running = true
	ch.lock.Unlock()
}

func (ch *Channel) Stop() {
	ch.lock.Lock()
	ch.running = false
	ch.lock.Unlock()
}

func (ch *Channel) Flush(flushed []*codec.Work) {
	ch.logger.Debugw("discarding flushed work", "count", len(flushed))
}

func (ch *Channel) OnWorkDone(work *codec.Work) {
	ch.lock.Lock()
	onWork := ch.onWork
	ch.lock.Unlock()
	if onWork != nil {
		onWork(work)
	}
}

func (ch *Channel) Formats() (codec.Format, codec.Format) {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	return ch.inputFormat, ch.outputFormat
}

func (ch *Channel) Running() bool {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	return ch.running
}
