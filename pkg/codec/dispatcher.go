package codec

import (
	"sync"

	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"

	"github.com/livekit/codec-control/pkg/logger"
)

type commandKind int

const (
	cmdAllocate commandKind = iota
	cmdConfigure
	cmdStart
	cmdStop
	cmdFlush
	cmdCreateInputSurface
	cmdSetInputSurface
	cmdWorkDone
)

func (k commandKind) String() string {
	switch k {
	case cmdAllocate:
		return "allocate"
	case cmdConfigure:
		return "configure"
	case cmdStart:
		return "start"
	case cmdStop:
		return "stop"
	case cmdFlush:
		return "flush"
	case cmdCreateInputSurface:
		return "createInputSurface"
	case cmdSetInputSurface:
		return "setInputSurface"
	case cmdWorkDone:
		return "workDone"
	default:
		return "unknown"
	}
}

// command is the envelope delivered to the controller's worker. Only the
// fields relevant to the kind are set.
type command struct {
	kind          commandKind
	componentName string
	format        Format
	surface       Surface
}

// dispatcher delivers commands to a handler on a single dedicated goroutine,
// in arrival order, at most once. The queue is unbounded; producers are the
// controller entrypoints and the component listener, both low-rate.
type dispatcher struct {
	logger  logger.Logger
	handler func(*command)

	lock  sync.Mutex
	wake  *sync.Cond
	queue deque.Deque[*command]

	stop core.Fuse
}

func newDispatcher(l logger.Logger, handler func(*command)) *dispatcher {
	d := &dispatcher{
		logger:  l,
		handler: handler,
	}
	d.wake = sync.NewCond(&d.lock)
	d.queue.SetMinCapacity(3)
	return d
}

func (d *dispatcher) start() {
	go d.process()
}

// post enqueues a command. Posts after stop are dropped.
func (d *dispatcher) post(cmd *command) {
	if d.stop.IsBroken() {
		d.logger.Debugw("dropping command posted after stop", "command", cmd.kind)
		return
	}

	d.lock.Lock()
	d.queue.PushBack(cmd)
	d.lock.Unlock()
	d.wake.Signal()
}

// stopAndDrain lets queued commands run to completion, then ends the loop.
func (d *dispatcher) stopAndDrain() {
	d.lock.Lock()
	d.stop.Break()
	d.lock.Unlock()
	d.wake.Broadcast()
}

func (d *dispatcher) process() {
	for {
		d.lock.Lock()
		for d.queue.Len() == 0 && !d.stop.IsBroken() {
			d.wake.Wait()
		}
		if d.queue.Len() == 0 {
			d.lock.Unlock()
			return
		}
		cmd := d.queue.PopFront()
		d.lock.Unlock()

		d.handler(cmd)
	}
}
