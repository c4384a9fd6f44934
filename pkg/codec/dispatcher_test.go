package codec

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/codec-control/pkg/logger"
	"github.com/livekit/codec-control/pkg/testutils"
)

func TestDispatcherDeliversInOrder(t *testing.T) {
	var lock sync.Mutex
	var got []commandKind
	d := newDispatcher(logger.GetLogger(), func(cmd *command) {
		lock.Lock()
		got = append(got, cmd.kind)
		lock.Unlock()
	})
	d.start()
	defer d.stopAndDrain()

	posted := []commandKind{
		cmdAllocate, cmdConfigure, cmdStart, cmdWorkDone, cmdFlush, cmdStop,
	}
	for _, kind := range posted {
		d.post(&command{kind: kind})
	}

	testutils.WithTimeout(t, func() string {
		lock.Lock()
		defer lock.Unlock()
		if len(got) != len(posted) {
			return fmt.Sprintf("%d of %d commands handled", len(got), len(posted))
		}
		return ""
	})
	lock.Lock()
	require.Equal(t, posted, got)
	lock.Unlock()
}

func TestDispatcherDropsAfterStop(t *testing.T) {
	var lock sync.Mutex
	handled := 0
	d := newDispatcher(logger.GetLogger(), func(cmd *command) {
		lock.Lock()
		handled++
		lock.Unlock()
	})
	d.start()

	d.post(&command{kind: cmdStart})
	d.stopAndDrain()
	d.post(&command{kind: cmdStop})

	testutils.WithTimeout(t, func() string {
		lock.Lock()
		defer lock.Unlock()
		if handled == 0 {
			return "queued command not drained"
		}
		return ""
	})
	lock.Lock()
	require.Equal(t, 1, handled)
	lock.Unlock()
}

func TestDispatcherHandlerMayRepost(t *testing.T) {
	var lock sync.Mutex
	var got []commandKind
	var d *dispatcher
	d = newDispatcher(logger.GetLogger(), func(cmd *command) {
		lock.Lock()
		got = append(got, cmd.kind)
		n := len(got)
		lock.Unlock()
		if cmd.kind == cmdWorkDone && n < 3 {
			d.post(&command{kind: cmdWorkDone})
		}
	})
	d.start()
	defer d.stopAndDrain()

	d.post(&command{kind: cmdWorkDone})

	testutils.WithTimeout(t, func() string {
		lock.Lock()
		defer lock.Unlock()
		if len(got) != 3 {
			return fmt.Sprintf("%d of 3 reposts handled", len(got))
		}
		return ""
	})
}
