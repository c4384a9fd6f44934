package codec

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/livekit/codec-control/pkg/config"
	"github.com/livekit/codec-control/pkg/logger"
	"github.com/livekit/codec-control/pkg/testutils"
)

// ----------------------------------------------------------------
// fakes

type fakeComponent struct {
	name string

	lock     sync.Mutex
	listener ComponentListener

	startErr error
	stopErr  error
	flushErr error
	flushed  []*Work

	// Start blocks until this channel closes when set
	startBlock chan struct{}

	startCalls   atomic.Int32
	stopCalls    atomic.Int32
	releaseCalls atomic.Int32
}

func (f *fakeComponent) Name() string {
	return f.name
}

func (f *fakeComponent) SetListener(listener ComponentListener, mayBlock bool) error {
	f.lock.Lock()
	f.listener = listener
	f.lock.Unlock()
	return nil
}

func (f *fakeComponent) getListener() ComponentListener {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.listener
}

func (f *fakeComponent) Start() error {
	f.startCalls.Inc()
	if f.startBlock != nil {
		<-f.startBlock
	}
	return f.startErr
}

func (f *fakeComponent) Stop() error {
	f.stopCalls.Inc()
	return f.stopErr
}

func (f *fakeComponent) Flush() ([]*Work, error) {
	return f.flushed, f.flushErr
}

func (f *fakeComponent) Release() error {
	f.releaseCalls.Inc()
	return nil
}

type fakeStore struct {
	createErr   error
	createDelay time.Duration
	startBlock  chan struct{}

	lock    sync.Mutex
	created []*fakeComponent
}

func (f *fakeStore) Create(name string) (Component, error) {
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	comp := &fakeComponent{
		name:       name,
		startBlock: f.startBlock,
	}
	f.lock.Lock()
	f.created = append(f.created, comp)
	f.lock.Unlock()
	return comp, nil
}

func (f *fakeStore) lastCreated() *fakeComponent {
	f.lock.Lock()
	defer f.lock.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

type fakeChannel struct {
	surfaceErr error
	sourceErr  error

	lock  sync.Mutex
	calls []string
	comp  Component
	works []*Work
}

func (f *fakeChannel) record(call string) {
	f.lock.Lock()
	f.calls = append(f.calls, call)
	f.lock.Unlock()
}

func (f *fakeChannel) SetComponent(comp Component) {
	f.lock.Lock()
	f.comp = comp
	f.lock.Unlock()
	f.record("setComponent")
}

func (f *fakeChannel) SetSurface(surface Surface) error {
	f.record("setSurface")
	return f.surfaceErr
}

func (f *fakeChannel) SetGraphicBufferSource(source GraphicBufferSource) error {
	f.record("setGraphicBufferSource")
	return f.sourceErr
}

func (f *fakeChannel) Start(inputFormat, outputFormat Format) {
	f.record("start")
}

func (f *fakeChannel) Stop() {
	f.record("stop")
}

func (f *fakeChannel) Flush(flushed []*Work) {
	f.record(fmt.Sprintf("flush:%d", len(flushed)))
}

func (f *fakeChannel) OnWorkDone(work *Work) {
	f.lock.Lock()
	f.works = append(f.works, work)
	f.lock.Unlock()
}

func (f *fakeChannel) component() Component {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.comp
}

func (f *fakeChannel) workList() []*Work {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]*Work(nil), f.works...)
}

type cbEvent struct {
	name          string
	err           error
	componentName string
	input         Format
	output        Format
}

type callbackRecorder struct {
	lock    sync.Mutex
	events  []cbEvent
	onEvent func(name string)
}

func (r *callbackRecorder) record(e cbEvent) {
	r.lock.Lock()
	r.events = append(r.events, e)
	hook := r.onEvent
	r.lock.Unlock()
	if hook != nil {
		hook(e.name)
	}
}

func (r *callbackRecorder) count(name string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	n := 0
	for _, e := range r.events {
		if e.name == name {
			n++
		}
	}
	return n
}

func (r *callbackRecorder) last(name string) *cbEvent {
	r.lock.Lock()
	defer r.lock.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].name == name {
			e := r.events[i]
			return &e
		}
	}
	return nil
}

func (r *callbackRecorder) OnComponentAllocated(componentName string) {
	r.record(cbEvent{name: "componentAllocated", componentName: componentName})
}

func (r *callbackRecorder) OnComponentConfigured(inputFormat, outputFormat Format) {
	r.record(cbEvent{name: "componentConfigured", input: inputFormat, output: outputFormat})
}

func (r *callbackRecorder) OnInputSurfaceCreated(inputFormat, outputFormat Format, producer BufferProducer) {
	r.record(cbEvent{name: "inputSurfaceCreated", input: inputFormat, output: outputFormat})
}

func (r *callbackRecorder) OnInputSurfaceCreationFailed(err error) {
	r.record(cbEvent{name: "inputSurfaceCreationFailed", err: err})
}

func (r *callbackRecorder) OnInputSurfaceDeclined(err error) {
	r.record(cbEvent{name: "inputSurfaceDeclined", err: err})
}

func (r *callbackRecorder) OnStartCompleted() {
	r.record(cbEvent{name: "startCompleted"})
}

func (r *callbackRecorder) OnStopCompleted() {
	r.record(cbEvent{name: "stopCompleted"})
}

func (r *callbackRecorder) OnReleaseCompleted() {
	r.record(cbEvent{name: "releaseCompleted"})
}

func (r *callbackRecorder) OnFlushCompleted() {
	r.record(cbEvent{name: "flushCompleted"})
}

func (r *callbackRecorder) OnError(err error, action ActionCode) {
	r.record(cbEvent{name: "error", err: err})
}

// ----------------------------------------------------------------
// helpers

func newQuiescedWatchdog() *Watchdog {
	wd := NewWatchdog(time.Hour, logger.GetLogger())
	wd.Quiesce()
	return wd
}

func newTestController(t *testing.T, store *fakeStore, channel *fakeChannel, cb *callbackRecorder) *Controller {
	ctrl := NewController(ControllerParams{
		Callback: cb,
		Store:    store,
		Channel:  channel,
		Watchdog: newQuiescedWatchdog(),
	})
	t.Cleanup(ctrl.Close)
	return ctrl
}

func waitForEvent(t *testing.T, cb *callbackRecorder, name string) {
	testutils.WithTimeout(t, func() string {
		if cb.count(name) == 0 {
			return "waiting for " + name
		}
		return ""
	})
}

func waitForState(t *testing.T, ctrl *Controller, state State) {
	testutils.WithTimeout(t, func() string {
		if got := ctrl.State(); got != state {
			return fmt.Sprintf("state is %s, expected %s", got, state)
		}
		return ""
	})
}

// ----------------------------------------------------------------
// scenarios

func TestControllerLifecycle(t *testing.T) {
	store := &fakeStore{}
	channel := &fakeChannel{}
	cb := &callbackRecorder{}
	ctrl := newTestController(t, store, channel, cb)

	ctrl.InitiateAllocate("c2.example.aac.dec")
	waitForEvent(t, cb, "componentAllocated")
	require.Equal(t, "c2.example.aac.dec", cb.last("componentAllocated").componentName)
	require.Equal(t, StateAllocated, ctrl.State())
	require.NotNil(t, channel.component())

	format := NewFormat()
	format.SetString(KeyMime, "audio/mp4a-latm")
	ctrl.InitiateConfigure(format)
	waitForEvent(t, cb, "componentConfigured")

	configured := cb.last("componentConfigured")
	inMime, _ := configured.input.GetString(KeyMime)
	require.Equal(t, "audio/mp4a-latm", inMime)
	outMime, _ := configured.output.GetString(KeyMime)
	require.Equal(t, "audio/raw", outMime)
	channels, _ := configured.output.GetInt32(KeyChannelCount)
	require.EqualValues(t, 2, channels)
	sampleRate, _ := configured.output.GetInt32(KeySampleRate)
	require.EqualValues(t, 44100, sampleRate)

	ctrl.InitiateStart()
	waitForEvent(t, cb, "startCompleted")
	require.Equal(t, StateRunning, ctrl.State())

	// completed work flows through the listener back to the buffer channel
	listener := store.lastCreated().getListener()
	require.NotNil(t, listener)
	listener.OnWorkDone([]*Work{{Ordinal: 0}, {Ordinal: 1}, {Ordinal: 2}})
	testutils.WithTimeout(t, func() string {
		if n := len(channel.workList()); n != 3 {
			return fmt.Sprintf("%d of 3 work items delivered", n)
		}
		return ""
	})
	for i, work := range channel.workList() {
		require.EqualValues(t, i, work.Ordinal)
	}

	ctrl.InitiateStop()
	waitForEvent(t, cb, "stopCompleted")
	require.Equal(t, StateAllocated, ctrl.State())

	ctrl.InitiateRelease(true)
	waitForEvent(t, cb, "releaseCompleted")
	waitForState(t, ctrl, StateReleased)
	require.EqualValues(t, 1, store.lastCreated().releaseCalls.Load())
}

func TestConfigureEncoderDefaults(t *testing.T) {
	store := &fakeStore{}
	channel := &fakeChannel{}
	cb := &callbackRecorder{}
	ctrl := newTestController(t, store, channel, cb)

	ctrl.InitiateAllocate("c2.example.avc.enc")
	waitForEvent(t, cb, "componentAllocated")

	format := NewFormat()
	format.SetString(KeyMime, "video/avc")
	format.SetInt32(KeyEncoder, 1)
	ctrl.InitiateConfigure(format)
	waitForEvent(t, cb, "componentConfigured")

	configured := cb.last("componentConfigured")
	inMime, _ := configured.input.GetString(KeyMime)
	require.Equal(t, "video/raw", inMime)
	outMime, _ := configured.output.GetString(KeyMime)
	require.Equal(t, "video/avc", outMime)
	width, _ := configured.output.GetInt32(KeyWidth)
	require.EqualValues(t, 1080, width)
	height, _ := configured.output.GetInt32(KeyHeight)
	require.EqualValues(t, 1920, height)
}

func TestConfigureRequiresMime(t *testing.T) {
	store := &fakeStore{}
	channel := &fakeChannel{}
	cb := &callbackRecorder{}
	ctrl := newTestController(t, store, channel, cb)

	ctrl.InitiateAllocate("c2.example.aac.dec")
	waitForEvent(t, cb, "componentAllocated")

	ctrl.InitiateConfigure(NewFormat())
	waitForEvent(t, cb, "error")
	require.ErrorIs(t, cb.last("error").err, ErrBadValue)
	require.Equal(t, StateAllocated, ctrl.State())
}

func TestStartBeforeAllocate(t *testing.T) {
	store := &fakeStore{}
	channel := &fakeChannel{}
	cb := &callbackRecorder{}
	ctrl := newTestController(t, store, channel, cb)

	ctrl.InitiateStart()
	waitForEvent(t, cb, "error")
	require.Equal(t, 1, cb.count("error"))
	require.ErrorIs(t, cb.last("error").err, ErrUnknown)
	require.Equal(t, StateReleased, ctrl.State())
}

func TestStopAfterReleaseIsIdempotent(t *testing.T) {
	store := &fakeStore{}
	channel := &fakeChannel{}
	cb := &callbackRecorder{}
	ctrl := newTestController(t, store, channel, cb)

	ctrl.InitiateAllocate("c2.example.aac.dec")
	waitForEvent(t, cb, "componentAllocated")
	ctrl.InitiateRelease(true)
	waitForEvent(t, cb, "releaseCompleted")
	waitForState(t, ctrl, StateReleased)

	ctrl.InitiateStop()
	waitForEvent(t, cb, "stopCompleted")
	require.Equal(t, 1, cb.count("stopCompleted"))
	require.Equal(t, StateReleased, ctrl.State())
	require.Equal(t, 0, cb.count("error"))
}

func TestWatchdogReleasesStuckController(t *testing.T) {
	startBlock := make(chan struct{})
	defer close(startBlock)

	wd := NewWatchdog(50*time.Millisecond, logger.GetLogger())
	defer wd.Quiesce()

	store := &fakeStore{startBlock: startBlock}
	channel := &fakeChannel{}
	cb := &callbackRecorder{}
	ctrl := NewController(ControllerParams{
		Callback:  cb,
		Store:     store,
		Channel:   channel,
		Deadlines: config.DeadlineConfig{StartMs: 1},
		Watchdog:  wd,
	})
	t.Cleanup(ctrl.Close)

	ctrl.InitiateAllocate("c2.example.stuck.dec")
	waitForEvent(t, cb, "componentAllocated")

	// the start worker wedges on the component; the watchdog must rescue
	ctrl.InitiateStart()
	waitForEvent(t, cb, "error")
	require.ErrorIs(t, cb.last("error").err, ErrUnknown)
	waitForEvent(t, cb, "releaseCompleted")
	waitForState(t, ctrl, StateReleased)
}

func TestReleaseDuringAllocation(t *testing.T) {
	store := &fakeStore{createDelay: 100 * time.Millisecond}
	channel := &fakeChannel{}
	cb := &callbackRecorder{}
	ctrl := newTestController(t, store, channel, cb)

	ctrl.InitiateAllocate("c2.example.slow.dec")
	time.Sleep(10 * time.Millisecond)
	ctrl.InitiateRelease(true)
	waitForEvent(t, cb, "releaseCompleted")

	// the pending allocation notices the release and aborts
	waitForState(t, ctrl, StateReleased)
	testutils.WithTimeout(t, func() string {
		comp := store.lastCreated()
		if comp == nil {
			return "component not yet created"
		}
		if comp.releaseCalls.Load() == 0 {
			return "aborted component not released"
		}
		return ""
	})
	require.Equal(t, 0, cb.count("componentAllocated"))
	require.Nil(t, channel.component())
}

func TestFlushAndResume(t *testing.T) {
	store := &fakeStore{}
	channel := &fakeChannel{}
	cb := &callbackRecorder{}
	ctrl := newTestController(t, store, channel, cb)

	ctrl.InitiateAllocate("c2.example.aac.dec")
	waitForEvent(t, cb, "componentAllocated")
	format := NewFormat()
	format.SetString(KeyMime, "audio/mp4a-latm")
	ctrl.InitiateConfigure(format)
	waitForEvent(t, cb, "componentConfigured")
	ctrl.InitiateStart()
	waitForEvent(t, cb, "startCompleted")

	store.lastCreated().flushed = []*Work{{Ordinal: 7}}
	ctrl.SignalFlush()
	waitForEvent(t, cb, "flushCompleted")
	require.Equal(t, StateFlushed, ctrl.State())
	require.Contains(t, channel.calls, "flush:1")

	ctrl.SignalResume()
	require.Equal(t, StateRunning, ctrl.State())
	require.Equal(t, 0, cb.count("error"))
}

func TestComponentStartFailure(t *testing.T) {
	store := &fakeStore{}
	channel := &fakeChannel{}
	cb := &callbackRecorder{}
	ctrl := newTestController(t, store, channel, cb)

	ctrl.InitiateAllocate("c2.example.aac.dec")
	waitForEvent(t, cb, "componentAllocated")
	store.lastCreated().startErr = errors.New("no resources")

	ctrl.InitiateStart()
	waitForEvent(t, cb, "error")
	require.ErrorIs(t, cb.last("error").err, ErrUnknown)
	require.Equal(t, 0, cb.count("startCompleted"))
}

func TestAllocateFailureRewindsState(t *testing.T) {
	store := &fakeStore{createErr: errors.New("no such component")}
	channel := &fakeChannel{}
	cb := &callbackRecorder{}
	ctrl := newTestController(t, store, channel, cb)

	ctrl.InitiateAllocate("c2.example.missing")
	waitForEvent(t, cb, "error")
	require.Equal(t, StateReleased, ctrl.State())

	// a fresh allocate can proceed after the rewind
	store.createErr = nil
	ctrl.InitiateAllocate("c2.example.aac.dec")
	waitForEvent(t, cb, "componentAllocated")
	require.Equal(t, StateAllocated, ctrl.State())
}

func TestSetInputSurfaceDeclined(t *testing.T) {
	store := &fakeStore{}
	channel := &fakeChannel{}
	cb := &callbackRecorder{}
	ctrl := newTestController(t, store, channel, cb)

	ctrl.InitiateSetInputSurface(struct{}{})
	waitForEvent(t, cb, "inputSurfaceDeclined")
	require.ErrorIs(t, cb.last("inputSurfaceDeclined").err, ErrUnsupported)
}

func TestCreateInputSurfaceWithoutFactory(t *testing.T) {
	store := &fakeStore{}
	channel := &fakeChannel{}
	cb := &callbackRecorder{}
	ctrl := newTestController(t, store, channel, cb)

	ctrl.InitiateCreateInputSurface()
	waitForEvent(t, cb, "inputSurfaceCreationFailed")
	require.ErrorIs(t, cb.last("inputSurfaceCreationFailed").err, ErrUnsupported)
}

// ----------------------------------------------------------------
// properties

func TestDeadlineSetOnlyDuringCommands(t *testing.T) {
	startBlock := make(chan struct{})

	store := &fakeStore{startBlock: startBlock}
	channel := &fakeChannel{}
	cb := &callbackRecorder{}
	ctrl := newTestController(t, store, channel, cb)

	readDeadline := func() time.Time {
		ctrl.deadlineLock.Lock()
		defer ctrl.deadlineLock.Unlock()
		return ctrl.deadline
	}
	require.True(t, readDeadline().IsZero())

	ctrl.InitiateAllocate("c2.example.aac.dec")
	waitForEvent(t, cb, "componentAllocated")

	ctrl.InitiateStart()
	testutils.WithTimeout(t, func() string {
		if readDeadline().IsZero() {
			return "deadline not set while start is executing"
		}
		return ""
	})

	close(startBlock)
	waitForEvent(t, cb, "startCompleted")
	testutils.WithTimeout(t, func() string {
		if !readDeadline().IsZero() {
			return "deadline not cleared after command"
		}
		return ""
	})
}

func TestCallbacksMayReenterController(t *testing.T) {
	store := &fakeStore{}
	channel := &fakeChannel{}
	cb := &callbackRecorder{}
	var ctrl *Controller
	cb.onEvent = func(name string) {
		// re-entering from a callback must not deadlock
		if ctrl != nil {
			_ = ctrl.State()
		}
	}
	ctrl = newTestController(t, store, channel, cb)

	ctrl.InitiateAllocate("c2.example.aac.dec")
	waitForEvent(t, cb, "componentAllocated")
	format := NewFormat()
	format.SetString(KeyMime, "audio/mp4a-latm")
	ctrl.InitiateConfigure(format)
	waitForEvent(t, cb, "componentConfigured")
	ctrl.InitiateStart()
	waitForEvent(t, cb, "startCompleted")
	ctrl.InitiateStop()
	waitForEvent(t, cb, "stopCompleted")
	ctrl.InitiateRelease(true)
	waitForEvent(t, cb, "releaseCompleted")
}

func TestWorkDoneDrainsInOrder(t *testing.T) {
	store := &fakeStore{}
	channel := &fakeChannel{}
	cb := &callbackRecorder{}
	ctrl := newTestController(t, store, channel, cb)

	ctrl.InitiateAllocate("c2.example.aac.dec")
	waitForEvent(t, cb, "componentAllocated")

	listener := store.lastCreated().getListener()
	const count = 50
	items := make([]*Work, 0, count)
	for i := 0; i < count; i++ {
		items = append(items, &Work{Ordinal: uint64(i)})
	}
	// two bursts; delivery order must match enqueue order
	listener.OnWorkDone(items[:count/2])
	listener.OnWorkDone(items[count/2:])

	testutils.WithTimeout(t, func() string {
		if n := len(channel.workList()); n != count {
			return fmt.Sprintf("%d of %d work items delivered", n, count)
		}
		return ""
	})
	for i, work := range channel.workList() {
		require.EqualValues(t, i, work.Ordinal)
	}
}
