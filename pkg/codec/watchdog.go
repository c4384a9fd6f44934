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
	"sync"
	"time"
	"weak"

	"github.com/frostbyte73/core"

	"github.com/livekit/codec-control/pkg/logger"
	"github.com/livekit/codec-control/pkg/telemetry/prometheus"
)

const defaultWatchInterval = 3 * time.Second

var (
	watchdogLock     sync.Mutex
	watchdogInstance *Watchdog
)

// getWatchdog returns the process-wide watchdog, creating it on first use.
// The process owns it; there is no shutdown path for the singleton.
func getWatchdog() *Watchdog {
	watchdogLock.Lock()
	defer watchdogLock.Unlock()
	if watchdogInstance == nil {
		watchdogInstance = NewWatchdog(defaultWatchInterval, logger.GetLogger())
	}
	return watchdogInstance
}

// Watchdog polls registered controllers and forces a release on any whose
// command deadline has elapsed. It holds only weak references so that it can
// never keep a controller alive; dead entries are purged when promotion
// fails.
type Watchdog struct {
	logger   logger.Logger
	interval time.Duration

	registerLock sync.Mutex
	pending      []weak.Pointer[Controller]

	// owned by the watch goroutine
	controllers []weak.Pointer[Controller]

	quiesce core.Fuse
}

// NewWatchdog creates a private watchdog instance. Production code uses the
// process-wide singleton; tests construct their own with a short interval.
func NewWatchdog(interval time.Duration, l logger.Logger) *Watchdog {
	w := &Watchdog{
		logger:   l,
		interval: interval,
	}
	go w.watch()
	return w
}

// Register adds a controller to the watch list. Registration only touches
// the pending list so controller construction never waits on a walk in
// progress.
func (w *Watchdog) Register(c *Controller) {
	w.registerLock.Lock()
	w.pending = append(w.pending, weak.Make(c))
	w.registerLock.Unlock()
}

// Quiesce stops the watch goroutine. Test harness hook.
func (w *Watchdog) Quiesce() {
	w.quiesce.Break()
}

func (w *Watchdog) watch() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.tick()
		case <-w.quiesce.Watch():
			return
		}
	}
}

func (w *Watchdog) tick() {
	w.registerLock.Lock()
	if len(w.pending) > 0 {
		w.controllers = append(w.controllers, w.pending...)
		w.pending = nil
	}
	w.registerLock.Unlock()

	live := w.controllers[:0]
	for _, ref := range w.controllers {
		c := ref.Value()
		if c == nil {
			continue
		}
		live = append(live, ref)
		c.InitiateReleaseIfStuck()
	}
	purged := len(w.controllers) - len(live)
	if purged > 0 {
		w.logger.Debugw("purged dead controllers", "count", purged)
	}
	w.controllers = live
	prometheus.SetControllersWatched(int32(len(live)))
}
