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

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const codecNamespace = "codec_control"

var (
	controllersWatched atomic.Int32

	promCommandCounter     *prometheus.CounterVec
	promErrorCounter       *prometheus.CounterVec
	promWatchdogRescues    prometheus.Counter
	promWorkItemsCompleted prometheus.Counter
	promControllersWatched prometheus.GaugeFunc
)

func init() {
	promCommandCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: codecNamespace,
		Subsystem: "dispatcher",
		Name:      "commands_total",
	}, []string{"command"})
	promErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: codecNamespace,
		Subsystem: "controller",
		Name:      "errors_total",
	}, []string{"action"})
	promWatchdogRescues = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: codecNamespace,
		Subsystem: "watchdog",
		Name:      "rescues_total",
	})
	promWorkItemsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: codecNamespace,
		Subsystem: "controller",
		Name:      "work_items_total",
	})
	promControllersWatched = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: codecNamespace,
		Subsystem: "watchdog",
		Name:      "controllers",
	}, func() float64 {
		return float64(controllersWatched.Load())
	})
}

// Init registers the codec control metrics with the default registerer.
// Metrics are usable without registration; Init only exposes them.
func Init() error {
	for _, c := range []prometheus.Collector{
		promCommandCounter,
		promErrorCounter,
		promWatchdogRescues,
		promWorkItemsCompleted,
		promControllersWatched,
	} {
		if err := prometheus.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func IncCommand(command string) {
	promCommandCounter.WithLabelValues(command).Inc()
}

func IncError(action string) {
	promErrorCounter.WithLabelValues(action).Inc()
}

func IncWatchdogRescue() {
	promWatchdogRescues.Inc()
}

func IncWorkItemCompleted() {
	promWorkItemsCompleted.Inc()
}

func SetControllersWatched(count int32) {
	controllersWatched.Store(count)
}
