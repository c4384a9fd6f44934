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

package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/livekit/codec-control/pkg/codec"
	"github.com/livekit/codec-control/pkg/codec/loopback"
	"github.com/livekit/codec-control/pkg/config"
	"github.com/livekit/codec-control/pkg/logger"
	"github.com/livekit/codec-control/pkg/telemetry/prometheus"
)

func main() {
	app := &cli.App{
		Name:  "codec-control",
		Usage: "exercises the codec control plane against a loopback component",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to config file",
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "config in YAML, typically passed in as an environment var in a container",
				EnvVars: []string{"CODEC_CONTROL_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn, or error",
			},
			&cli.BoolFlag{
				Name:  "development",
				Usage: "use development logging",
			},
			&cli.StringFlag{
				Name:  "component",
				Usage: "component name to allocate",
				Value: "c2.loopback.aac.decoder",
			},
		},
		Action: runDemo,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString := c.String("config-body")
	if confString == "" {
		if path := c.String("config"); path != "" {
			var err error
			confString, err = config.LoadConfigFile(path)
			if err != nil {
				return nil, err
			}
		}
	}

	conf, err := config.NewConfig(confString)
	if err != nil {
		return nil, err
	}
	conf.UpdateFromCLI(c)
	return conf, nil
}

func runDemo(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	if conf.Development {
		logger.InitDevelopment(conf.LogLevel)
	} else {
		logger.InitProduction(conf.LogLevel)
	}
	l := logger.GetLogger()

	if err = prometheus.Init(); err != nil {
		return err
	}
	if conf.PrometheusPort > 0 {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			_ = http.ListenAndServe(fmt.Sprintf(":%d", conf.PrometheusPort), nil)
		}()
	}

	events := newEventPrinter(l)
	channel := loopback.NewChannel(l, func(work *codec.Work) {
		l.Infow("work completed", "ordinal", work.Ordinal, "bytes", len(work.Payload))
	})
	store := loopback.NewStore(l)

	ctrl := codec.NewController(codec.ControllerParams{
		Callback:  events,
		Store:     store,
		Channel:   channel,
		Deadlines: conf.Deadlines,
		Logger:    l,
		Watchdog:  codec.NewWatchdog(conf.Watchdog.WatchInterval(), l),
	})
	defer ctrl.Close()

	ctrl.InitiateAllocate(c.String("component"))
	if err = events.await("allocated"); err != nil {
		return err
	}

	format := codec.NewFormat()
	format.SetString(codec.KeyMime, "audio/mp4a-latm")
	ctrl.InitiateConfigure(format)
	if err = events.await("configured"); err != nil {
		return err
	}

	ctrl.InitiateStart()
	if err = events.await("started"); err != nil {
		return err
	}

	comp := store.Last()
	for i := uint64(0); i < 5; i++ {
		if err = comp.QueueWork(&codec.Work{Ordinal: i, Payload: []byte("frame")}); err != nil {
			return err
		}
	}
	time.Sleep(200 * time.Millisecond)

	ctrl.SignalFlush()
	if err = events.await("flushed"); err != nil {
		return err
	}
	ctrl.SignalResume()

	ctrl.InitiateStop()
	if err = events.await("stopped"); err != nil {
		return err
	}

	ctrl.InitiateRelease(true)
	if err = events.await("released"); err != nil {
		return err
	}

	l.Infow("demo completed", "finalState", ctrl.State().String())
	return nil
}
