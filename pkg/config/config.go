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

package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var ErrConfigFileNotFound = errors.New("config file could not be read")

type Config struct {
	LogLevel       string         `yaml:"log_level,omitempty"`
	Development    bool           `yaml:"development,omitempty"`
	PrometheusPort uint32         `yaml:"prometheus_port,omitempty"`
	Watchdog       WatchdogConfig `yaml:"watchdog,omitempty"`
	Deadlines      DeadlineConfig `yaml:"deadlines,omitempty"`
}

type WatchdogConfig struct {
	// polling interval for stuck controller detection
	WatchIntervalMs uint32 `yaml:"watch_interval_ms,omitempty"`
}

func (w WatchdogConfig) WatchInterval() time.Duration {
	if w.WatchIntervalMs == 0 {
		return 3 * time.Second
	}
	return time.Duration(w.WatchIntervalMs) * time.Millisecond
}

// DeadlineConfig holds the per-command completion budgets enforced by the
// watchdog. Zero values fall back to the defaults encoded in the accessors.
type DeadlineConfig struct {
	AllocateMs     uint32 `yaml:"allocate_ms,omitempty"`
	ConfigureMs    uint32 `yaml:"configure_ms,omitempty"`
	StartMs        uint32 `yaml:"start_ms,omitempty"`
	StopMs         uint32 `yaml:"stop_ms,omitempty"`
	FlushMs        uint32 `yaml:"flush_ms,omitempty"`
	InputSurfaceMs uint32 `yaml:"input_surface_ms,omitempty"`
}

func msOrDefault(ms uint32, def time.Duration) time.Duration {
	if ms == 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Component store create should return within 100ms.
func (d DeadlineConfig) Allocate() time.Duration { return msOrDefault(d.AllocateMs, 150*time.Millisecond) }

// Component config commit should return within 5ms.
func (d DeadlineConfig) Configure() time.Duration { return msOrDefault(d.ConfigureMs, 50*time.Millisecond) }

// Component start/stop should return within 500ms.
func (d DeadlineConfig) Start() time.Duration { return msOrDefault(d.StartMs, 550*time.Millisecond) }
func (d DeadlineConfig) Stop() time.Duration  { return msOrDefault(d.StopMs, 550*time.Millisecond) }

func (d DeadlineConfig) Flush() time.Duration { return msOrDefault(d.FlushMs, 50*time.Millisecond) }

// Surface operations may be briefly blocking.
func (d DeadlineConfig) InputSurface() time.Duration {
	return msOrDefault(d.InputSurfaceMs, 100*time.Millisecond)
}

func NewConfig(confString string) (*Config, error) {
	conf := &Config{}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.Wrap(err, "could not parse config")
		}
	}
	return conf, nil
}

// UpdateFromCLI applies command line overrides on top of the parsed config.
func (conf *Config) UpdateFromCLI(c *cli.Context) {
	if c.IsSet("log-level") {
		conf.LogLevel = c.String("log-level")
	}
	if c.IsSet("development") {
		conf.Development = c.Bool("development")
	}
}

func LoadConfigFile(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(ErrConfigFileNotFound, path)
	}
	return string(content), nil
}
