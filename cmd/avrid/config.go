// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
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
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML config file. Pointer fields distinguish an unset
// key from a zero value.
type fileConfig struct {
	Port         string        `yaml:"port"`
	Transport    string        `yaml:"transport"`
	Devices      string        `yaml:"devices"`
	SPIBus       *int          `yaml:"spi_bus"`
	ResetLine    *int          `yaml:"reset_line"`
	SPIBaudrate  *uint         `yaml:"spi_baudrate"`
	Timeout      time.Duration `yaml:"timeout"`
	SyncAttempts *int          `yaml:"sync_attempts"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the command line
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// apply copies file values into opts for every flag not set explicitly
func (c *fileConfig) apply(opts *options, set map[string]bool) {
	if c.Port != "" && !set["port"] {
		opts.port = c.Port
	}
	if c.Transport != "" && !set["transport"] {
		opts.transport = c.Transport
	}
	if c.Devices != "" && !set["devices"] {
		opts.devicesPath = c.Devices
	}
	if c.SPIBus != nil && !set["spi-bus"] {
		opts.spiBus = *c.SPIBus
	}
	if c.ResetLine != nil && !set["reset-line"] {
		opts.resetLine = *c.ResetLine
	}
	if c.SPIBaudrate != nil && !set["baudrate"] {
		opts.baudrate = *c.SPIBaudrate
	}
	if c.Timeout > 0 && !set["timeout"] {
		opts.timeout = c.Timeout
	}
	if c.SyncAttempts != nil && !set["sync-attempts"] {
		opts.syncAttempts = *c.SyncAttempts
	}
}
