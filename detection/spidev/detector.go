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

// Package spidev lists the host's spidev nodes as candidates for the native
// transport. Importing it registers the detector with the detection package.
package spidev

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ZaparooProject/go-avrisp/detection"
)

// TransportName is the transport key reported in DeviceInfo
const TransportName = "native"

const devicePattern = "/dev/spidev*"

// globFn is replaced in tests
var globFn = filepath.Glob

type detector struct{}

// New creates a new spidev detector
func New() detection.Detector {
	return &detector{}
}

func init() {
	detection.RegisterDetector(New())
}

// Transport returns the transport type
func (*detector) Transport() string {
	return TransportName
}

// Detect reports every spidev node at Low confidence. A bare SPI bus cannot
// be probed without a target, so the mode does not change the result.
func (*detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	paths, err := globFn(devicePattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list spidev nodes: %w", err)
	}

	var devices []detection.DeviceInfo
	for _, path := range paths {
		if opts.Excludes(path, detection.USBID{}) {
			continue
		}
		bus, cs, ok := ParseNode(path)
		if !ok {
			continue
		}
		devices = append(devices, detection.DeviceInfo{
			Transport:  TransportName,
			Path:       path,
			Name:       filepath.Base(path),
			Confidence: detection.Low,
			Metadata: map[string]string{
				"bus": strconv.Itoa(bus),
				"cs":  strconv.Itoa(cs),
			},
		})
	}

	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

// ParseNode splits "/dev/spidevB.C" into bus and chip select
func ParseNode(path string) (bus, cs int, ok bool) {
	name, found := strings.CutPrefix(filepath.Base(path), "spidev")
	if !found {
		return 0, 0, false
	}
	busStr, csStr, found := strings.Cut(name, ".")
	if !found {
		return 0, 0, false
	}

	bus, err := strconv.Atoi(busStr)
	if err != nil || bus < 0 {
		return 0, 0, false
	}
	cs, err = strconv.Atoi(csStr)
	if err != nil || cs < 0 {
		return 0, 0, false
	}
	return bus, cs, true
}
