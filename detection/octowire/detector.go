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

// Package octowire finds Octowire bridges among the host's serial ports.
// Importing it registers the detector with the detection package.
package octowire

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ZaparooProject/go-avrisp"
	"github.com/ZaparooProject/go-avrisp/detection"
	"github.com/ZaparooProject/go-avrisp/transport/octowire"
	"go.bug.st/serial/enumerator"
)

// TransportName is the transport key reported in DeviceInfo
const TransportName = "octowire"

const probeTimeout = 2 * time.Second

// bridge is the part of the Octowire transport a probe needs
type bridge interface {
	Version(ctx context.Context) (string, error)
	SPI(bus int) (avrisp.SPI, error)
	Close() error
}

// Package hooks, replaced in tests
var (
	listPortsFn  = listSerialPorts
	openBridgeFn = func(path string) (bridge, error) {
		tr, err := octowire.New(path)
		if err != nil {
			return nil, err //nolint:wrapcheck // wrapped by probeBridge
		}
		return tr, nil
	}
)

// detector implements the Detector interface for Octowire bridges.
type detector struct{}

// New creates a new Octowire detector
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

// Detect lists serial ports and, outside Passive mode, asks each candidate
// for its bridge version.
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	ports, err := listPortsFn()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	var devices []detection.DeviceInfo
	for i := range ports {
		if ctx.Err() != nil {
			break
		}
		port := &ports[i]
		if opts.Excludes(port.Path, port.ID) {
			continue
		}
		if device, ok := d.processPort(ctx, port, opts.Mode); ok {
			devices = append(devices, device)
		}
	}

	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

// processPort decides whether a port is reported and at what confidence
func (*detector) processPort(ctx context.Context, port *serialPort, mode detection.Mode) (detection.DeviceInfo, bool) {
	likely := isLikelyOctowire(port)

	switch mode {
	case detection.Passive:
		if !likely {
			return detection.DeviceInfo{}, false
		}
		return newDeviceInfo(port, detection.Medium), true

	case detection.Safe:
		// Unknown USB serial adapters are left alone in Safe mode
		if !likely && !port.IsUSB {
			return detection.DeviceInfo{}, false
		}

	case detection.Full:
	default:
		return detection.DeviceInfo{}, false
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	version, err := probeBridge(probeCtx, port.Path, mode)
	if err != nil {
		avrisp.Debugf("octowire detect: %s: %v", port.Path, err)
		return detection.DeviceInfo{}, false
	}

	device := newDeviceInfo(port, detection.High)
	device.Metadata["version"] = version
	return device, true
}

func newDeviceInfo(port *serialPort, confidence detection.Confidence) detection.DeviceInfo {
	device := detection.DeviceInfo{
		Transport:  TransportName,
		Path:       port.Path,
		Name:       port.Name,
		Confidence: confidence,
		Metadata:   make(map[string]string),
	}
	if !port.ID.IsZero() {
		device.Metadata["vidpid"] = port.ID.String()
	}
	if name, ok := detection.KnownBridge(port.ID); ok {
		device.Name = name
	}
	if port.Product != "" {
		device.Metadata["product"] = port.Product
	}
	if port.SerialNumber != "" {
		device.Metadata["serial"] = port.SerialNumber
	}
	return device
}

// probeBridge opens the port once and asks for the firmware version. Full
// mode also configures SPI bus 0. Probes are never retried: the port may
// belong to something else entirely.
func probeBridge(ctx context.Context, path string, mode detection.Mode) (string, error) {
	br, err := openBridgeFn(path)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	defer func() { _ = br.Close() }()

	version, err := br.Version(ctx)
	if err != nil {
		return "", fmt.Errorf("version: %w", err)
	}
	if version == "" {
		return "", fmt.Errorf("version: %w", avrisp.ErrInvalidResponse)
	}

	if mode == detection.Full {
		bus, err := br.SPI(0)
		if err != nil {
			return "", fmt.Errorf("SPI: %w", err)
		}
		if err := bus.Configure(ctx, avrisp.DefaultSPIConfig(avrisp.MinSPIBaudrate)); err != nil {
			return "", fmt.Errorf("SPI configure: %w", err)
		}
	}
	return version, nil
}

// serialPort is an enumerated serial port with its USB descriptors
type serialPort struct {
	Path         string
	Name         string
	Product      string
	SerialNumber string
	ID           detection.USBID
	IsUSB        bool
}

// listSerialPorts enumerates serial ports through the OS
func listSerialPorts() ([]serialPort, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerator: %w", err)
	}

	ports := make([]serialPort, 0, len(details))
	for _, d := range details {
		port := serialPort{
			Path:         d.Name,
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			Product:      d.Product,
			SerialNumber: d.SerialNumber,
		}
		if d.IsUSB && d.VID != "" {
			id, err := detection.ParseUSBID(d.VID + ":" + d.PID)
			if err != nil {
				avrisp.Debugf("octowire detect: %s: %v", d.Name, err)
			}
			port.ID = id
		}
		if idx := strings.LastIndexAny(d.Name, `/\`); idx >= 0 {
			port.Name = d.Name[idx+1:]
		}
		ports = append(ports, port)
	}
	return ports, nil
}

// isLikelyOctowire checks the USB descriptors of a port
func isLikelyOctowire(port *serialPort) bool {
	if _, ok := detection.KnownBridge(port.ID); ok {
		return true
	}
	return strings.Contains(strings.ToLower(port.Product), "octowire")
}
