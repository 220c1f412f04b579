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

// Package detection finds SPI bridges and host SPI buses an AVR target can
// be reached through. Transport packages register a Detector from init.
package detection

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Mode is how much a detector may talk to a candidate port
type Mode int

const (
	// Passive reads descriptors only
	Passive Mode = iota
	// Safe asks likely bridges for their firmware version
	Safe
	// Full also configures an SPI bus on every serial port
	Full
)

var modeNames = [...]string{Passive: "passive", Safe: "safe", Full: "full"}

func (m Mode) String() string {
	if m < Passive || m > Full {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseMode parses a mode name as printed by Mode.String
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(s, name) {
			return Mode(m), nil
		}
	}
	return Passive, fmt.Errorf("unknown detection mode %q", s)
}

// Confidence ranks how sure a detector is that a path leads to a bridge
type Confidence int

const (
	// Low means the path exists but nothing answered, as with a spidev node
	Low Confidence = iota
	// Medium means the USB descriptors match a known bridge
	Medium
	// High means the bridge answered a probe
	High
)

func (c Confidence) String() string {
	switch c {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// DeviceInfo is one detected bridge or host bus
type DeviceInfo struct {
	// Metadata holds detector specific values: "vidpid", "product",
	// "serial" and "version" for bridges, "bus" and "cs" for spidev nodes
	Metadata map[string]string
	// Transport is the detector's transport name
	Transport string
	// Path is what the transport opens, e.g. "/dev/ttyACM0" or "/dev/spidev0.0"
	Path string
	// Name is a short display name
	Name string
	// Confidence is how the device was found
	Confidence Confidence
}

// String returns a human-readable representation of the device
func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s device at %s (confidence: %s)", d.Transport, d.Path, d.Confidence)
}

// USBID returns the USB ID a detector recorded for the device
func (d DeviceInfo) USBID() (USBID, bool) {
	id, err := ParseUSBID(d.Metadata["vidpid"])
	if err != nil {
		return USBID{}, false
	}
	return id, true
}

// Options configures the detection behavior
type Options struct {
	// Blocklist holds USB IDs that are never reported or probed
	Blocklist []string
	// IgnorePaths holds ports to skip, e.g. "/dev/ttyACM1" or "COM2"
	IgnorePaths []string
	// Transports limits the search to the named detectors (empty = all)
	Transports []string
	// CacheTTL is how long results are reused when EnableCache is set
	CacheTTL time.Duration
	// Timeout bounds DetectAll as a whole
	Timeout time.Duration
	Mode    Mode
	// EnableCache reuses recent results per transport and mode
	EnableCache bool
}

// DefaultOptions returns sensible default detection options
func DefaultOptions() Options {
	return Options{
		Mode:        Safe,
		Timeout:     5 * time.Second,
		Blocklist:   DefaultBlocklist(),
		EnableCache: true,
		CacheTTL:    30 * time.Second,
	}
}

// Excludes reports whether a port is filtered out by IgnorePaths or by the
// blocklist. Detectors call it before probing; DetectAll applies it again to
// cached results.
func (o *Options) Excludes(path string, id USBID) bool {
	return IsBlocked(id, o.Blocklist) || IsPathIgnored(path, o.IgnorePaths)
}

// Detector interface for transport-specific device detection
type Detector interface {
	// Detect searches for devices using the given options
	Detect(ctx context.Context, opts *Options) ([]DeviceInfo, error)
	// Transport returns the transport type this detector handles
	Transport() string
}

var (
	// ErrNoDevicesFound indicates no bridges were detected
	ErrNoDevicesFound = errors.New("no SPI bridges found")
	// ErrDetectionTimeout indicates detection timed out
	ErrDetectionTimeout = errors.New("detection timeout")
	// ErrUnsupportedPlatform indicates the platform doesn't support this detection method
	ErrUnsupportedPlatform = errors.New("platform not supported")
)

var registry []Detector

// RegisterDetector adds a detector to the registry
func RegisterDetector(d Detector) {
	registry = append(registry, d)
}

// getDetectors returns detectors filtered by transport types
func getDetectors(transports []string) []Detector {
	if len(transports) == 0 {
		return registry
	}

	var filtered []Detector
	for _, d := range registry {
		if slices.Contains(transports, d.Transport()) {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

type detectionResult struct {
	err     error
	devices []DeviceInfo
}

// DetectAll runs the selected detectors in parallel and returns their
// devices, most confident first. A path reported twice is kept once, at its
// highest confidence. opts.Timeout bounds the whole search.
func DetectAll(ctx context.Context, opts *Options) ([]DeviceInfo, error) {
	detectors := getDetectors(opts.Transports)
	if len(detectors) == 0 {
		return nil, errors.New("no detectors available for specified transports")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	results := make(chan detectionResult, len(detectors))
	for _, d := range detectors {
		go func() {
			results <- runDetector(ctx, d, opts)
		}()
	}

	var found []DeviceInfo
	var errs []error
	for range detectors {
		select {
		case res := <-results:
			found = append(found, res.devices...)
			if res.err != nil {
				errs = append(errs, res.err)
			}
		case <-ctx.Done():
			return nil, ErrDetectionTimeout
		}
	}

	if len(found) == 0 {
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		return nil, ErrNoDevicesFound
	}
	return rank(found), nil
}

// runDetector serves a detector from the cache or runs it and records the result
func runDetector(ctx context.Context, detector Detector, opts *Options) detectionResult {
	transport := detector.Transport()
	if opts.EnableCache {
		if cached, ok := cache.get(transport, opts.Mode, opts.CacheTTL); ok {
			return detectionResult{devices: filterDevices(cached, opts)}
		}
	}

	devices, err := detector.Detect(ctx, opts)
	if err != nil && !errors.Is(err, ErrNoDevicesFound) {
		if ctx.Err() != nil {
			return detectionResult{err: ErrDetectionTimeout}
		}
		return detectionResult{err: fmt.Errorf("%s: %w", transport, err)}
	}

	if opts.EnableCache {
		if len(devices) > 0 {
			cache.put(transport, opts.Mode, devices)
		} else {
			// A bridge that was unplugged must not linger until the TTL expires
			cache.drop(transport)
		}
	}
	return detectionResult{devices: devices}
}

// filterDevices drops cached devices the current options exclude
func filterDevices(devices []DeviceInfo, opts *Options) []DeviceInfo {
	if len(opts.IgnorePaths) == 0 && len(opts.Blocklist) == 0 {
		return devices
	}

	var filtered []DeviceInfo
	for _, device := range devices {
		id, _ := device.USBID()
		if opts.Excludes(device.Path, id) {
			continue
		}
		filtered = append(filtered, device)
	}
	return filtered
}

// rank keeps one entry per path, at its highest confidence, and orders the
// result by confidence and then by path
func rank(devices []DeviceInfo) []DeviceInfo {
	best := make(map[string]int, len(devices))
	var ranked []DeviceInfo
	for _, d := range devices {
		key := normalizePortPath(d.Path)
		if i, seen := best[key]; seen {
			if d.Confidence > ranked[i].Confidence {
				ranked[i] = d
			}
			continue
		}
		best[key] = len(ranked)
		ranked = append(ranked, d)
	}

	slices.SortStableFunc(ranked, func(a, b DeviceInfo) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(a.Path, b.Path)
	})
	return ranked
}

// ClearDetectionCache removes all cached detection results
func ClearDetectionCache() {
	cache.reset()
}

// ClearDetectionCacheForTransport removes cached results for a specific transport
func ClearDetectionCacheForTransport(transport string) {
	cache.drop(transport)
}
