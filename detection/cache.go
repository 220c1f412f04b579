// go-avrisp
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-avrisp.
//
// go-avrisp is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-avrisp is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-avrisp; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package detection

import (
	"maps"
	"time"

	"github.com/ZaparooProject/go-avrisp/internal/syncutil"
)

// cacheKey separates results by transport and by how invasive the search was
type cacheKey struct {
	transport string
	mode      Mode
}

type cacheEntry struct {
	stored  time.Time
	devices []DeviceInfo
}

// resultCache holds detector results for a limited time. A lookup is served
// by an entry from the requested mode or a more thorough one.
type resultCache struct {
	now     func() time.Time
	entries map[cacheKey]cacheEntry
	mu      syncutil.RWMutex
}

func newResultCache() *resultCache {
	return &resultCache{
		now:     time.Now,
		entries: make(map[cacheKey]cacheEntry),
	}
}

var cache = newResultCache()

// get returns a copy of the freshest usable entry
func (c *resultCache) get(transport string, mode Mode, ttl time.Duration) ([]DeviceInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	for m := mode; m <= Full; m++ {
		entry, ok := c.entries[cacheKey{transport: transport, mode: m}]
		if !ok || now.Sub(entry.stored) > ttl {
			continue
		}
		return cloneDevices(entry.devices), true
	}
	return nil, false
}

func (c *resultCache) put(transport string, mode Mode, devices []DeviceInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey{transport: transport, mode: mode}] = cacheEntry{
		stored:  c.now(),
		devices: cloneDevices(devices),
	}
}

// drop forgets every mode's entry for a transport
func (c *resultCache) drop(transport string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if key.transport == transport {
			delete(c.entries, key)
		}
	}
}

func (c *resultCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[cacheKey]cacheEntry)
}

// cloneDevices copies the slice and each metadata map
func cloneDevices(devices []DeviceInfo) []DeviceInfo {
	out := make([]DeviceInfo, len(devices))
	for i, d := range devices {
		out[i] = d
		if d.Metadata != nil {
			out[i].Metadata = maps.Clone(d.Metadata)
		}
	}
	return out
}
