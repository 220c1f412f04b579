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

package detection

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidUSBID is returned when a descriptor holds no vendor and product ID
var ErrInvalidUSBID = errors.New("invalid USB ID")

// USBID is a USB vendor and product ID pair
type USBID struct {
	VID uint16
	PID uint16
}

// String formats the ID as upper-case VID:PID
func (id USBID) String() string {
	return fmt.Sprintf("%04X:%04X", id.VID, id.PID)
}

// IsZero reports whether the ID is unset
func (id USBID) IsZero() bool {
	return id.VID == 0 && id.PID == 0
}

var (
	plainIDPattern  = regexp.MustCompile(`(?i)^(?:0x)?([0-9a-f]{1,4}):(?:0x)?([0-9a-f]{1,4})$`)
	vendorIDPattern = regexp.MustCompile(`(?i)\b(?:vid|vendor)\s*[_:=]\s*(?:0x)?([0-9a-f]{1,4})\b`)
	productPattern  = regexp.MustCompile(`(?i)\b(?:pid|product)\s*[_:=]\s*(?:0x)?([0-9a-f]{1,4})\b`)
)

// ParseUSBID reads a USB ID from the descriptor formats found in serial port
// listings and config files:
//
//	"0483:5740"
//	"VID:0483 PID:5740"
//	"vendor=0483 product=5740"
//	`USB\VID_0483&PID_5740\6D8A3B6E5248`
func ParseUSBID(descriptor string) (USBID, error) {
	descriptor = strings.TrimSpace(descriptor)

	var vid, pid string
	if m := plainIDPattern.FindStringSubmatch(descriptor); m != nil {
		vid, pid = m[1], m[2]
	} else {
		v := vendorIDPattern.FindStringSubmatch(descriptor)
		p := productPattern.FindStringSubmatch(descriptor)
		if v == nil || p == nil {
			return USBID{}, fmt.Errorf("%w: %q", ErrInvalidUSBID, descriptor)
		}
		vid, pid = v[1], p[1]
	}

	// Both halves matched [0-9a-f]{1,4}, so parsing cannot fail.
	v, _ := strconv.ParseUint(vid, 16, 16)
	p, _ := strconv.ParseUint(pid, 16, 16)
	return USBID{VID: uint16(v), PID: uint16(p)}, nil //nolint:gosec // bitSize 16
}

// knownBridges maps the USB IDs Octowire boards enumerate with to a name
var knownBridges = map[USBID]string{
	{VID: 0x0483, PID: 0x5740}: "Octowire (STM32 virtual COM port)",
}

// KnownBridge returns the bridge name for a USB ID, if it is one
func KnownBridge(id USBID) (string, bool) {
	name, ok := knownBridges[id]
	return name, ok
}

// DefaultBlocklist returns USB IDs that are never probed.
// Entries are any format ParseUSBID accepts.
func DefaultBlocklist() []string {
	return []string{}
}

// IsBlocked reports whether id matches an entry of the blocklist. Entries
// that do not parse are skipped.
func IsBlocked(id USBID, blocklist []string) bool {
	if id.IsZero() {
		return false
	}
	for _, entry := range blocklist {
		blocked, err := ParseUSBID(entry)
		if err == nil && blocked == id {
			return true
		}
	}
	return false
}
