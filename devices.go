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

package avrisp

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed devices.yaml
var rawDevices []byte

// DeviceInfo describes a known AVR part. Sizes are in bytes.
type DeviceInfo struct {
	Name          string    `yaml:"name" json:"name"`
	Signature     Signature `yaml:"signature" json:"signature"`
	FlashSize     int       `yaml:"flash_size" json:"flash_size"`
	FlashPageSize int       `yaml:"flash_page_size" json:"flash_page_size"`
	EEPROMSize    int       `yaml:"eeprom_size" json:"eeprom_size"`
}

// deviceFile is the on-disk layout of a device table.
type deviceFile struct {
	Devices []DeviceInfo `yaml:"devices"`
}

// DeviceTable maps signatures to part descriptions.
// A nil *DeviceTable is an empty table.
type DeviceTable struct {
	devices map[Signature]DeviceInfo
}

// NewDeviceTable builds a table from entries. Later entries replace
// earlier ones with the same signature.
func NewDeviceTable(entries ...DeviceInfo) (*DeviceTable, error) {
	t := &DeviceTable{devices: make(map[Signature]DeviceInfo, len(entries))}
	for i := range entries {
		if err := validateDeviceInfo(&entries[i]); err != nil {
			return nil, fmt.Errorf("device table entry %d: %w", i, err)
		}
		t.devices[entries[i].Signature] = entries[i]
	}
	return t, nil
}

func validateDeviceInfo(info *DeviceInfo) error {
	if info.Name == "" {
		return fmt.Errorf("%w: signature %s has no name", ErrInvalidParameter, info.Signature)
	}
	// Entries that classify as locked or erased could never be looked up
	if cond := info.Signature.Condition(); cond != ConditionValid {
		return fmt.Errorf("%w: %s signature %s is %s", ErrInvalidParameter, info.Name, info.Signature, cond)
	}
	if info.FlashSize < 0 || info.FlashPageSize < 0 || info.EEPROMSize < 0 {
		return fmt.Errorf("%w: %s has a negative memory size", ErrInvalidParameter, info.Name)
	}
	return nil
}

// LoadDeviceTable parses a YAML device table:
//
//	devices:
//	  - name: ATmega328P
//	    signature: "1e950f"
//	    flash_size: 32768
//	    flash_page_size: 128
//	    eeprom_size: 1024
func LoadDeviceTable(r io.Reader) (*DeviceTable, error) {
	var file deviceFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return NewDeviceTable()
		}
		return nil, fmt.Errorf("failed to parse device table: %w", err)
	}
	return NewDeviceTable(file.Devices...)
}

// LoadDeviceTableFile reads a YAML device table from path.
func LoadDeviceTableFile(path string) (*DeviceTable, error) {
	f, err := os.Open(path) //nolint:gosec // path is chosen by the user
	if err != nil {
		return nil, fmt.Errorf("failed to open device table: %w", err)
	}
	defer func() { _ = f.Close() }()

	table, err := LoadDeviceTable(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

var defaultTable = func() *DeviceTable {
	var file deviceFile
	if err := yaml.Unmarshal(rawDevices, &file); err != nil {
		panic(fmt.Sprintf("embedded device table: %v", err))
	}
	table, err := NewDeviceTable(file.Devices...)
	if err != nil {
		panic(fmt.Sprintf("embedded device table: %v", err))
	}
	return table
}()

// DefaultDeviceTable returns a copy of the built-in table.
func DefaultDeviceTable() *DeviceTable {
	return defaultTable.Merge(nil)
}

// Lookup returns the entry for sig.
func (t *DeviceTable) Lookup(sig Signature) (*DeviceInfo, bool) {
	if t == nil {
		return nil, false
	}
	info, ok := t.devices[sig]
	if !ok {
		return nil, false
	}
	return &info, true
}

// Merge returns a new table holding t's entries overridden by other's.
// Neither table is modified.
func (t *DeviceTable) Merge(other *DeviceTable) *DeviceTable {
	merged := &DeviceTable{devices: make(map[Signature]DeviceInfo, t.Len()+other.Len())}
	for _, src := range []*DeviceTable{t, other} {
		if src == nil {
			continue
		}
		for sig, info := range src.devices {
			merged.devices[sig] = info
		}
	}
	return merged
}

// Len returns the number of entries.
func (t *DeviceTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.devices)
}

// All returns every entry sorted by name, then signature.
func (t *DeviceTable) All() []DeviceInfo {
	if t == nil {
		return nil
	}
	all := make([]DeviceInfo, 0, len(t.devices))
	for _, info := range t.devices {
		all = append(all, info)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		return all[i].Signature.String() < all[j].Signature.String()
	})
	return all
}
