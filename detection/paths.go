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
	"path/filepath"
	"slices"
	"strings"
)

// windowsDevicePrefix is the Win32 device namespace, needed for COM10 and up
const windowsDevicePrefix = `\\.\`

// IsPathIgnored reports whether devicePath names the same port as one of
// ignorePaths. Paths are compared case-insensitively after cleaning, with
// the Win32 device prefix removed and symlinks resolved, so an ignore entry
// under /dev/serial/by-id matches the tty it points at.
func IsPathIgnored(devicePath string, ignorePaths []string) bool {
	if devicePath == "" || len(ignorePaths) == 0 {
		return false
	}

	device := portKeys(devicePath)
	for _, ignorePath := range ignorePaths {
		if ignorePath == "" {
			continue
		}
		for _, key := range portKeys(ignorePath) {
			if slices.Contains(device, key) {
				return true
			}
		}
	}
	return false
}

// portKeys returns the normalized path, followed by the normalized symlink
// target when the path is a link
func portKeys(path string) []string {
	keys := []string{normalizePortPath(path)}
	if target, err := filepath.EvalSymlinks(path); err == nil && target != path {
		if key := normalizePortPath(target); key != keys[0] {
			keys = append(keys, key)
		}
	}
	return keys
}

func normalizePortPath(path string) string {
	path = strings.TrimPrefix(path, windowsDevicePrefix)
	if !strings.ContainsAny(path, `/\`) {
		// Bare Windows port name such as COM3
		return strings.ToLower(path)
	}
	return strings.ToLower(filepath.Clean(path))
}
