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
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ZaparooProject/go-avrisp/internal/syncutil"
)

// DebugEnvVar enables console debug output when set to any non-empty value.
const DebugEnvVar = "AVRISP_DEBUG"

var (
	debugMu      syncutil.Mutex
	debugEnabled = os.Getenv(DebugEnvVar) != ""
	// debugOutput receives console debug lines. Stdout carries results in
	// the CLI, so debug output goes to stderr.
	debugOutput io.Writer = os.Stderr
)

// Debugf prints debug information.
// Always writes to session log file (if initialized) with timestamp.
// Only prints to the console when debug mode is enabled.
func Debugf(format string, args ...any) {
	writeDebug(fmt.Sprintf(format, args...))
}

// Debugln prints debug information, formatting args like fmt.Sprintln.
func Debugln(args ...any) {
	msg := fmt.Sprintln(args...)
	writeDebug(msg[:len(msg)-1])
}

func writeDebug(message string) {
	debugMu.Lock()
	defer debugMu.Unlock()

	if sessionLogWriter != nil {
		timestamp := time.Now().Format("15:04:05.000")
		_, _ = fmt.Fprintf(sessionLogWriter, "%s DEBUG: %s\n", timestamp, message)
	}

	if debugEnabled && debugOutput != nil {
		_, _ = fmt.Fprintf(debugOutput, "DEBUG: %s\n", message)
	}
}

// SetDebugEnabled allows programmatic control of debug logging
func SetDebugEnabled(enabled bool) {
	debugMu.Lock()
	debugEnabled = enabled
	debugMu.Unlock()
}

// DebugEnabled reports whether console debug output is on.
func DebugEnabled() bool {
	debugMu.Lock()
	defer debugMu.Unlock()
	return debugEnabled
}

// SetDebugOutput redirects console debug output. A nil writer silences it.
func SetDebugOutput(w io.Writer) {
	debugMu.Lock()
	debugOutput = w
	debugMu.Unlock()
}
