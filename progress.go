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

import "time"

// Step identifies a stage of Identify.
type Step int

const (
	// StepEnablingAccess is reported before Programming Enable is sent.
	StepEnablingAccess Step = iota
	// StepSignatureByte is reported after each signature byte arrives.
	StepSignatureByte
	// StepReleasingReset is reported before reset is driven high again.
	StepReleasingReset
	// StepComplete is reported once the signature has been classified.
	StepComplete
)

func (s Step) String() string {
	switch s {
	case StepEnablingAccess:
		return "enabling access"
	case StepSignatureByte:
		return "signature byte"
	case StepReleasingReset:
		return "releasing reset"
	case StepComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Progress is passed to ProgressCallback during Identify.
type Progress struct {
	// Name labels a signature byte ("Vendor ID", ...) on StepSignatureByte.
	Name string
	// Step is the stage being reported.
	Step Step
	// Index is the signature byte index (0-2) on StepSignatureByte.
	Index int
	// Attempt is the Programming Enable attempt on StepEnablingAccess.
	Attempt int
	// Elapsed is the time since Identify started.
	Elapsed time.Duration
	// Value is the signature byte on StepSignatureByte.
	Value byte
}

// ProgressCallback is called synchronously from Identify and should return
// quickly.
type ProgressCallback func(Progress)
