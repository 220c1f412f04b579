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
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultWaitInterval is the pause between Identify runs in WaitForTarget.
const DefaultWaitInterval = 250 * time.Millisecond

const (
	maxWaitErrors    = 10
	loggedWaitErrors = 3
)

// WaitForTarget runs Identify until a target answers. Reads that classify
// as locked or erased look the same as an empty socket and keep the loop
// going; any other signature outcome, including lock bits and unknown
// parts, ends it.
//
// Example usage:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	id, err := device.WaitForTarget(ctx, 0)
//	if errors.Is(err, context.DeadlineExceeded) {
//	    fmt.Println("Timeout: no target inserted")
//	}
func (d *Device) WaitForTarget(ctx context.Context, interval time.Duration) (*Identification, error) {
	if interval <= 0 {
		interval = DefaultWaitInterval
	}
	errorCount := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id, err := d.Identify(ctx)
		if !d.keepWaiting(ctx, err, &errorCount) {
			return id, err
		}
		if errorCount > maxWaitErrors {
			return nil, fmt.Errorf("too many identify errors (%d), last error: %w", errorCount, err)
		}

		if err := d.pause(ctx, interval); err != nil {
			return nil, err
		}
	}
}

// keepWaiting reports whether an Identify outcome means no target is
// present yet. Transport failures are counted.
func (*Device) keepWaiting(ctx context.Context, err error, errorCount *int) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}

	var sigErr *SignatureError
	if errors.As(err, &sigErr) {
		switch sigErr.Condition {
		case ConditionLocked, ConditionErased:
			if *errorCount == 0 {
				Debugln("no target yet, continuing to poll...")
			}
			return true
		default:
			return false
		}
	}

	*errorCount++
	if *errorCount <= loggedWaitErrors {
		Debugf("identify error #%d: %v", *errorCount, err)
	}
	return true
}

func (*Device) pause(ctx context.Context, interval time.Duration) error {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
