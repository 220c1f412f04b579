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

package avrisp

import (
	"context"
	"fmt"
	"time"
)

// Serial programming instructions. Each is four bytes on the wire; the
// signature read is split into a 3 byte transmit and a 1 byte receive.
var (
	cmdProgrammingEnable = []byte{0xAC, 0x53, 0x00, 0x00}
	cmdReadSignature     = []byte{0x30, 0x00}
)

// programmingEnableEcho is returned in the third byte of Programming
// Enable when the target is in sync.
const programmingEnableEcho = 0x53

// Identification is the outcome of one Identify run.
type Identification struct {
	// Info is the matching table entry; nil unless the signature is known.
	Info      *DeviceInfo `json:"device,omitempty"`
	Condition Condition   `json:"condition"`
	// Attempts is the number of Programming Enable instructions sent.
	Attempts int `json:"attempts"`
	// Elapsed is the wall time of the run.
	Elapsed   time.Duration `json:"-"`
	Signature Signature     `json:"signature"`
	// Synced reports that the 0x53 echo was observed. Only full-duplex
	// buses can observe it.
	Synced bool `json:"synced"`
}

// Known reports whether the signature matched a table entry.
func (id *Identification) Known() bool {
	return id != nil && id.Info != nil
}

// Identify reads the target's signature bytes and resolves them against
// the device table.
//
// When the signature is read but does not name a known device, the
// Identification is returned together with a *SignatureError, so callers
// can still show the raw bytes. Reset is released before Identify returns
// whenever it was asserted, even if ctx is cancelled.
func (d *Device) Identify(ctx context.Context) (*Identification, error) {
	start := time.Now()

	bus, err := d.transport.SPI(d.config.SPIBus)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI%d: %w", d.config.SPIBus, err)
	}
	reset, err := d.transport.ResetLine(d.config.ResetLine)
	if err != nil {
		return nil, fmt.Errorf("failed to open reset line GPIO%d: %w", d.config.ResetLine, err)
	}

	// RESET is active low; hold the target running while the bus is set up
	if err := reset.SetDirection(ctx, Output); err != nil {
		return nil, fmt.Errorf("failed to configure reset line: %w", err)
	}
	if err := reset.Set(ctx, High); err != nil {
		return nil, fmt.Errorf("failed to drive reset high: %w", err)
	}
	if err := bus.Configure(ctx, DefaultSPIConfig(d.config.SPIBaudrate)); err != nil {
		return nil, fmt.Errorf("failed to configure SPI%d: %w", d.config.SPIBus, err)
	}

	id := &Identification{}
	if err := d.readSignature(ctx, bus, reset, id, start); err != nil {
		return nil, err
	}

	cond, info, err := Classify(id.Signature, d.config.Table)
	id.Condition = cond
	id.Info = info
	id.Elapsed = time.Since(start)
	d.report(Progress{Step: StepComplete}, start)

	if err != nil {
		Debugf("identify: signature %s: %v", id.Signature, err)
		return id, err
	}
	Debugf("identify: signature %s is %s", id.Signature, info.Name)
	return id, nil
}

// readSignature holds the target in reset, enables serial programming and
// reads the three signature bytes into id.
func (d *Device) readSignature(
	ctx context.Context, bus SPI, reset GPIO, id *Identification, start time.Time,
) (err error) {
	defer func() {
		d.report(Progress{Step: StepReleasingReset}, start)
		relErr := reset.Set(context.WithoutCancel(ctx), High)
		if relErr == nil {
			return
		}
		Debugf("identify: failed to release reset: %v", relErr)
		if err == nil {
			err = fmt.Errorf("failed to release reset: %w", relErr)
		}
	}()

	if err := reset.Set(ctx, Low); err != nil {
		return fmt.Errorf("failed to assert reset: %w", err)
	}

	synced, attempts, err := d.enableProgramming(ctx, bus, reset, start)
	id.Synced = synced
	id.Attempts = attempts
	if err != nil {
		return err
	}

	for i := range id.Signature {
		b, err := readSignatureByte(ctx, bus, byte(i))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", SignatureByteName(i), err)
		}
		id.Signature[i] = b
		d.report(Progress{
			Step:  StepSignatureByte,
			Name:  SignatureByteName(i),
			Index: i,
			Value: b,
		}, start)
	}
	return nil
}

func readSignatureByte(ctx context.Context, bus SPI, index byte) (byte, error) {
	cmd := make([]byte, 0, len(cmdReadSignature)+1)
	cmd = append(cmd, cmdReadSignature...)
	cmd = append(cmd, index)
	if err := bus.Transmit(ctx, cmd); err != nil {
		return 0, err
	}

	resp, err := bus.Receive(ctx, 1)
	if err != nil {
		return 0, err
	}
	if len(resp) == 0 {
		return 0, ErrNoResponse
	}
	return resp[0], nil
}

// enableProgramming sends Programming Enable. On full-duplex buses the
// echo is checked and, while it is missing, RESET is pulsed and the
// instruction repeated up to SyncAttempts times. A target that never
// echoes is still read: locked and absent parts are recognised from their
// signature bytes.
func (d *Device) enableProgramming(
	ctx context.Context, bus SPI, reset GPIO, start time.Time,
) (synced bool, attempts int, err error) {
	fd, ok := bus.(FullDuplexSPI)
	if !ok || !d.hasCapability(CapabilityFullDuplex) {
		d.report(Progress{Step: StepEnablingAccess, Attempt: 1}, start)
		if err := bus.Transmit(ctx, cmdProgrammingEnable); err != nil {
			return false, 1, fmt.Errorf("failed to send programming enable: %w", err)
		}
		return false, 1, nil
	}

	for attempt := 1; attempt <= d.config.SyncAttempts; attempt++ {
		if attempt > 1 {
			if err := pulseReset(ctx, reset); err != nil {
				return false, attempt - 1, err
			}
		}

		d.report(Progress{Step: StepEnablingAccess, Attempt: attempt}, start)
		resp, err := fd.Transfer(ctx, cmdProgrammingEnable)
		if err != nil {
			return false, attempt, fmt.Errorf("failed to send programming enable: %w", err)
		}
		if len(resp) > 2 && resp[2] == programmingEnableEcho {
			return true, attempt, nil
		}
		Debugf("programming enable %d/%d: no echo (% X)", attempt, d.config.SyncAttempts, resp)
	}

	Debugf("programming enable: target not in sync after %d attempts, reading signature anyway",
		d.config.SyncAttempts)
	return false, d.config.SyncAttempts, nil
}

// pulseReset gives the target a positive RESET pulse and waits the
// minimum delay before the next Programming Enable.
func pulseReset(ctx context.Context, reset GPIO) error {
	if err := reset.Set(ctx, High); err != nil {
		return fmt.Errorf("failed to pulse reset: %w", err)
	}
	if err := reset.Set(ctx, Low); err != nil {
		return fmt.Errorf("failed to pulse reset: %w", err)
	}
	if !sleepWithContext(ctx, ResetPulseDelay) {
		return ctx.Err()
	}
	return nil
}

func (d *Device) report(p Progress, start time.Time) {
	if d.config.Progress == nil {
		return
	}
	p.Elapsed = time.Since(start)
	d.config.Progress(p)
}
