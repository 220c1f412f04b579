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

package testing

import (
	"github.com/ZaparooProject/go-avrisp/internal/syncutil"
)

// Serial programming instruction bytes understood by VirtualAVR
const (
	InstrProgrammingEnable = 0xAC
	InstrProgrammingEcho   = 0x53
	InstrReadSignature     = 0x30

	// idleMISO is what the host reads while the target is not driving MISO
	idleMISO = 0xFF
)

// TargetMode selects how a VirtualAVR answers signature reads
type TargetMode int

const (
	// TargetNormal answers with the configured signature
	TargetNormal TargetMode = iota
	// TargetLockBits answers 00 01 02, as a part with lock bits set does
	TargetLockBits
	// TargetAbsent never drives MISO, as with nothing on the socket
	TargetAbsent
)

// AVRState tracks the simulated target's programming interface
type AVRState struct {
	// ResetAssertions counts high-to-low transitions of RESET
	ResetAssertions int
	// ProgrammingEnables counts Programming Enable instructions that took effect
	ProgrammingEnables int
	// Instructions counts completed four byte instructions
	Instructions int
	// InReset is true while RESET is held low
	InReset bool
	// ProgrammingEnabled is true once Programming Enable was accepted
	ProgrammingEnabled bool
}

// VirtualAVR simulates the serial programming interface of an AVR part.
//
// Bytes are shifted through Transfer one at a time. The target assembles
// them into four byte instructions and, as real silicon does, echoes the
// previous byte while the next one is clocked. The instruction window is
// kept across calls, so a 3 byte transmit followed by a 1 byte receive
// reads a signature byte exactly like a single 4 byte transfer.
type VirtualAVR struct {
	mu           syncutil.Mutex
	state        AVRState
	signature    [3]byte
	window       [4]byte
	pos          int
	last         byte
	syncFailures int
	mode         TargetMode
	enableMissed bool
}

// NewVirtualAVR creates a target with the given signature bytes.
// The target starts running, with RESET released.
func NewVirtualAVR(signature [3]byte) *VirtualAVR {
	return &VirtualAVR{signature: signature}
}

// SetSignature changes the signature bytes returned by the target
func (v *VirtualAVR) SetSignature(signature [3]byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.signature = signature
}

// SetMode changes how signature reads are answered
func (v *VirtualAVR) SetMode(mode TargetMode) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mode = mode
}

// InjectSyncFailures makes the next n Programming Enable instructions fail:
// the 0x53 echo is missing and programming mode is not entered.
func (v *VirtualAVR) InjectSyncFailures(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.syncFailures = n
}

// SetReset drives the RESET pin. high releases the target.
func (v *VirtualAVR) SetReset(high bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if high {
		v.state.InReset = false
		v.state.ProgrammingEnabled = false
	} else if !v.state.InReset {
		v.state.InReset = true
		v.state.ResetAssertions++
	}
	v.pos = 0
	v.last = 0
}

// Transfer clocks in and returns the bytes the target drove on MISO at
// the same time.
func (v *VirtualAVR) Transfer(in []byte) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = v.shift(b)
	}
	return out
}

// State returns the current target state
func (v *VirtualAVR) State() AVRState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Reset clears state and injected failures, keeping signature and mode
func (v *VirtualAVR) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = AVRState{}
	v.window = [4]byte{}
	v.pos = 0
	v.last = 0
	v.syncFailures = 0
	v.enableMissed = false
}

// shift handles one byte of the current instruction
func (v *VirtualAVR) shift(in byte) byte {
	if v.mode == TargetAbsent || !v.state.InReset {
		return idleMISO
	}

	pos := v.pos
	v.window[pos] = in
	out := v.last
	v.last = in

	switch pos {
	case 2:
		if v.window[0] == InstrProgrammingEnable && v.window[1] == InstrProgrammingEcho {
			out = v.answerProgrammingEnable()
		} else if !v.state.ProgrammingEnabled {
			out = idleMISO
		}
	case 3:
		out = v.answerInstruction()
	default:
		if !v.state.ProgrammingEnabled {
			out = idleMISO
		}
	}

	v.pos = (pos + 1) % len(v.window)
	if v.pos == 0 {
		v.state.Instructions++
	}
	return out
}

// answerProgrammingEnable returns the third byte of Programming Enable and
// decides whether the instruction will take effect.
func (v *VirtualAVR) answerProgrammingEnable() byte {
	if v.syncFailures > 0 {
		v.syncFailures--
		v.enableMissed = true
		return 0x00
	}
	v.enableMissed = false
	return InstrProgrammingEcho
}

// answerInstruction completes the instruction in the window and returns
// the fourth output byte.
func (v *VirtualAVR) answerInstruction() byte {
	switch v.window[0] {
	case InstrProgrammingEnable:
		if v.window[1] == InstrProgrammingEcho && !v.enableMissed {
			v.state.ProgrammingEnabled = true
			v.state.ProgrammingEnables++
		}
		v.enableMissed = false
		return v.window[2]
	case InstrReadSignature:
		if !v.state.ProgrammingEnabled {
			return idleMISO
		}
		return v.signatureByte(v.window[2])
	default:
		if !v.state.ProgrammingEnabled {
			return idleMISO
		}
		return 0x00
	}
}

func (v *VirtualAVR) signatureByte(index byte) byte {
	if index > 2 {
		return idleMISO
	}
	if v.mode == TargetLockBits {
		return index
	}
	return v.signature[index]
}
