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

package testing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var atmega328p = [3]byte{0x1E, 0x95, 0x0F}

var programmingEnable = []byte{InstrProgrammingEnable, InstrProgrammingEcho, 0x00, 0x00}

func readSignature(avr *VirtualAVR) [3]byte {
	var sig [3]byte
	for i := range sig {
		out := avr.Transfer([]byte{InstrReadSignature, 0x00, byte(i), 0x00})
		sig[i] = out[3]
	}
	return sig
}

func TestVirtualAVR_IgnoresBusWhileRunning(t *testing.T) {
	t.Parallel()

	avr := NewVirtualAVR(atmega328p)
	out := avr.Transfer(programmingEnable)

	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, out)
	state := avr.State()
	assert.False(t, state.InReset)
	assert.False(t, state.ProgrammingEnabled)
	assert.Zero(t, state.Instructions)
}

func TestVirtualAVR_ProgrammingEnableEcho(t *testing.T) {
	t.Parallel()

	avr := NewVirtualAVR(atmega328p)
	avr.SetReset(false)

	out := avr.Transfer(programmingEnable)
	assert.Equal(t, byte(InstrProgrammingEcho), out[2])

	state := avr.State()
	assert.True(t, state.InReset)
	assert.True(t, state.ProgrammingEnabled)
	assert.Equal(t, 1, state.ProgrammingEnables)
	assert.Equal(t, 1, state.ResetAssertions)
	assert.Equal(t, 1, state.Instructions)
}

func TestVirtualAVR_ReadSignature(t *testing.T) {
	t.Parallel()

	avr := NewVirtualAVR(atmega328p)
	avr.SetReset(false)
	avr.Transfer(programmingEnable)

	assert.Equal(t, atmega328p, readSignature(avr))
}

func TestVirtualAVR_SplitInstruction(t *testing.T) {
	t.Parallel()

	avr := NewVirtualAVR(atmega328p)
	avr.SetReset(false)
	avr.Transfer(programmingEnable)

	for i, want := range atmega328p {
		avr.Transfer([]byte{InstrReadSignature, 0x00, byte(i)})
		got := avr.Transfer([]byte{0x00})
		assert.Equal(t, []byte{want}, got, "signature byte %d", i)
	}
}

func TestVirtualAVR_Modes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mode TargetMode
		want [3]byte
	}{
		{name: "normal", mode: TargetNormal, want: atmega328p},
		{name: "lock bits", mode: TargetLockBits, want: [3]byte{0x00, 0x01, 0x02}},
		{name: "absent", mode: TargetAbsent, want: [3]byte{0xFF, 0xFF, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			avr := NewVirtualAVR(atmega328p)
			avr.SetMode(tt.mode)
			avr.SetReset(false)
			avr.Transfer(programmingEnable)
			assert.Equal(t, tt.want, readSignature(avr))
		})
	}
}

func TestVirtualAVR_ReadWithoutProgrammingEnable(t *testing.T) {
	t.Parallel()

	avr := NewVirtualAVR(atmega328p)
	avr.SetReset(false)

	assert.Equal(t, [3]byte{0xFF, 0xFF, 0xFF}, readSignature(avr))
}

func TestVirtualAVR_SyncFailures(t *testing.T) {
	t.Parallel()

	avr := NewVirtualAVR(atmega328p)
	avr.InjectSyncFailures(2)
	avr.SetReset(false)

	for range 2 {
		out := avr.Transfer(programmingEnable)
		assert.NotEqual(t, byte(InstrProgrammingEcho), out[2])
		assert.False(t, avr.State().ProgrammingEnabled)
		avr.SetReset(true)
		avr.SetReset(false)
	}

	out := avr.Transfer(programmingEnable)
	assert.Equal(t, byte(InstrProgrammingEcho), out[2])
	assert.Equal(t, atmega328p, readSignature(avr))

	state := avr.State()
	assert.Equal(t, 1, state.ProgrammingEnables)
	assert.Equal(t, 3, state.ResetAssertions)
}

func TestVirtualAVR_ReleaseLeavesProgrammingMode(t *testing.T) {
	t.Parallel()

	avr := NewVirtualAVR(atmega328p)
	avr.SetReset(false)
	avr.Transfer(programmingEnable)
	avr.SetReset(true)

	state := avr.State()
	assert.False(t, state.InReset)
	assert.False(t, state.ProgrammingEnabled)
}

func TestVirtualAVR_Reset(t *testing.T) {
	t.Parallel()

	avr := NewVirtualAVR(atmega328p)
	avr.InjectSyncFailures(5)
	avr.SetReset(false)
	avr.Transfer(programmingEnable)
	avr.Reset()

	require.Equal(t, AVRState{}, avr.State())

	avr.SetSignature([3]byte{0x1E, 0x93, 0x0B})
	avr.SetReset(false)
	out := avr.Transfer(programmingEnable)
	assert.Equal(t, byte(InstrProgrammingEcho), out[2])
	assert.Equal(t, [3]byte{0x1E, 0x93, 0x0B}, readSignature(avr))
}
