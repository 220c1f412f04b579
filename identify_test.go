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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testResetPin = 3

func newIdentifyDevice(t *testing.T, mock Transport, opts ...Option) *Device {
	t.Helper()
	opts = append([]Option{WithResetLine(testResetPin)}, opts...)
	device, err := New(mock, opts...)
	require.NoError(t, err)
	return device
}

func signatureReads(sig Signature) []MockOperation {
	var ops []MockOperation
	for i := range sig {
		ops = append(ops,
			MockOperation{Kind: MockSPITransmit, Data: []byte{0x30, 0x00, byte(i)}},
			MockOperation{Kind: MockSPIReceive, N: 1},
		)
	}
	return ops
}

// normalizeOps keeps only the fields Identify is expected to set
func normalizeOps(ops []MockOperation) []MockOperation {
	out := make([]MockOperation, len(ops))
	for i, op := range ops {
		out[i] = MockOperation{Kind: op.Kind, Data: op.Data, N: op.N, Level: op.Level, Dir: op.Dir}
	}
	return out
}

func TestIdentify_CommandSequence(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.QueueReceive([]byte{0x1E}, []byte{0x95}, []byte{0x0F})
	device := newIdentifyDevice(t, mock)

	id, err := device.Identify(context.Background())
	require.NoError(t, err)

	want := []MockOperation{
		{Kind: MockGPIODirection, Dir: Output},
		{Kind: MockGPIOSet, Level: High},
		{Kind: MockSPIConfigure},
		{Kind: MockGPIOSet, Level: Low},
		{Kind: MockSPITransmit, Data: []byte{0xAC, 0x53, 0x00, 0x00}},
	}
	want = append(want, signatureReads(Signature{})...)
	want = append(want, MockOperation{Kind: MockGPIOSet, Level: High})
	assert.Equal(t, want, normalizeOps(mock.Operations()))

	ops := mock.Operations()
	assert.Equal(t, SPIConfig{Baudrate: DefaultSPIBaudrate, Mode: SPIMode0}, ops[2].Config)
	for _, op := range ops {
		if op.Kind == MockGPIOSet || op.Kind == MockGPIODirection {
			assert.Equal(t, testResetPin, op.Pin)
		}
	}

	assert.Equal(t, Signature{0x1E, 0x95, 0x0F}, id.Signature)
	assert.Equal(t, ConditionValid, id.Condition)
	require.True(t, id.Known())
	assert.Equal(t, "ATmega328P", id.Info.Name)
	assert.Equal(t, 32768, id.Info.FlashSize)
	assert.Equal(t, 128, id.Info.FlashPageSize)
	assert.Equal(t, 1024, id.Info.EEPROMSize)
	assert.False(t, id.Synced)
	assert.Equal(t, 1, id.Attempts)
}

func TestIdentify_Classification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		wantErr  error
		name     string
		wantName string
		sig      Signature
		wantCond Condition
	}{
		{name: "valid known", sig: Signature{0x1E, 0x93, 0x0B}, wantCond: ConditionValid, wantName: "ATtiny85"},
		{name: "lock bits", sig: Signature{0x00, 0x01, 0x02}, wantCond: ConditionLockBits, wantErr: ErrLockBitsSet},
		{name: "vendor 00", sig: Signature{0x00, 0x00, 0x00}, wantCond: ConditionLocked, wantErr: ErrDeviceLocked},
		{name: "vendor FF", sig: Signature{0xFF, 0xFF, 0xFF}, wantCond: ConditionLocked, wantErr: ErrDeviceLocked},
		{name: "erased", sig: Signature{0x1E, 0xFF, 0xFF}, wantCond: ConditionErased, wantErr: ErrTargetMissing},
		{name: "unknown", sig: Signature{0x1E, 0xAB, 0xCD}, wantCond: ConditionValid, wantErr: ErrUnknownSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mock := NewMockTransport()
			mock.QueueReceive(tt.sig[:1], tt.sig[1:2], tt.sig[2:])
			device := newIdentifyDevice(t, mock)

			id, err := device.Identify(context.Background())

			require.NotNil(t, id, "identification is returned with classification errors")
			assert.Equal(t, tt.sig, id.Signature)
			assert.Equal(t, tt.wantCond, id.Condition)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.True(t, IsSignatureError(err))
				assert.Nil(t, id.Info)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantName, id.Info.Name)
			}

			level, ok := mock.Level(testResetPin)
			require.True(t, ok)
			assert.Equal(t, High, level)
		})
	}
}

func TestIdentify_NoResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		responses [][]byte
		wantIn    string
	}{
		{name: "silent target", responses: nil, wantIn: "Vendor ID"},
		{name: "empty answer", responses: [][]byte{{}}, wantIn: "Vendor ID"},
		{name: "stops after vendor", responses: [][]byte{{0x1E}}, wantIn: "Part Family and Flash Size"},
		{name: "stops after family", responses: [][]byte{{0x1E}, {0x95}}, wantIn: "Part number"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mock := NewMockTransport()
			mock.QueueReceive(tt.responses...)
			device := newIdentifyDevice(t, mock)

			id, err := device.Identify(context.Background())
			assert.Nil(t, id)
			require.ErrorIs(t, err, ErrNoResponse)
			assert.Contains(t, err.Error(), tt.wantIn)
			assert.Contains(t, err.Error(), "unable to get a response from the device")

			// Reset is released after the failure
			kinds := mock.OperationKinds()
			assert.Equal(t, MockGPIOSet, kinds[len(kinds)-1])
			level, _ := mock.Level(testResetPin)
			assert.Equal(t, High, level)
		})
	}
}

func TestIdentify_TransportErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("bridge unplugged")

	tests := []struct {
		name         string
		failOn       MockOpKind
		wantContains string
		resetTouched bool
	}{
		{name: "direction", failOn: MockGPIODirection, wantContains: "failed to configure reset line"},
		{name: "configure", failOn: MockSPIConfigure, wantContains: "failed to configure SPI0"},
		{name: "transmit", failOn: MockSPITransmit, wantContains: "programming enable", resetTouched: true},
		{name: "receive", failOn: MockSPIReceive, wantContains: "failed to read Vendor ID", resetTouched: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mock := NewMockTransport()
			mock.SetError(tt.failOn, boom)
			device := newIdentifyDevice(t, mock)

			id, err := device.Identify(context.Background())
			assert.Nil(t, id)
			require.ErrorIs(t, err, boom)
			assert.Contains(t, err.Error(), tt.wantContains)

			ops := mock.Operations()
			last := ops[len(ops)-1]
			if tt.resetTouched {
				assert.Equal(t, MockOperation{Kind: MockGPIOSet, Pin: testResetPin, Level: High}, last)
			} else {
				assert.NotEqual(t, MockSPITransmit, last.Kind, "nothing is clocked out before setup succeeds")
			}
		})
	}
}

func TestIdentify_ContextCancelledMidRead(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := NewMockTransport()
	mock.QueueReceive([]byte{0x1E}, []byte{0x95}, []byte{0x0F})
	device := newIdentifyDevice(t, mock, WithProgressCallback(func(p Progress) {
		if p.Step == StepSignatureByte && p.Index == 0 {
			cancel()
		}
	}))

	id, err := device.Identify(ctx)
	assert.Nil(t, id)
	require.ErrorIs(t, err, context.Canceled)

	level, ok := mock.Level(testResetPin)
	require.True(t, ok)
	assert.Equal(t, High, level, "reset must be released even after cancellation")
}

// releaseFailGPIO fails any attempt to drive the line high after it went low
type releaseFailGPIO struct {
	wentLow bool
}

func (*releaseFailGPIO) SetDirection(context.Context, Direction) error { return nil }

func (g *releaseFailGPIO) Set(_ context.Context, level Level) error {
	if level == Low {
		g.wentLow = true
		return nil
	}
	if g.wentLow {
		return ErrTransportWrite
	}
	return nil
}

func TestIdentify_ReleaseFailure(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.QueueReceive([]byte{0x1E}, []byte{0x95}, []byte{0x0F})
	tr := &gpioOnlyTransport{MockTransport: mock, gpio: &releaseFailGPIO{}}
	device := newIdentifyDevice(t, tr)

	id, err := device.Identify(context.Background())
	assert.Nil(t, id)
	require.ErrorIs(t, err, ErrTransportWrite)
	assert.Contains(t, err.Error(), "failed to release reset")
}

func TestIdentify_ReleaseFailureKeepsFirstError(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	tr := &gpioOnlyTransport{MockTransport: mock, gpio: &releaseFailGPIO{}}
	device := newIdentifyDevice(t, tr)

	_, err := device.Identify(context.Background())
	require.ErrorIs(t, err, ErrNoResponse)
	assert.NotErrorIs(t, err, ErrTransportWrite)
}

func TestIdentify_Progress(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.QueueReceive([]byte{0x1E}, []byte{0x98}, []byte{0x01})

	var events []Progress
	device := newIdentifyDevice(t, mock, WithProgressCallback(func(p Progress) {
		events = append(events, p)
	}))

	id, err := device.Identify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ATmega2560", id.Info.Name)

	steps := make([]Step, len(events))
	for i, e := range events {
		steps[i] = e.Step
	}
	assert.Equal(t, []Step{
		StepEnablingAccess, StepSignatureByte, StepSignatureByte, StepSignatureByte,
		StepReleasingReset, StepComplete,
	}, steps)

	assert.Equal(t, 1, events[0].Attempt)
	assert.Equal(t, "Vendor ID", events[1].Name)
	assert.Equal(t, byte(0x1E), events[1].Value)
	assert.Equal(t, "Part Family and Flash Size", events[2].Name)
	assert.Equal(t, byte(0x98), events[2].Value)
	assert.Equal(t, "Part number", events[3].Name)
	assert.Equal(t, 2, events[3].Index)
	assert.Equal(t, byte(0x01), events[3].Value)
}

func TestIdentify_FullDuplexSync(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetCapability(CapabilityFullDuplex, true)
	mock.QueueTransfer([]byte{0xFF, 0xAC, 0x53, 0x00})
	mock.QueueReceive([]byte{0x1E}, []byte{0x95}, []byte{0x0F})
	device := newIdentifyDevice(t, mock)

	id, err := device.Identify(context.Background())
	require.NoError(t, err)
	assert.True(t, id.Synced)
	assert.Equal(t, 1, id.Attempts)

	ops := mock.Operations()
	assert.Equal(t, MockSPITransfer, ops[4].Kind)
	assert.Equal(t, []byte{0xAC, 0x53, 0x00, 0x00}, ops[4].Data)
}

func TestIdentify_FullDuplexResync(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetCapability(CapabilityFullDuplex, true)
	mock.QueueTransfer(
		[]byte{0x00, 0x00, 0x00, 0x00},
		[]byte{0xFF, 0xFF, 0xFF, 0xFF},
		[]byte{0x00, 0xAC, 0x53, 0x00},
	)
	mock.QueueReceive([]byte{0x1E}, []byte{0x95}, []byte{0x0F})
	device := newIdentifyDevice(t, mock, WithSyncAttempts(4))

	id, err := device.Identify(context.Background())
	require.NoError(t, err)
	assert.True(t, id.Synced)
	assert.Equal(t, 3, id.Attempts)

	// Each retry is preceded by a reset pulse
	kinds := mock.OperationKinds()
	assert.Equal(t, []MockOpKind{
		MockGPIODirection, MockGPIOSet, MockSPIConfigure, MockGPIOSet,
		MockSPITransfer, MockGPIOSet, MockGPIOSet,
		MockSPITransfer, MockGPIOSet, MockGPIOSet,
		MockSPITransfer,
	}, kinds[:11])
}

func TestIdentify_FullDuplexNeverSyncs(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetCapability(CapabilityFullDuplex, true)
	mock.QueueReceive([]byte{0x00}, []byte{0x01}, []byte{0x02})
	device := newIdentifyDevice(t, mock, WithSyncAttempts(2))

	id, err := device.Identify(context.Background())
	require.ErrorIs(t, err, ErrLockBitsSet)
	require.NotNil(t, id)
	assert.False(t, id.Synced)
	assert.Equal(t, 2, id.Attempts)
}

func TestIdentify_FullDuplexTransferError(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetCapability(CapabilityFullDuplex, true)
	mock.SetError(MockSPITransfer, NewTimeoutError("spi transfer", "test"))
	device := newIdentifyDevice(t, mock)

	_, err := device.Identify(context.Background())
	require.ErrorIs(t, err, ErrTransportTimeout)

	level, _ := mock.Level(testResetPin)
	assert.Equal(t, High, level)
}

func TestIdentify_WithRetryWrapper(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetCapability(CapabilityFullDuplex, true)
	mock.QueueTransfer([]byte{0x00, 0xAC, 0x53, 0x00})
	mock.QueueReceive([]byte{0x1E}, []byte{0x95}, []byte{0x87})
	device := newIdentifyDevice(t, mock, WithRetryConfig(fastRetry(2)))

	_, wrapped := device.Transport().(*TransportWithRetry)
	require.True(t, wrapped)

	id, err := device.Identify(context.Background())
	require.NoError(t, err)
	assert.True(t, id.Synced)
	assert.Equal(t, "ATmega32U4", id.Info.Name)
}

func TestIdentify_CustomTableAndBus(t *testing.T) {
	t.Parallel()

	table, err := NewDeviceTable(DeviceInfo{Name: "Bench part", Signature: Signature{0x1E, 0xAB, 0xCD}})
	require.NoError(t, err)

	mock := NewMockTransport()
	mock.QueueReceive([]byte{0x1E}, []byte{0xAB}, []byte{0xCD})
	device := newIdentifyDevice(t, mock, WithDeviceTable(table), WithSPIBus(1), WithSPIBaudrate(250_000))

	id, err := device.Identify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bench part", id.Info.Name)

	for _, op := range mock.Operations() {
		if op.Kind == MockSPIConfigure {
			assert.Equal(t, 1, op.Bus)
			assert.Equal(t, uint32(250_000), op.Config.Baudrate)
		}
	}
}
