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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastRetry keeps retry tests quick
func fastRetry(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Microsecond,
		MaxBackoff:        time.Microsecond,
		BackoffMultiplier: 1.0,
		RetryTimeout:      time.Second,
	}
}

// flakyGPIO fails the first failures calls of each kind
type flakyGPIO struct {
	err      error
	calls    int
	failures int
}

func (g *flakyGPIO) SetDirection(context.Context, Direction) error { return g.next() }
func (g *flakyGPIO) Set(context.Context, Level) error              { return g.next() }

func (g *flakyGPIO) next() error {
	g.calls++
	if g.calls <= g.failures {
		return g.err
	}
	return nil
}

// gpioOnlyTransport hands out a fixed GPIO and a half-duplex SPI
type gpioOnlyTransport struct {
	*MockTransport
	gpio GPIO
}

func (t *gpioOnlyTransport) ResetLine(int) (GPIO, error) { return t.gpio, nil }

func (t *gpioOnlyTransport) SPI(bus int) (SPI, error) {
	inner, err := t.MockTransport.SPI(bus)
	if err != nil {
		return nil, err
	}
	return halfDuplexSPI{inner}, nil
}

type halfDuplexSPI struct{ SPI }

func TestLevelAndDirection_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "low", Low.String())
	assert.Equal(t, "high", High.String())
	assert.Equal(t, "input", Input.String())
	assert.Equal(t, "output", Output.String())
}

func TestSPIMode_Bits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode SPIMode
		cpol byte
		cpha byte
	}{
		{mode: SPIMode0, cpol: 0, cpha: 0},
		{mode: SPIMode1, cpol: 0, cpha: 1},
		{mode: SPIMode2, cpol: 1, cpha: 0},
		{mode: SPIMode3, cpol: 1, cpha: 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.cpol, tt.mode.CPOL(), "mode %d", tt.mode)
		assert.Equal(t, tt.cpha, tt.mode.CPHA(), "mode %d", tt.mode)
	}

	cfg := DefaultSPIConfig(DefaultSPIBaudrate)
	assert.Equal(t, SPIConfig{Baudrate: 1_000_000, Mode: SPIMode0}, cfg)
}

func TestMockTransport_RecordsOperations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mock := NewMockTransport()
	mock.QueueReceive([]byte{0x1E})

	bus, err := mock.SPI(1)
	require.NoError(t, err)
	reset, err := mock.ResetLine(4)
	require.NoError(t, err)

	require.NoError(t, reset.SetDirection(ctx, Output))
	require.NoError(t, reset.Set(ctx, Low))
	require.NoError(t, bus.Configure(ctx, DefaultSPIConfig(250_000)))
	require.NoError(t, bus.Transmit(ctx, []byte{0x30, 0x00, 0x00}))
	got, err := bus.Receive(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1E}, got)

	// Queue exhausted: a silent target
	got, err = bus.Receive(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.Equal(t, []MockOpKind{
		MockGPIODirection, MockGPIOSet, MockSPIConfigure, MockSPITransmit, MockSPIReceive, MockSPIReceive,
	}, mock.OperationKinds())

	ops := mock.Operations()
	assert.Equal(t, 4, ops[0].Pin)
	assert.Equal(t, 1, ops[2].Bus)
	assert.Equal(t, uint32(250_000), ops[2].Config.Baudrate)
	assert.Equal(t, []byte{0x30, 0x00, 0x00}, ops[3].Data)

	level, ok := mock.Level(4)
	require.True(t, ok)
	assert.Equal(t, Low, level)
}

func TestMockTransport_TransferDefaultsToZeros(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	bus, err := mock.SPI(0)
	require.NoError(t, err)
	fd, ok := bus.(FullDuplexSPI)
	require.True(t, ok)

	got, err := fd.Transfer(context.Background(), []byte{0xAC, 0x53, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, got)

	mock.QueueTransfer([]byte{0xFF, 0xAC, 0x53, 0x00})
	got, err = fd.Transfer(context.Background(), []byte{0xAC, 0x53, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xAC, 0x53, 0x00}, got)
}

func TestMockTransport_ErrorInjection(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mock := NewMockTransport()
	boom := errors.New("boom")
	mock.SetError(MockGPIOSet, boom)

	reset, err := mock.ResetLine(0)
	require.NoError(t, err)
	require.ErrorIs(t, reset.Set(ctx, High), boom)

	_, ok := mock.Level(0)
	assert.False(t, ok, "failed writes do not change the line")

	mock.ClearError(MockGPIOSet)
	require.NoError(t, reset.Set(ctx, High))
}

func TestMockTransport_ClosedAndCancelled(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	bus, err := mock.SPI(0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, bus.Transmit(ctx, []byte{0x00}), context.Canceled)

	require.NoError(t, mock.Close())
	assert.False(t, mock.IsConnected())
	require.ErrorIs(t, bus.Transmit(context.Background(), []byte{0x00}), ErrTransportClosed)
	_, err = mock.SPI(0)
	require.ErrorIs(t, err, ErrTransportClosed)

	mock.Reset()
	assert.True(t, mock.IsConnected())
	assert.Empty(t, mock.Operations())
}

func TestMockTransport_Delay(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetDelay(time.Second)
	reset, err := mock.ResetLine(0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, reset.Set(ctx, High), context.DeadlineExceeded)
}

func TestMockTransport_Capabilities(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	assert.Equal(t, TransportMock, mock.Type())
	assert.False(t, mock.HasCapability(CapabilityFullDuplex))
	mock.SetCapability(CapabilityFullDuplex, true)
	assert.True(t, mock.HasCapability(CapabilityFullDuplex))
}

func TestTransportWithRetry_RetriesGPIO(t *testing.T) {
	t.Parallel()

	gpio := &flakyGPIO{err: NewTimeoutError("gpio set", "test"), failures: 2}
	tr := NewTransportWithRetry(&gpioOnlyTransport{MockTransport: NewMockTransport(), gpio: gpio}, fastRetry(3))

	reset, err := tr.ResetLine(0)
	require.NoError(t, err)
	require.NoError(t, reset.Set(context.Background(), High))
	assert.Equal(t, 3, gpio.calls)
}

func TestTransportWithRetry_GivesUp(t *testing.T) {
	t.Parallel()

	gpio := &flakyGPIO{err: &BridgeError{Command: "gpio set", Status: BridgeStatusBusy}, failures: 10}
	tr := NewTransportWithRetry(&gpioOnlyTransport{MockTransport: NewMockTransport(), gpio: gpio}, fastRetry(2))

	reset, err := tr.ResetLine(0)
	require.NoError(t, err)
	err = reset.SetDirection(context.Background(), Output)
	require.Error(t, err)
	assert.Equal(t, 2, gpio.calls)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "GPIO direction", te.Op)
	assert.ErrorIs(t, err, ErrBridgeStatus)
}

func TestTransportWithRetry_PermanentErrorNotRetried(t *testing.T) {
	t.Parallel()

	gpio := &flakyGPIO{err: &BridgeError{Status: BridgeStatusInvalidArgument}, failures: 10}
	tr := NewTransportWithRetry(&gpioOnlyTransport{MockTransport: NewMockTransport(), gpio: gpio}, fastRetry(5))

	reset, err := tr.ResetLine(7)
	require.NoError(t, err)
	require.Error(t, reset.Set(context.Background(), Low))
	assert.Equal(t, 1, gpio.calls)
}

func TestTransportWithRetry_DataPhasesPassThrough(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetError(MockSPITransmit, NewTimeoutError("spi transmit", "test"))
	tr := NewTransportWithRetry(mock, fastRetry(5))

	bus, err := tr.SPI(0)
	require.NoError(t, err)
	require.Error(t, bus.Transmit(context.Background(), []byte{0xAC}))

	assert.Equal(t, []MockOpKind{MockSPITransmit}, mock.OperationKinds(), "transmit must not be repeated")
}

func TestTransportWithRetry_PreservesFullDuplex(t *testing.T) {
	t.Parallel()

	full := NewTransportWithRetry(NewMockTransport(), nil)
	bus, err := full.SPI(0)
	require.NoError(t, err)
	_, ok := bus.(FullDuplexSPI)
	assert.True(t, ok)

	half := NewTransportWithRetry(&gpioOnlyTransport{MockTransport: NewMockTransport()}, nil)
	bus, err = half.SPI(0)
	require.NoError(t, err)
	_, ok = bus.(FullDuplexSPI)
	assert.False(t, ok)
}

func TestTransportWithRetry_Forwarding(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetCapability(CapabilityFullDuplex, true)
	tr := NewTransportWithRetry(mock, nil)

	assert.Equal(t, TransportMock, tr.Type())
	assert.True(t, tr.HasCapability(CapabilityFullDuplex))
	require.NoError(t, tr.SetTimeout(2*time.Second))
	assert.True(t, tr.IsConnected())
	require.NoError(t, tr.Close())
	assert.False(t, mock.IsConnected())

	_, err := tr.SPI(0)
	assert.ErrorIs(t, err, ErrTransportClosed)
}
