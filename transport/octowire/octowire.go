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

// Package octowire implements avrisp.Transport over the serial link of an
// Octowire bridge.
package octowire

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/ZaparooProject/go-avrisp"
	"github.com/ZaparooProject/go-avrisp/internal/frame"
	"github.com/ZaparooProject/go-avrisp/internal/syncutil"
	"go.bug.st/serial"
)

const (
	// BaudRate is the bridge's fixed serial speed
	BaudRate = 115200
	// DefaultTimeout bounds the wait for one response frame
	DefaultTimeout = time.Second
	// SPIBuses is the number of SPI buses on the bridge
	SPIBuses = 2
	// MaxPin is the highest GPIO number the bridge addresses
	MaxPin = 255

	traceSize = 8
)

// Transport implements the avrisp.Transport interface for an Octowire
// bridge. Commands are serialised; one request is in flight at a time.
type Transport struct {
	port     serial.Port
	portName string
	timeout  time.Duration
	mu       syncutil.Mutex
	closed   bool
}

// isWindows returns true if running on Windows
func isWindows() bool {
	return runtime.GOOS == "windows"
}

// getReadPollTimeout returns how long a single port read may block.
// Windows CDC drivers need a longer poll to return partial data.
func getReadPollTimeout() time.Duration {
	if isWindows() {
		return 100 * time.Millisecond
	}
	return 50 * time.Millisecond
}

// New opens the serial port of an Octowire bridge.
func New(portName string) (*Transport, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open Octowire port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(getReadPollTimeout()); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set Octowire read timeout: %w", err)
	}

	return NewWithPort(port, portName), nil
}

// NewWithPort wraps an already opened serial port.
func NewWithPort(port serial.Port, portName string) *Transport {
	return &Transport{
		port:     port,
		portName: portName,
		timeout:  DefaultTimeout,
	}
}

// SPI returns a handle to one of the bridge's SPI buses
func (t *Transport) SPI(bus int) (avrisp.SPI, error) {
	if bus < 0 || bus >= SPIBuses {
		return nil, fmt.Errorf("%w: SPI%d (bridge has %d)", avrisp.ErrInvalidSPIBus, bus, SPIBuses)
	}
	return &spiBus{t: t, bus: byte(bus)}, nil
}

// ResetLine returns a handle to a bridge GPIO
func (t *Transport) ResetLine(pin int) (avrisp.GPIO, error) {
	if pin < 0 || pin > MaxPin {
		return nil, fmt.Errorf("%w: GPIO%d", avrisp.ErrInvalidResetLine, pin)
	}
	return &gpioLine{t: t, pin: byte(pin)}, nil
}

// SetTimeout sets how long a command waits for its response
func (t *Transport) SetTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", avrisp.ErrInvalidParameter)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = timeout
	return nil
}

// Close closes the transport connection
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil || t.closed {
		return nil
	}
	t.closed = true
	if err := t.port.Close(); err != nil {
		return fmt.Errorf("octowire close failed: %w", err)
	}
	return nil
}

// IsConnected returns true if the transport is connected
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil && !t.closed
}

// Type returns the transport type
func (*Transport) Type() avrisp.TransportType {
	return avrisp.TransportOctowire
}

// HasCapability implements the TransportCapabilityChecker interface.
// The bridge returns MISO data for every transceive.
func (*Transport) HasCapability(capability avrisp.TransportCapability) bool {
	return capability == avrisp.CapabilityFullDuplex
}

// Version returns the bridge firmware version string
func (t *Transport) Version(ctx context.Context) (string, error) {
	data, err := t.command(ctx, "version", frame.OpcodeSystem, frame.OpSystemVersion, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\x00\r\n "), nil
}

// command sends one request and returns the data of its response.
// Failures carry a wire trace of the exchange.
func (t *Transport) command(
	ctx context.Context, name string, opcode, operation byte, args []byte,
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil || t.closed {
		return nil, avrisp.NewTransportClosedError(name, t.portName)
	}

	req, err := frame.EncodeRequest(opcode, operation, args)
	if err != nil {
		return nil, avrisp.NewTransportError(name, t.portName, err, avrisp.ErrorTypePermanent)
	}

	trace := avrisp.NewTraceBuffer(string(avrisp.TransportOctowire), t.portName, traceSize)
	trace.RecordTX(req, name)
	avrisp.Debugf("octowire %s: TX % X", name, req)

	if err := t.port.ResetInputBuffer(); err != nil {
		return nil, trace.WrapError(fmt.Errorf("octowire input flush failed: %w", err))
	}
	n, err := t.port.Write(req)
	if err != nil {
		return nil, trace.WrapError(fmt.Errorf("octowire write failed: %w", err))
	} else if n != len(req) {
		return nil, trace.WrapError(avrisp.NewTransportWriteError(name, t.portName))
	}
	if err := t.drainWithRetry(name); err != nil {
		return nil, trace.WrapError(err)
	}

	raw, resp, err := t.readResponse(ctx, name)
	if err != nil {
		if errors.Is(err, avrisp.ErrTransportTimeout) {
			trace.RecordTimeout(name)
		}
		return nil, trace.WrapError(err)
	}
	trace.RecordRX(raw, name)
	avrisp.Debugf("octowire %s: RX % X", name, raw)

	if resp.Status != frame.StatusOK {
		return nil, trace.WrapError(&avrisp.BridgeError{
			Command:   name,
			Opcode:    opcode,
			Operation: operation,
			Status:    resp.Status,
		})
	}
	return resp.Data, nil
}

// readResponse collects one response frame. The port's read timeout makes
// each Read return (0, nil) when idle, so the deadline is enforced here.
func (t *Transport) readResponse(ctx context.Context, name string) ([]byte, frame.Response, error) {
	deadline := time.Now().Add(t.timeout)
	buf := make([]byte, 0, 64)
	chunk := make([]byte, 64)

	for {
		if err := ctx.Err(); err != nil {
			return nil, frame.Response{}, err
		}
		if time.Now().After(deadline) {
			return nil, frame.Response{}, avrisp.NewTimeoutError(name, t.portName)
		}

		n, err := t.port.Read(chunk)
		if err != nil {
			return nil, frame.Response{}, fmt.Errorf("octowire read failed: %w", err)
		}
		if n == 0 {
			continue
		}
		buf = append(buf, chunk[:n]...)

		resp, used, err := frame.DecodeResponse(buf)
		if err != nil {
			return buf, frame.Response{}, &avrisp.TransportError{
				Op:        name,
				Port:      t.portName,
				Err:       fmt.Errorf("%w: %w", avrisp.ErrFrameCorrupted, err),
				Type:      avrisp.ErrorTypeTransient,
				Retryable: true,
			}
		}
		if used > 0 {
			return buf[:used], resp, nil
		}
	}
}

// isInterruptedSystemCall checks if an error is caused by an interrupted system call
func isInterruptedSystemCall(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "interrupted system call") ||
		strings.Contains(errStr, "eintr")
}

// drainWithRetry performs port drain with retry logic for interrupted system calls
func (t *Transport) drainWithRetry(operation string) error {
	const maxRetries = 3
	baseDelay := 2 * time.Millisecond

	for attempt := range maxRetries {
		err := t.port.Drain()
		if err == nil {
			return nil
		}
		if isInterruptedSystemCall(err) && attempt < maxRetries-1 {
			time.Sleep(baseDelay * time.Duration(1<<attempt)) // 2ms, 4ms
			continue
		}
		return fmt.Errorf("octowire %s drain failed: %w", operation, err)
	}

	return fmt.Errorf("octowire %s drain failed after %d retries", operation, maxRetries)
}

type spiBus struct {
	t   *Transport
	bus byte
}

func (s *spiBus) Configure(ctx context.Context, cfg avrisp.SPIConfig) error {
	args := frame.SPIConfigureArgs(s.bus, cfg.Baudrate, cfg.Mode.CPOL(), cfg.Mode.CPHA(), cfg.LSBFirst)
	_, err := s.t.command(ctx, "SPI configure", frame.OpcodeSPI, frame.OpSPIConfigure, args)
	return err
}

func (s *spiBus) Transmit(ctx context.Context, data []byte) error {
	_, err := s.t.command(ctx, "SPI transmit", frame.OpcodeSPI, frame.OpSPITransmit, s.withBus(data))
	return err
}

func (s *spiBus) Receive(ctx context.Context, n int) ([]byte, error) {
	if n < 0 || n > frame.MaxResponseData {
		return nil, fmt.Errorf("%w: cannot receive %d bytes", avrisp.ErrInvalidParameter, n)
	}
	args := frame.SPIReceiveArgs(s.bus, uint16(n)) //nolint:gosec // bounded above
	data, err := s.t.command(ctx, "SPI receive", frame.OpcodeSPI, frame.OpSPIReceive, args)
	if err != nil {
		return nil, err
	}
	if len(data) > n {
		return nil, avrisp.NewInvalidResponseError("SPI receive", s.t.portName)
	}
	return data, nil
}

func (s *spiBus) Transfer(ctx context.Context, w []byte) ([]byte, error) {
	data, err := s.t.command(ctx, "SPI transceive", frame.OpcodeSPI, frame.OpSPITransceive, s.withBus(w))
	if err != nil {
		return nil, err
	}
	if len(data) != len(w) {
		return nil, avrisp.NewInvalidResponseError("SPI transceive", s.t.portName)
	}
	return data, nil
}

func (s *spiBus) withBus(data []byte) []byte {
	args := make([]byte, 0, len(data)+1)
	args = append(args, s.bus)
	return append(args, data...)
}

type gpioLine struct {
	t   *Transport
	pin byte
}

func (g *gpioLine) SetDirection(ctx context.Context, dir avrisp.Direction) error {
	args := []byte{g.pin, byte(dir)}
	_, err := g.t.command(ctx, "GPIO direction", frame.OpcodeGPIO, frame.OpGPIODirection, args)
	return err
}

func (g *gpioLine) Set(ctx context.Context, level avrisp.Level) error {
	args := []byte{g.pin, byte(level)}
	_, err := g.t.command(ctx, "GPIO set", frame.OpcodeGPIO, frame.OpGPIOSet, args)
	return err
}

// Ensure Transport implements the avrisp interfaces
var (
	_ avrisp.Transport                  = (*Transport)(nil)
	_ avrisp.TransportCapabilityChecker = (*Transport)(nil)
	_ avrisp.VersionReporter            = (*Transport)(nil)
	_ avrisp.FullDuplexSPI              = (*spiBus)(nil)
)
