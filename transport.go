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
	"fmt"
	"sync"
	"time"
)

// Transport gives access to the SPI buses and GPIO lines of a bridge.
// This can be implemented by the Octowire serial bridge or by the host's
// own spidev and GPIO drivers.
type Transport interface {
	// SPI returns a handle to the given SPI bus
	SPI(bus int) (SPI, error)

	// ResetLine returns a handle to the GPIO wired to the target's RESET pin
	ResetLine(pin int) (GPIO, error)

	// SetTimeout sets the read timeout for the transport
	SetTimeout(timeout time.Duration) error

	// Close closes the transport connection
	Close() error

	// IsConnected returns true if the transport is connected
	IsConnected() bool

	// Type returns the transport type
	Type() TransportType
}

// SPI is a single SPI bus. Transmit and Receive are separate transactions;
// the AVR has no chip select, RESET held low keeps it listening between them.
type SPI interface {
	// Configure sets the bus clock and mode
	Configure(ctx context.Context, cfg SPIConfig) error

	// Transmit clocks data out, discarding what comes back
	Transmit(ctx context.Context, data []byte) error

	// Receive clocks n bytes in. An empty result means the target did not answer.
	Receive(ctx context.Context, n int) ([]byte, error)
}

// FullDuplexSPI is implemented by buses that can return the bytes clocked in
// while writing.
type FullDuplexSPI interface {
	SPI

	// Transfer writes w and returns the len(w) bytes read at the same time
	Transfer(ctx context.Context, w []byte) ([]byte, error)
}

// GPIO is a single digital line
type GPIO interface {
	// SetDirection configures the line as input or output
	SetDirection(ctx context.Context, dir Direction) error

	// Set drives an output line
	Set(ctx context.Context, level Level) error
}

// Level is the logic level of a GPIO line
type Level byte

const (
	// Low drives the line to ground
	Low Level = 0
	// High drives the line to VCC
	High Level = 1
)

func (l Level) String() string {
	if l == Low {
		return "low"
	}
	return "high"
}

// Direction is the direction of a GPIO line
type Direction byte

const (
	// Input leaves the line floating
	Input Direction = 0
	// Output drives the line
	Output Direction = 1
)

func (d Direction) String() string {
	if d == Input {
		return "input"
	}
	return "output"
}

// SPIMode is the clock polarity/phase combination (0-3)
type SPIMode byte

const (
	// SPIMode0 is CPOL=0, CPHA=0, the mode used by AVR serial programming
	SPIMode0 SPIMode = 0
	SPIMode1 SPIMode = 1
	SPIMode2 SPIMode = 2
	SPIMode3 SPIMode = 3
)

// CPOL returns the clock polarity bit
func (m SPIMode) CPOL() byte { return byte(m>>1) & 1 }

// CPHA returns the clock phase bit
func (m SPIMode) CPHA() byte { return byte(m) & 1 }

// SPIConfig holds SPI bus parameters
type SPIConfig struct {
	// Baudrate is the clock frequency in Hz
	Baudrate uint32
	// Mode is the clock polarity/phase
	Mode SPIMode
	// LSBFirst reverses the bit order on the wire
	LSBFirst bool
}

// DefaultSPIConfig returns an MSB-first mode 0 configuration at the given rate
func DefaultSPIConfig(baudrate uint32) SPIConfig {
	return SPIConfig{
		Baudrate: baudrate,
		Mode:     SPIMode0,
	}
}

// TransportType represents the type of transport
type TransportType string

const (
	// TransportOctowire represents the Octowire USB serial bridge.
	TransportOctowire TransportType = "octowire"
	// TransportNative represents the host's spidev and GPIO drivers.
	TransportNative TransportType = "native"
	// TransportMock represents a mock transport for testing
	TransportMock TransportType = "mock"
)

// TransportCapability represents specific capabilities or behaviors of a transport
type TransportCapability string

const (
	// CapabilityFullDuplex indicates the SPI handles implement FullDuplexSPI
	// and the bytes read back while writing are meaningful.
	CapabilityFullDuplex TransportCapability = "full_duplex"
)

// TransportCapabilityChecker defines an interface for querying transport capabilities
type TransportCapabilityChecker interface {
	// HasCapability returns true if the transport has the specified capability
	HasCapability(capability TransportCapability) bool
}

// TransportWithRetry wraps a Transport with retry capabilities.
//
// Only idempotent calls are retried: bus configuration and GPIO writes.
// Data phases are never repeated since a half-clocked instruction would leave
// the target out of step with the host.
type TransportWithRetry struct {
	transport Transport
	config    *RetryConfig
}

// NewTransportWithRetry creates a new transport wrapper with retry logic
func NewTransportWithRetry(transport Transport, config *RetryConfig) *TransportWithRetry {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &TransportWithRetry{
		transport: transport,
		config:    config,
	}
}

// SPI returns a bus handle whose Configure call is retried
func (t *TransportWithRetry) SPI(bus int) (SPI, error) {
	inner, err := t.transport.SPI(bus)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI bus %d: %w", bus, err)
	}
	if fd, ok := inner.(FullDuplexSPI); ok {
		return &retryFullDuplexSPI{retrySPI: retrySPI{inner: inner, t: t}, fd: fd}, nil
	}
	return &retrySPI{inner: inner, t: t}, nil
}

// ResetLine returns a GPIO handle whose calls are retried
func (t *TransportWithRetry) ResetLine(pin int) (GPIO, error) {
	inner, err := t.transport.ResetLine(pin)
	if err != nil {
		return nil, fmt.Errorf("failed to open reset line %d: %w", pin, err)
	}
	return &retryGPIO{inner: inner, t: t}, nil
}

func (t *TransportWithRetry) retry(ctx context.Context, op string, fn func() error) error {
	return RetryWithConfig(ctx, t.config, func() error {
		if err := fn(); err != nil {
			return &TransportError{
				Op:        op,
				Err:       err,
				Type:      GetErrorType(err),
				Retryable: IsRetryable(err),
			}
		}
		return nil
	})
}

// Close closes the transport connection
func (t *TransportWithRetry) Close() error {
	if err := t.transport.Close(); err != nil {
		return fmt.Errorf("failed to close underlying transport: %w", err)
	}
	return nil
}

// SetTimeout sets the read timeout for the transport
func (t *TransportWithRetry) SetTimeout(timeout time.Duration) error {
	if err := t.transport.SetTimeout(timeout); err != nil {
		return fmt.Errorf("failed to set timeout on underlying transport: %w", err)
	}
	return nil
}

// IsConnected returns true if the transport is connected
func (t *TransportWithRetry) IsConnected() bool {
	return t.transport.IsConnected()
}

// Type returns the transport type
func (t *TransportWithRetry) Type() TransportType {
	return t.transport.Type()
}

// HasCapability forwards capability checking to the underlying transport
func (t *TransportWithRetry) HasCapability(capability TransportCapability) bool {
	if capChecker, ok := t.transport.(TransportCapabilityChecker); ok {
		return capChecker.HasCapability(capability)
	}
	return false
}

// Unwrap returns the wrapped transport
func (t *TransportWithRetry) Unwrap() Transport {
	return t.transport
}

// SetRetryConfig updates the retry configuration
func (t *TransportWithRetry) SetRetryConfig(config *RetryConfig) {
	t.config = config
}

type retrySPI struct {
	inner SPI
	t     *TransportWithRetry
}

func (s *retrySPI) Configure(ctx context.Context, cfg SPIConfig) error {
	return s.t.retry(ctx, "SPI configure", func() error {
		return s.inner.Configure(ctx, cfg)
	})
}

func (s *retrySPI) Transmit(ctx context.Context, data []byte) error {
	//nolint:wrapcheck // pass-through, data phases are not retried
	return s.inner.Transmit(ctx, data)
}

func (s *retrySPI) Receive(ctx context.Context, n int) ([]byte, error) {
	//nolint:wrapcheck // pass-through, data phases are not retried
	return s.inner.Receive(ctx, n)
}

type retryFullDuplexSPI struct {
	fd FullDuplexSPI
	retrySPI
}

func (s *retryFullDuplexSPI) Transfer(ctx context.Context, w []byte) ([]byte, error) {
	//nolint:wrapcheck // pass-through, data phases are not retried
	return s.fd.Transfer(ctx, w)
}

type retryGPIO struct {
	inner GPIO
	t     *TransportWithRetry
}

func (g *retryGPIO) SetDirection(ctx context.Context, dir Direction) error {
	return g.t.retry(ctx, "GPIO direction", func() error {
		return g.inner.SetDirection(ctx, dir)
	})
}

func (g *retryGPIO) Set(ctx context.Context, level Level) error {
	return g.t.retry(ctx, "GPIO set", func() error {
		return g.inner.Set(ctx, level)
	})
}

// MockOpKind identifies a recorded MockTransport call
type MockOpKind string

// Recorded operation kinds
const (
	MockSPIConfigure  MockOpKind = "spi_configure"
	MockSPITransmit   MockOpKind = "spi_transmit"
	MockSPIReceive    MockOpKind = "spi_receive"
	MockSPITransfer   MockOpKind = "spi_transfer"
	MockGPIODirection MockOpKind = "gpio_direction"
	MockGPIOSet       MockOpKind = "gpio_set"
)

// MockOperation is one call recorded by MockTransport
type MockOperation struct {
	Kind   MockOpKind
	Data   []byte
	Config SPIConfig
	Bus    int
	Pin    int
	N      int
	Level  Level
	Dir    Direction
}

// MockTransport provides a mock implementation of Transport for testing.
// Receive and Transfer answers are served from queues; an empty receive
// queue behaves like a silent target.
type MockTransport struct {
	errorMap     map[MockOpKind]error
	capabilities map[TransportCapability]bool
	levels       map[int]Level
	receive      [][]byte
	transfer     [][]byte
	ops          []MockOperation
	timeout      time.Duration
	delay        time.Duration
	mu           sync.RWMutex
	connected    bool
}

// NewMockTransport creates a new mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{
		connected:    true,
		timeout:      time.Second,
		errorMap:     make(map[MockOpKind]error),
		capabilities: make(map[TransportCapability]bool),
		levels:       make(map[int]Level),
	}
}

// SPI implements Transport interface
func (m *MockTransport) SPI(bus int) (SPI, error) {
	if !m.IsConnected() {
		return nil, ErrTransportClosed
	}
	return &mockSPI{m: m, bus: bus}, nil
}

// ResetLine implements Transport interface
func (m *MockTransport) ResetLine(pin int) (GPIO, error) {
	if !m.IsConnected() {
		return nil, ErrTransportClosed
	}
	return &mockGPIO{m: m, pin: pin}, nil
}

// Close implements Transport interface
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

// SetTimeout implements Transport interface
func (m *MockTransport) SetTimeout(timeout time.Duration) error {
	m.mu.Lock()
	m.timeout = timeout
	m.mu.Unlock()
	return nil
}

// IsConnected implements Transport interface
func (m *MockTransport) IsConnected() bool {
	m.mu.RLock()
	connected := m.connected
	m.mu.RUnlock()
	return connected
}

// Type implements Transport interface
func (*MockTransport) Type() TransportType {
	return TransportMock
}

// HasCapability implements TransportCapabilityChecker
func (m *MockTransport) HasCapability(capability TransportCapability) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.capabilities[capability]
}

// Test helper methods

// SetCapability enables or disables a capability
func (m *MockTransport) SetCapability(capability TransportCapability, enabled bool) {
	m.mu.Lock()
	m.capabilities[capability] = enabled
	m.mu.Unlock()
}

// QueueReceive appends answers for subsequent Receive calls
func (m *MockTransport) QueueReceive(responses ...[]byte) {
	m.mu.Lock()
	m.receive = append(m.receive, responses...)
	m.mu.Unlock()
}

// QueueTransfer appends answers for subsequent Transfer calls
func (m *MockTransport) QueueTransfer(responses ...[]byte) {
	m.mu.Lock()
	m.transfer = append(m.transfer, responses...)
	m.mu.Unlock()
}

// SetError configures an error to be returned for an operation kind
func (m *MockTransport) SetError(kind MockOpKind, err error) {
	m.mu.Lock()
	m.errorMap[kind] = err
	m.mu.Unlock()
}

// ClearError removes error injection for an operation kind
func (m *MockTransport) ClearError(kind MockOpKind) {
	m.mu.Lock()
	delete(m.errorMap, kind)
	m.mu.Unlock()
}

// SetDelay configures a delay to simulate bridge response time
func (m *MockTransport) SetDelay(delay time.Duration) {
	m.mu.Lock()
	m.delay = delay
	m.mu.Unlock()
}

// Operations returns a copy of all recorded calls
func (m *MockTransport) Operations() []MockOperation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ops := make([]MockOperation, len(m.ops))
	copy(ops, m.ops)
	return ops
}

// OperationKinds returns the kinds of all recorded calls in order
func (m *MockTransport) OperationKinds() []MockOpKind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kinds := make([]MockOpKind, len(m.ops))
	for i, op := range m.ops {
		kinds[i] = op.Kind
	}
	return kinds
}

// Level returns the last level driven on a GPIO pin
func (m *MockTransport) Level(pin int) (Level, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.levels[pin]
	return l, ok
}

// Reset clears recorded calls, queues and errors
func (m *MockTransport) Reset() {
	m.mu.Lock()
	m.ops = nil
	m.receive = nil
	m.transfer = nil
	m.errorMap = make(map[MockOpKind]error)
	m.levels = make(map[int]Level)
	m.connected = true
	m.mu.Unlock()
}

// record logs a call and returns the injected error, if any
func (m *MockTransport) record(ctx context.Context, op MockOperation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	connected := m.connected
	delay := m.delay
	m.mu.RUnlock()

	if !connected {
		return ErrTransportClosed
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if op.Data != nil {
		op.Data = append([]byte(nil), op.Data...)
	}
	m.ops = append(m.ops, op)
	if err, exists := m.errorMap[op.Kind]; exists {
		return err
	}
	if op.Kind == MockGPIOSet {
		m.levels[op.Pin] = op.Level
	}
	return nil
}

func (m *MockTransport) popReceive() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.receive) == 0 {
		return nil
	}
	resp := m.receive[0]
	m.receive = m.receive[1:]
	return resp
}

func (m *MockTransport) popTransfer(n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.transfer) == 0 {
		return make([]byte, n)
	}
	resp := m.transfer[0]
	m.transfer = m.transfer[1:]
	return resp
}

type mockSPI struct {
	m   *MockTransport
	bus int
}

func (s *mockSPI) Configure(ctx context.Context, cfg SPIConfig) error {
	return s.m.record(ctx, MockOperation{Kind: MockSPIConfigure, Bus: s.bus, Config: cfg})
}

func (s *mockSPI) Transmit(ctx context.Context, data []byte) error {
	return s.m.record(ctx, MockOperation{Kind: MockSPITransmit, Bus: s.bus, Data: data})
}

func (s *mockSPI) Receive(ctx context.Context, n int) ([]byte, error) {
	if err := s.m.record(ctx, MockOperation{Kind: MockSPIReceive, Bus: s.bus, N: n}); err != nil {
		return nil, err
	}
	return s.m.popReceive(), nil
}

func (s *mockSPI) Transfer(ctx context.Context, w []byte) ([]byte, error) {
	if err := s.m.record(ctx, MockOperation{Kind: MockSPITransfer, Bus: s.bus, Data: w}); err != nil {
		return nil, err
	}
	return s.m.popTransfer(len(w)), nil
}

type mockGPIO struct {
	m   *MockTransport
	pin int
}

func (g *mockGPIO) SetDirection(ctx context.Context, dir Direction) error {
	return g.m.record(ctx, MockOperation{Kind: MockGPIODirection, Pin: g.pin, Dir: dir})
}

func (g *mockGPIO) Set(ctx context.Context, level Level) error {
	return g.m.record(ctx, MockOperation{Kind: MockGPIOSet, Pin: g.pin, Level: level})
}

// GetErrorType classifies an error for TransportError wrapping
func GetErrorType(err error) ErrorType {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Type
	}
	switch {
	case errors.Is(err, ErrTransportTimeout), errors.Is(err, ErrTransportNotReady):
		return ErrorTypeTimeout
	case IsRetryable(err):
		return ErrorTypeTransient
	default:
		return ErrorTypePermanent
	}
}
