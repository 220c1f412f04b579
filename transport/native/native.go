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

// Package native implements avrisp.Transport on the host's own spidev and
// GPIO drivers through periph.
package native

import (
	"context"
	"fmt"
	"time"

	"github.com/ZaparooProject/go-avrisp"
	"github.com/ZaparooProject/go-avrisp/internal/syncutil"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// SPIPort is the part of spi.PortCloser the transport uses
type SPIPort interface {
	Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error)
	Close() error
}

// Pin is the part of gpio.PinIO the transport uses
type Pin interface {
	String() string
	In(pull gpio.Pull, edge gpio.Edge) error
	Out(l gpio.Level) error
}

// PortOpener opens an SPI port by periph name, e.g. "SPI0.0"
type PortOpener func(name string) (SPIPort, error)

// PinResolver looks up a GPIO by periph name, e.g. "GPIO25". It returns nil
// for unknown pins.
type PinResolver func(name string) Pin

// Transport implements the avrisp.Transport interface for native SPI
type Transport struct {
	openPort  PortOpener
	pinByName PinResolver
	buses     map[int]*spiBus
	mu        syncutil.Mutex
	closed    bool
}

// PortName returns the periph name of chip select 0 on an SPI bus
func PortName(bus int) string {
	return fmt.Sprintf("SPI%d.0", bus)
}

// PinName returns the periph name of a GPIO
func PinName(pin int) string {
	return fmt.Sprintf("GPIO%d", pin)
}

// New initialises the periph host drivers and returns a transport on them.
func New() (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	openPort := func(name string) (SPIPort, error) {
		return spireg.Open(name) //nolint:wrapcheck // wrapped by the caller
	}
	pinByName := func(name string) Pin {
		p := gpioreg.ByName(name)
		if p == nil {
			return nil
		}
		return p
	}
	return NewWithDrivers(openPort, pinByName), nil
}

// NewWithDrivers creates a transport on caller supplied drivers.
func NewWithDrivers(openPort PortOpener, pinByName PinResolver) *Transport {
	return &Transport{
		openPort:  openPort,
		pinByName: pinByName,
		buses:     make(map[int]*spiBus),
	}
}

// SPI returns a handle to an SPI bus. The port is opened by Configure.
func (t *Transport) SPI(bus int) (avrisp.SPI, error) {
	if bus < 0 {
		return nil, fmt.Errorf("%w: SPI%d", avrisp.ErrInvalidSPIBus, bus)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, avrisp.NewTransportClosedError("SPI", PortName(bus))
	}
	if b, ok := t.buses[bus]; ok {
		return b, nil
	}
	b := &spiBus{t: t, name: PortName(bus)}
	t.buses[bus] = b
	return b, nil
}

// ResetLine returns a handle to a host GPIO
func (t *Transport) ResetLine(pin int) (avrisp.GPIO, error) {
	if pin < 0 {
		return nil, fmt.Errorf("%w: GPIO%d", avrisp.ErrInvalidResetLine, pin)
	}
	if !t.IsConnected() {
		return nil, avrisp.NewTransportClosedError("ResetLine", PinName(pin))
	}

	p := t.pinByName(PinName(pin))
	if p == nil {
		return nil, fmt.Errorf("%w: %s not found", avrisp.ErrInvalidResetLine, PinName(pin))
	}
	return &gpioLine{t: t, pin: p}, nil
}

// SetTimeout is accepted for interface compatibility; spidev transfers
// complete synchronously.
func (*Transport) SetTimeout(time.Duration) error {
	return nil
}

// Close closes every open SPI port
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	var firstErr error
	for _, b := range t.buses {
		if err := b.closePort(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("SPI close failed: %w", err)
		}
	}
	return firstErr
}

// IsConnected returns true until Close is called
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Type returns the transport type
func (*Transport) Type() avrisp.TransportType {
	return avrisp.TransportNative
}

// HasCapability implements the TransportCapabilityChecker interface
func (*Transport) HasCapability(capability avrisp.TransportCapability) bool {
	return capability == avrisp.CapabilityFullDuplex
}

// periphMode converts a bus configuration to periph flags
func periphMode(cfg avrisp.SPIConfig) spi.Mode {
	mode := spi.Mode(cfg.Mode)
	if cfg.LSBFirst {
		mode |= spi.LSBFirst
	}
	return mode
}

type spiBus struct {
	t    *Transport
	port SPIPort
	conn spi.Conn
	cfg  avrisp.SPIConfig
	name string
}

// Configure (re)opens the port: periph allows one Connect per open port.
func (b *spiBus) Configure(ctx context.Context, cfg avrisp.SPIConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	if b.t.closed {
		return avrisp.NewTransportClosedError("SPI configure", b.name)
	}
	if b.conn != nil && b.cfg == cfg {
		return nil
	}
	if err := b.closePort(); err != nil {
		return fmt.Errorf("failed to close SPI port %s: %w", b.name, err)
	}

	port, err := b.t.openPort(b.name)
	if err != nil {
		return fmt.Errorf("failed to open SPI port %s: %w", b.name, err)
	}
	conn, err := port.Connect(physic.Frequency(cfg.Baudrate)*physic.Hertz, periphMode(cfg), 8)
	if err != nil {
		_ = port.Close()
		return fmt.Errorf("failed to connect SPI: %w", err)
	}

	b.port, b.conn, b.cfg = port, conn, cfg
	avrisp.Debugf("native %s: %d Hz mode %d", b.name, cfg.Baudrate, cfg.Mode)
	return nil
}

func (b *spiBus) Transmit(ctx context.Context, data []byte) error {
	return b.tx(ctx, "SPI transmit", data, nil)
}

func (b *spiBus) Receive(ctx context.Context, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: cannot receive %d bytes", avrisp.ErrInvalidParameter, n)
	}
	r := make([]byte, n)
	if err := b.tx(ctx, "SPI receive", make([]byte, n), r); err != nil {
		return nil, err
	}
	return r, nil
}

func (b *spiBus) Transfer(ctx context.Context, w []byte) ([]byte, error) {
	r := make([]byte, len(w))
	if err := b.tx(ctx, "SPI transfer", w, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (b *spiBus) tx(ctx context.Context, op string, w, r []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	if b.t.closed {
		return avrisp.NewTransportClosedError(op, b.name)
	}
	if b.conn == nil {
		return avrisp.NewTransportError(op, b.name, avrisp.ErrTransportNotReady, avrisp.ErrorTypePermanent)
	}
	if err := b.conn.Tx(w, r); err != nil {
		return fmt.Errorf("%s on %s failed: %w", op, b.name, err)
	}
	return nil
}

// closePort must be called with t.mu held
func (b *spiBus) closePort() error {
	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.port, b.conn = nil, nil
	return err //nolint:wrapcheck // wrapped by callers
}

type gpioLine struct {
	t   *Transport
	pin Pin
}

// SetDirection switches the pin to input. Output is selected by the first
// Set, since periph has no separate direction call.
func (g *gpioLine) SetDirection(ctx context.Context, dir avrisp.Direction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dir == avrisp.Output {
		return nil
	}
	if err := g.pin.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		return fmt.Errorf("failed to set %s as input: %w", g.pin, err)
	}
	return nil
}

func (g *gpioLine) Set(ctx context.Context, level avrisp.Level) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := gpio.Low
	if level == avrisp.High {
		l = gpio.High
	}
	if err := g.pin.Out(l); err != nil {
		return fmt.Errorf("failed to drive %s %s: %w", g.pin, level, err)
	}
	return nil
}

// Ensure Transport implements the avrisp interfaces
var (
	_ avrisp.Transport                  = (*Transport)(nil)
	_ avrisp.TransportCapabilityChecker = (*Transport)(nil)
	_ avrisp.FullDuplexSPI              = (*spiBus)(nil)
)
