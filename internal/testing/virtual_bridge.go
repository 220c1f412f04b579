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

// Package testing provides test utilities including a wire-level Octowire
// bridge simulator and a simulated AVR target.
package testing

import (
	"bytes"
	"fmt"

	"github.com/ZaparooProject/go-avrisp/internal/frame"
	"github.com/ZaparooProject/go-avrisp/internal/syncutil"
)

// Bridge status codes returned by VirtualBridge
const (
	StatusOK               byte = frame.StatusOK
	StatusInvalidOpcode    byte = 0x01
	StatusInvalidOperation byte = 0x02
	StatusInvalidArgument  byte = 0x03
	StatusBusError         byte = 0x04
)

// DefaultBridgeVersion is the firmware string reported by a new VirtualBridge
const DefaultBridgeVersion = "Octowire v1.2.0"

// bridgeSPIBuses is the number of SPI buses the bridge exposes
const bridgeSPIBuses = 2

// GPIOState is the state of one simulated bridge pin
type GPIOState struct {
	Output bool
	High   bool
}

// BridgeCommand is one request decoded by VirtualBridge
type BridgeCommand struct {
	Args      []byte
	Opcode    byte
	Operation byte
}

type attachedTarget struct {
	avr      *VirtualAVR
	resetPin int
}

type injectedStatus struct {
	opcode    byte
	operation byte
	status    byte
}

// VirtualBridge simulates an Octowire bridge at the wire protocol level.
// It implements io.ReadWriter to plug directly into transport layer tests.
//
// Requests written to the bridge are decoded as they complete and the
// responses queued for Read. SPI traffic is forwarded to the VirtualAVR
// attached to the bus and driving the target's reset pin moves its RESET.
type VirtualBridge struct {
	gpio          map[int]GPIOState
	spiConfig     map[int]frame.SPIConfig
	targets       map[int]attachedTarget
	version       string
	commands      []BridgeCommand
	statuses      []injectedStatus
	rxBuffer      bytes.Buffer
	txBuffer      bytes.Buffer
	mu            syncutil.Mutex
	silence       int
	dropReceive   int
	corruptLength bool
	transceiveOff bool
}

// NewVirtualBridge creates a bridge with no targets attached
func NewVirtualBridge() *VirtualBridge {
	return &VirtualBridge{
		gpio:      make(map[int]GPIOState),
		spiConfig: make(map[int]frame.SPIConfig),
		targets:   make(map[int]attachedTarget),
		version:   DefaultBridgeVersion,
	}
}

// Write implements io.Writer - receives request frames from the host.
func (b *VirtualBridge) Write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rxBuffer.Write(data)
	if err := b.processReceivedData(); err != nil {
		return len(data), err
	}
	return len(data), nil
}

// Read implements io.Reader - returns queued response frames.
func (b *VirtualBridge) Read(buf []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.txBuffer.Len() == 0 {
		return 0, nil // No data available
	}

	n, err := b.txBuffer.Read(buf)
	if err != nil {
		return n, fmt.Errorf("read from tx buffer: %w", err)
	}
	return n, nil
}

// AttachTarget connects avr to an SPI bus with its RESET on resetPin
func (b *VirtualBridge) AttachTarget(bus, resetPin int, avr *VirtualAVR) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targets[bus] = attachedTarget{avr: avr, resetPin: resetPin}
}

// SetVersion configures the string returned by the version command
func (b *VirtualBridge) SetVersion(version string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.version = version
}

// DisableTransceive makes the bridge reject full-duplex transfers, as
// older firmware does.
func (b *VirtualBridge) DisableTransceive() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transceiveOff = true
}

// InjectStatus makes the next command matching opcode and operation fail
// with status.
func (b *VirtualBridge) InjectStatus(opcode, operation, status byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = append(b.statuses, injectedStatus{opcode: opcode, operation: operation, status: status})
}

// InjectSilence drops the responses to the next n commands
func (b *VirtualBridge) InjectSilence(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.silence = n
}

// DropReceiveData makes the next n SPI receives answer with no data bytes
func (b *VirtualBridge) DropReceiveData(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropReceive = n
}

// InjectCorruptLength gives the next response a length field shorter
// than its header.
func (b *VirtualBridge) InjectCorruptLength() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.corruptLength = true
}

// Commands returns a copy of every decoded request
func (b *VirtualBridge) Commands() []BridgeCommand {
	b.mu.Lock()
	defer b.mu.Unlock()
	cmds := make([]BridgeCommand, len(b.commands))
	copy(cmds, b.commands)
	return cmds
}

// GPIO returns the state of a pin
func (b *VirtualBridge) GPIO(pin int) GPIOState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gpio[pin]
}

// SPIConfig returns the last configuration applied to a bus
func (b *VirtualBridge) SPIConfig(bus int) (frame.SPIConfig, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cfg, ok := b.spiConfig[bus]
	return cfg, ok
}

// HasPendingResponse returns true if response data is waiting to be read
func (b *VirtualBridge) HasPendingResponse() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.txBuffer.Len() > 0
}

// Reset clears buffers, pin state, logs and injected failures. Attached
// targets stay attached.
func (b *VirtualBridge) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rxBuffer.Reset()
	b.txBuffer.Reset()
	b.gpio = make(map[int]GPIOState)
	b.spiConfig = make(map[int]frame.SPIConfig)
	b.commands = nil
	b.statuses = nil
	b.silence = 0
	b.dropReceive = 0
	b.corruptLength = false
	b.transceiveOff = false
}

// processReceivedData decodes complete requests and queues their responses
func (b *VirtualBridge) processReceivedData() error {
	for {
		req, n, err := frame.DecodeRequest(b.rxBuffer.Bytes())
		if err != nil {
			// Resynchronise by discarding everything received so far
			b.rxBuffer.Reset()
			return fmt.Errorf("bad request frame: %w", err)
		}
		if n == 0 {
			return nil
		}
		b.rxBuffer.Next(n)

		b.commands = append(b.commands, BridgeCommand{
			Opcode:    req.Opcode,
			Operation: req.Operation,
			Args:      req.Args,
		})

		status, data := b.handle(req)
		if b.silence > 0 {
			b.silence--
			continue
		}
		b.queueResponse(status, data)
	}
}

func (b *VirtualBridge) queueResponse(status byte, data []byte) {
	resp, err := frame.EncodeResponse(status, data)
	if err != nil {
		resp, _ = frame.EncodeResponse(StatusInvalidArgument, nil)
	}
	if b.corruptLength {
		b.corruptLength = false
		resp[0], resp[1] = 0x01, 0x00
	}
	b.txBuffer.Write(resp)
}

func (b *VirtualBridge) handle(req frame.Request) (status byte, data []byte) {
	if status, ok := b.takeInjectedStatus(req); ok {
		return status, nil
	}

	switch req.Opcode {
	case frame.OpcodeSystem:
		if req.Operation != frame.OpSystemVersion {
			return StatusInvalidOperation, nil
		}
		return StatusOK, []byte(b.version)
	case frame.OpcodeGPIO:
		return b.handleGPIO(req), nil
	case frame.OpcodeSPI:
		return b.handleSPI(req)
	default:
		return StatusInvalidOpcode, nil
	}
}

func (b *VirtualBridge) takeInjectedStatus(req frame.Request) (byte, bool) {
	for i, s := range b.statuses {
		if s.opcode == req.Opcode && s.operation == req.Operation {
			b.statuses = append(b.statuses[:i], b.statuses[i+1:]...)
			return s.status, true
		}
	}
	return 0, false
}

func (b *VirtualBridge) handleGPIO(req frame.Request) byte {
	if len(req.Args) != 2 || req.Args[1] > 1 {
		return StatusInvalidArgument
	}
	pin := int(req.Args[0])
	state := b.gpio[pin]

	switch req.Operation {
	case frame.OpGPIODirection:
		state.Output = req.Args[1] == 1
	case frame.OpGPIOSet:
		if !state.Output {
			return StatusInvalidArgument
		}
		state.High = req.Args[1] == 1
		for _, t := range b.targets {
			if t.resetPin == pin {
				t.avr.SetReset(state.High)
			}
		}
	default:
		return StatusInvalidOperation
	}

	b.gpio[pin] = state
	return StatusOK
}

func (b *VirtualBridge) handleSPI(req frame.Request) (status byte, data []byte) {
	if len(req.Args) < 1 || int(req.Args[0]) >= bridgeSPIBuses {
		return StatusInvalidArgument, nil
	}
	bus := int(req.Args[0])

	if req.Operation == frame.OpSPIConfigure {
		cfg, err := frame.ParseSPIConfigureArgs(req.Args)
		if err != nil || cfg.Baudrate == 0 {
			return StatusInvalidArgument, nil
		}
		b.spiConfig[bus] = cfg
		return StatusOK, nil
	}
	if _, ok := b.spiConfig[bus]; !ok {
		return StatusBusError, nil
	}

	switch req.Operation {
	case frame.OpSPITransmit:
		b.clock(bus, req.Args[1:])
		return StatusOK, nil
	case frame.OpSPIReceive:
		_, n, err := frame.ParseSPIReceiveArgs(req.Args)
		if err != nil {
			return StatusInvalidArgument, nil
		}
		resp := b.clock(bus, make([]byte, n))
		if b.dropReceive > 0 {
			b.dropReceive--
			return StatusOK, nil
		}
		return StatusOK, resp
	case frame.OpSPITransceive:
		if b.transceiveOff {
			return StatusInvalidOperation, nil
		}
		return StatusOK, b.clock(bus, req.Args[1:])
	default:
		return StatusInvalidOperation, nil
	}
}

// clock shifts out on a bus. With no target attached MISO floats high.
func (b *VirtualBridge) clock(bus int, out []byte) []byte {
	t, ok := b.targets[bus]
	if !ok {
		return bytes.Repeat([]byte{idleMISO}, len(out))
	}
	return t.avr.Transfer(out)
}
