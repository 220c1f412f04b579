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

// Package frame encodes and decodes the length-prefixed frames exchanged
// with an Octowire bridge.
//
// A request is `len(u16 LE) | opcode | operation | args...` and a response
// is `len(u16 LE) | status | data...`, where len is the size of the whole
// frame.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrFrameLength is returned when a length field is smaller than the header
	ErrFrameLength = errors.New("frame length field out of range")
	// ErrFrameTooLarge is returned when a payload does not fit in a frame
	ErrFrameTooLarge = errors.New("frame exceeds maximum length")
)

// Request is a decoded host-to-bridge frame
type Request struct {
	Args      []byte
	Opcode    byte
	Operation byte
}

// Response is a decoded bridge-to-host frame
type Response struct {
	Data   []byte
	Status byte
}

// EncodeRequest builds a request frame
func EncodeRequest(opcode, operation byte, args []byte) ([]byte, error) {
	if len(args) > MaxRequestArgs {
		return nil, fmt.Errorf("%w: %d argument bytes", ErrFrameTooLarge, len(args))
	}
	total := RequestHeaderLength + len(args)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint16(buf, uint16(total)) //nolint:gosec // bounded by MaxFrameLength
	buf[2] = opcode
	buf[3] = operation
	copy(buf[RequestHeaderLength:], args)
	return buf, nil
}

// EncodeResponse builds a response frame
func EncodeResponse(status byte, data []byte) ([]byte, error) {
	if len(data) > MaxResponseData {
		return nil, fmt.Errorf("%w: %d data bytes", ErrFrameTooLarge, len(data))
	}
	total := ResponseHeaderLength + len(data)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint16(buf, uint16(total)) //nolint:gosec // bounded by MaxFrameLength
	buf[2] = status
	copy(buf[ResponseHeaderLength:], data)
	return buf, nil
}

// Length returns the frame length announced at the start of buf.
// ok is false until the length field has been received.
func Length(buf []byte) (n int, ok bool) {
	if len(buf) < LengthSize {
		return 0, false
	}
	return int(binary.LittleEndian.Uint16(buf)), true
}

// DecodeRequest decodes the first request frame in buf and reports how many
// bytes it used. consumed is 0 with a nil error while the frame is incomplete.
func DecodeRequest(buf []byte) (req Request, consumed int, err error) {
	total, complete, err := frameBounds(buf, RequestHeaderLength)
	if err != nil || !complete {
		return Request{}, 0, err
	}
	req = Request{
		Opcode:    buf[2],
		Operation: buf[3],
		Args:      append([]byte(nil), buf[RequestHeaderLength:total]...),
	}
	return req, total, nil
}

// DecodeResponse decodes the first response frame in buf and reports how
// many bytes it used. consumed is 0 with a nil error while the frame is
// incomplete.
func DecodeResponse(buf []byte) (resp Response, consumed int, err error) {
	total, complete, err := frameBounds(buf, ResponseHeaderLength)
	if err != nil || !complete {
		return Response{}, 0, err
	}
	resp = Response{
		Status: buf[2],
		Data:   append([]byte(nil), buf[ResponseHeaderLength:total]...),
	}
	return resp, total, nil
}

func frameBounds(buf []byte, header int) (total int, complete bool, err error) {
	total, ok := Length(buf)
	if !ok {
		return 0, false, nil
	}
	if total < header {
		return 0, false, fmt.Errorf("%w: %d < %d", ErrFrameLength, total, header)
	}
	if len(buf) < total {
		return total, false, nil
	}
	return total, true, nil
}

// SPIConfigureArgs encodes the arguments of OpSPIConfigure
func SPIConfigureArgs(bus byte, baudrate uint32, cpol, cpha byte, lsbFirst bool) []byte {
	args := make([]byte, SPIConfigureArgsLen)
	args[0] = bus
	binary.LittleEndian.PutUint32(args[1:5], baudrate)
	args[5] = cpol
	args[6] = cpha
	if lsbFirst {
		args[7] = 1
	}
	return args
}

// SPIConfig is the decoded form of the OpSPIConfigure arguments
type SPIConfig struct {
	Baudrate uint32
	Bus      byte
	CPOL     byte
	CPHA     byte
	LSBFirst bool
}

// ParseSPIConfigureArgs decodes the arguments of OpSPIConfigure
func ParseSPIConfigureArgs(args []byte) (SPIConfig, error) {
	if len(args) != SPIConfigureArgsLen {
		return SPIConfig{}, fmt.Errorf("%w: configure takes %d bytes, got %d",
			ErrFrameLength, SPIConfigureArgsLen, len(args))
	}
	return SPIConfig{
		Bus:      args[0],
		Baudrate: binary.LittleEndian.Uint32(args[1:5]),
		CPOL:     args[5],
		CPHA:     args[6],
		LSBFirst: args[7] != 0,
	}, nil
}

// SPIReceiveArgs encodes the arguments of OpSPIReceive
func SPIReceiveArgs(bus byte, n uint16) []byte {
	args := make([]byte, SPIReceiveArgsLen)
	args[0] = bus
	binary.LittleEndian.PutUint16(args[1:], n)
	return args
}

// ParseSPIReceiveArgs decodes the arguments of OpSPIReceive
func ParseSPIReceiveArgs(args []byte) (bus byte, n int, err error) {
	if len(args) != SPIReceiveArgsLen {
		return 0, 0, fmt.Errorf("%w: receive takes %d bytes, got %d",
			ErrFrameLength, SPIReceiveArgsLen, len(args))
	}
	return args[0], int(binary.LittleEndian.Uint16(args[1:])), nil
}
