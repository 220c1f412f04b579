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

package frame

// Opcodes select the bridge subsystem a request is addressed to
const (
	OpcodeSystem byte = 0x00
	OpcodeGPIO   byte = 0x01
	OpcodeSPI    byte = 0x02
)

// System operations
const (
	OpSystemVersion byte = 0x01
)

// GPIO operations
const (
	OpGPIODirection byte = 0x01 // [pin, dir]
	OpGPIOSet       byte = 0x02 // [pin, level]
)

// SPI operations
const (
	OpSPIConfigure  byte = 0x01 // [bus, baud u32 LE, cpol, cpha, lsb]
	OpSPITransmit   byte = 0x02 // [bus, data...]
	OpSPIReceive    byte = 0x03 // [bus, n u16 LE] -> data
	OpSPITransceive byte = 0x04 // [bus, data...] -> data
)

// StatusOK is the response status of a successful command
const StatusOK byte = 0x00

// Frame size limits. The length field counts the whole frame, itself included.
const (
	LengthSize           = 2
	RequestHeaderLength  = LengthSize + 2 // length + opcode + operation
	ResponseHeaderLength = LengthSize + 1 // length + status
	MaxFrameLength       = 0xFFFF
	MaxRequestArgs       = MaxFrameLength - RequestHeaderLength
	MaxResponseData      = MaxFrameLength - ResponseHeaderLength
	SPIConfigureArgsLen  = 1 + 4 + 3
	SPIReceiveArgsLen    = 1 + 2
)
