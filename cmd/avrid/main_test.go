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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/ZaparooProject/go-avrisp"
	"github.com/ZaparooProject/go-avrisp/detection"
	"github.com/ZaparooProject/go-avrisp/transport/octowire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseFlags_Defaults(t *testing.T) {
	t.Parallel()

	opts, err := parseFlags(nil, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Empty(t, opts.port)
	assert.Equal(t, transportOctowire, opts.transport)
	assert.Equal(t, uint(avrisp.DefaultSPIBaudrate), opts.baudrate)
	assert.Equal(t, octowire.DefaultTimeout, opts.timeout)
	assert.Equal(t, avrisp.DefaultSyncAttempts, opts.syncAttempts)
	assert.Equal(t, detection.Safe, opts.detectMode)
	assert.False(t, opts.jsonOut)

	opts, err = parseFlags([]string{"--scan", "--detect-mode", "passive"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, detection.Passive, opts.detectMode)
}

func TestParseFlags_ConfigFile(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "avrid.yaml", `
port: /dev/ttyACM3
transport: NATIVE
spi_bus: 1
reset_line: 7
spi_baudrate: 500000
timeout: 250ms
sync_attempts: 4
`)

	opts, err := parseFlags([]string{"--config", path, "--reset-line", "0", "--port", "/dev/ttyACM0"}, &bytes.Buffer{})
	require.NoError(t, err)

	// Explicit flags win, even when they name a zero value
	assert.Equal(t, "/dev/ttyACM0", opts.port)
	assert.Equal(t, 0, opts.resetLine)

	assert.Equal(t, transportNative, opts.transport)
	assert.Equal(t, 1, opts.spiBus)
	assert.Equal(t, uint(500_000), opts.baudrate)
	assert.Equal(t, 250*time.Millisecond, opts.timeout)
	assert.Equal(t, 4, opts.syncAttempts)
}

func TestParseFlags_Errors(t *testing.T) {
	t.Parallel()

	badYAML := writeFile(t, "bad.yaml", "spi_bus: [oops\n")
	badBus := writeFile(t, "bus.yaml", "spi_bus: 3\n")
	badSync := writeFile(t, "sync.yaml", "sync_attempts: 0\n")
	tests := []struct {
		wantErr error
		name    string
		args    []string
	}{
		{name: "unknown transport", args: []string{"--transport", "i2c"}, wantErr: errUsage},
		{name: "extra argument", args: []string{"/dev/ttyACM0"}, wantErr: errUsage},
		{name: "unknown flag", args: []string{"--bogus"}, wantErr: errUsage},
		{
			name:    "baudrate too high",
			args:    []string{"--baudrate", "100000000"},
			wantErr: avrisp.ErrInvalidBaudrate,
		},
		{
			name:    "baudrate too low",
			args:    []string{"--baudrate", "100", "--port", "/nonexistent/ttyACM9"},
			wantErr: avrisp.ErrInvalidBaudrate,
		},
		{name: "spi bus", args: []string{"--spi-bus", "5"}, wantErr: avrisp.ErrInvalidSPIBus},
		{name: "negative spi bus", args: []string{"--spi-bus", "-1"}, wantErr: avrisp.ErrInvalidSPIBus},
		{name: "reset line", args: []string{"--reset-line", "-2"}, wantErr: avrisp.ErrInvalidResetLine},
		{name: "no sync attempts", args: []string{"--sync-attempts", "0"}, wantErr: avrisp.ErrInvalidParameter},
		{
			name:    "too many sync attempts",
			args:    []string{"--sync-attempts", strconv.Itoa(avrisp.MaxSyncAttempts + 1)},
			wantErr: avrisp.ErrInvalidParameter,
		},
		{name: "unknown detection mode", args: []string{"--detect-mode", "aggressive"}, wantErr: errUsage},
		{name: "zero timeout", args: []string{"--timeout", "0s"}, wantErr: avrisp.ErrInvalidParameter},
		{name: "spi bus from config", args: []string{"--config", badBus}, wantErr: avrisp.ErrInvalidSPIBus},
		{
			name:    "sync attempts from config",
			args:    []string{"--config", badSync},
			wantErr: avrisp.ErrInvalidParameter,
		},
		{name: "missing config", args: []string{"--config", filepath.Join(t.TempDir(), "none.yaml")}},
		{name: "invalid config", args: []string{"--config", badYAML}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := parseFlags(tt.args, &bytes.Buffer{})
			require.Error(t, err)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				require.ErrorIs(t, err, errUsage)
			}
		})
	}
}

func TestParseFlags_RangeLimits(t *testing.T) {
	t.Parallel()

	opts, err := parseFlags([]string{
		"--spi-bus", "1",
		"--baudrate", strconv.Itoa(avrisp.MinSPIBaudrate),
		"--sync-attempts", strconv.Itoa(avrisp.MaxSyncAttempts),
	}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 1, opts.spiBus)
	assert.Equal(t, uint(avrisp.MinSPIBaudrate), opts.baudrate)
	assert.Equal(t, avrisp.MaxSyncAttempts, opts.syncAttempts)
}

func TestLoadTable(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "extra.yaml", `
devices:
  - name: Custom AVR
    signature: "1e9999"
    flash_size: 1024
    flash_page_size: 32
    eeprom_size: 64
`)

	table, err := loadTable(path)
	require.NoError(t, err)
	info, ok := table.Lookup(avrisp.Signature{0x1E, 0x99, 0x99})
	require.True(t, ok)
	assert.Equal(t, "Custom AVR", info.Name)
	assert.Equal(t, avrisp.DefaultDeviceTable().Len()+1, table.Len())

	_, err = loadTable(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func newMockDevice(t *testing.T, sig []byte, opts ...avrisp.Option) *avrisp.Device {
	t.Helper()
	mock := avrisp.NewMockTransport()
	mock.QueueReceive(sig[:1], sig[1:2], sig[2:])
	device, err := avrisp.New(mock, opts...)
	require.NoError(t, err)
	return device
}

func TestIdentify_Text(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p := newPrinter(&out, false)
	device := newMockDevice(t, []byte{0x1E, 0x95, 0x0F}, avrisp.WithProgressCallback(p.progress))

	require.NoError(t, identify(context.Background(), device, p, &options{}))
	assert.Equal(t, `[*] Enabling Memory Access...
[>] Vendor ID: 1E
[>] Part Family and Flash Size: 95
[>] Part number: 0F
[+] Device: ATmega328P
[>] Flash: 32768 bytes (128 byte pages)
[>] EEPROM: 1024 bytes
`, out.String())
}

func TestIdentify_Conditions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want string
		sig  []byte
	}{
		{name: "lock bits", sig: []byte{0x00, 0x01, 0x02}, want: "[x] Lock bits set\n"},
		{name: "locked", sig: []byte{0xFF, 0xFF, 0xFF}, want: "[x] Device locked or not ready\n"},
		{name: "erased", sig: []byte{0x1E, 0xFF, 0xFF}, want: "[x] Device code erased or target missing\n"},
		{name: "unknown", sig: []byte{0x1E, 0x99, 0x99}, want: "[x] Unknown device with signature 1e9999\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var out bytes.Buffer
			err := identify(context.Background(), newMockDevice(t, tt.sig), newPrinter(&out, false), &options{})
			require.Error(t, err)
			assert.True(t, avrisp.IsSignatureError(err))
			assert.Equal(t, tt.want, out.String())
		})
	}
}

func TestIdentify_JSON(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	device := newMockDevice(t, []byte{0x1E, 0x95, 0x0F})
	require.NoError(t, identify(context.Background(), device, newPrinter(&out, false), &options{jsonOut: true}))

	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "1e950f", got["signature"])
	assert.Equal(t, "valid", got["condition"])
	assert.NotContains(t, got, "error")

	dev, ok := got["device"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ATmega328P", dev["name"])
	assert.InDelta(t, 32768, dev["flash_size"], 0)
}

func TestIdentify_JSONWithError(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	device := newMockDevice(t, []byte{0x00, 0x01, 0x02})
	err := identify(context.Background(), device, newPrinter(&out, false), &options{jsonOut: true})
	require.ErrorIs(t, err, avrisp.ErrLockBitsSet)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "lock bits set", got["condition"])
	assert.Contains(t, got["error"], "000102")
	assert.NotContains(t, got, "device")
}

func TestIdentify_Wait(t *testing.T) {
	t.Parallel()

	mock := avrisp.NewMockTransport()
	mock.QueueReceive([]byte{0xFF}, []byte{0xFF}, []byte{0xFF})
	mock.QueueReceive([]byte{0x1E}, []byte{0x95}, []byte{0x0F})
	device, err := avrisp.New(mock)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, identify(context.Background(), device, newPrinter(&out, false), &options{wait: true}))
	assert.Contains(t, out.String(), "[+] Device: ATmega328P")
	assert.NotContains(t, out.String(), "[x]")
}

func TestPrintTable(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	printTable(&out, avrisp.DefaultDeviceTable())

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, avrisp.DefaultDeviceTable().Len()+1)
	assert.Contains(t, string(lines[0]), "SIGNATURE")
	assert.Contains(t, out.String(), "1e950f")
	assert.Contains(t, out.String(), "ATmega328P")
}

func TestPrinter_Color(t *testing.T) {
	t.Parallel()

	var plain, colored bytes.Buffer
	newPrinter(&plain, false).success("ok")
	newPrinter(&colored, true).success("ok")

	assert.Equal(t, "[+] ok\n", plain.String())
	assert.Contains(t, colored.String(), "\x1b[")
	assert.False(t, isTerminal(&plain))
}

func TestNewTransportFromDevice_Unsupported(t *testing.T) {
	t.Parallel()

	_, err := newTransportFromDevice(detection.DeviceInfo{Transport: "i2c", Path: "/dev/i2c-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported transport type")
}

func TestMainWithExitCode(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, mainWithExitCode([]string{"--list"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "ATmega328P")

	stdout.Reset()
	stderr.Reset()
	assert.Equal(t, 0, mainWithExitCode([]string{"-h"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "-sync-attempts")

	stderr.Reset()
	assert.Equal(t, 2, mainWithExitCode([]string{"--transport", "usb"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "unknown transport")

	for _, args := range [][]string{
		{"--baudrate", "100", "--port", "/nonexistent/ttyACM9"},
		{"--spi-bus", "5", "--port", "/nonexistent/ttyACM9"},
		{"--sync-attempts", "0", "--port", "/nonexistent/ttyACM9"},
	} {
		stderr.Reset()
		assert.Equal(t, 2, mainWithExitCode(args, &stdout, &stderr), args)
		assert.NotContains(t, stderr.String(), "failed to connect", args)
	}
	assert.Contains(t, stderr.String(), "sync attempts must be")
}
