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

// Command avrid identifies an AVR microcontroller wired to an Octowire
// bridge or to the host's own SPI bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ZaparooProject/go-avrisp"
	"github.com/ZaparooProject/go-avrisp/detection"
	_ "github.com/ZaparooProject/go-avrisp/detection/octowire"
	_ "github.com/ZaparooProject/go-avrisp/detection/spidev"
	"github.com/ZaparooProject/go-avrisp/transport/native"
	"github.com/ZaparooProject/go-avrisp/transport/octowire"
)

const (
	transportOctowire = "octowire"
	transportNative   = "native"
)

// errUsage marks errors that come from bad command-line input
var errUsage = errors.New("usage")

type options struct {
	port         string
	transport    string
	configPath   string
	devicesPath  string
	logDir       string
	timeout      time.Duration
	baudrate     uint
	spiBus       int
	resetLine    int
	syncAttempts int
	detectMode   detection.Mode
	jsonOut      bool
	wait         bool
	list         bool
	scan         bool
	debug        bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("avrid", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.port, "port", "", "Bridge serial port (auto-detect if empty)")
	fs.StringVar(&opts.transport, "transport", transportOctowire, "Transport: octowire or native")
	fs.IntVar(&opts.spiBus, "spi-bus", 0, "SPI bus the target is wired to")
	fs.IntVar(&opts.resetLine, "reset-line", 0, "GPIO pin driving the target's RESET")
	fs.UintVar(&opts.baudrate, "baudrate", avrisp.DefaultSPIBaudrate, "SPI clock in Hz")
	fs.DurationVar(&opts.timeout, "timeout", octowire.DefaultTimeout, "Bridge response timeout")
	fs.IntVar(&opts.syncAttempts, "sync-attempts", avrisp.DefaultSyncAttempts,
		"Programming Enable attempts on full-duplex buses")
	fs.StringVar(&opts.devicesPath, "devices", "", "Additional device table (YAML)")
	fs.StringVar(&opts.configPath, "config", "", "Config file (YAML); flags override it")
	fs.BoolVar(&opts.jsonOut, "json", false, "Print the result as JSON")
	fs.BoolVar(&opts.wait, "wait", false, "Poll until a target is inserted")
	fs.BoolVar(&opts.list, "list", false, "Print the device table and exit")
	fs.BoolVar(&opts.scan, "scan", false, "List detected bridges and SPI buses and exit")
	detectMode := fs.String("detect-mode", detection.Safe.String(), "Detection mode for --scan: passive, safe or full")
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug output")
	fs.StringVar(&opts.logDir, "log", "", "Directory for a session debug log")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("%w: unexpected argument %q", errUsage, fs.Arg(0))
	}

	if opts.configPath != "" {
		file, err := loadFileConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		set := make(map[string]bool)
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
		file.apply(opts, set)
	}

	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}
	mode, err := detection.ParseMode(*detectMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}
	opts.detectMode = mode
	return opts, nil
}

// validate checks settings against the ranges the device accepts
func (o *options) validate() error {
	o.transport = strings.ToLower(o.transport)
	switch {
	case o.transport != transportOctowire && o.transport != transportNative:
		return fmt.Errorf("unknown transport %q", o.transport)
	case o.spiBus != 0 && o.spiBus != 1:
		return fmt.Errorf("%w: %d", avrisp.ErrInvalidSPIBus, o.spiBus)
	case o.resetLine < 0:
		return fmt.Errorf("%w: %d", avrisp.ErrInvalidResetLine, o.resetLine)
	case o.baudrate < avrisp.MinSPIBaudrate || o.baudrate > avrisp.MaxSPIBaudrate:
		return fmt.Errorf("%w: %d Hz outside %d-%d",
			avrisp.ErrInvalidBaudrate, o.baudrate, avrisp.MinSPIBaudrate, avrisp.MaxSPIBaudrate)
	case o.syncAttempts < 1 || o.syncAttempts > avrisp.MaxSyncAttempts:
		return fmt.Errorf("%w: sync attempts must be 1-%d, got %d",
			avrisp.ErrInvalidParameter, avrisp.MaxSyncAttempts, o.syncAttempts)
	case o.timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive, got %v", avrisp.ErrInvalidParameter, o.timeout)
	}
	return nil
}

// deviceOptions converts command-line settings to device options
func (o *options) deviceOptions(table *avrisp.DeviceTable, progress avrisp.ProgressCallback) []avrisp.Option {
	deviceOpts := []avrisp.Option{
		avrisp.WithSPIBus(o.spiBus),
		avrisp.WithResetLine(o.resetLine),
		avrisp.WithSPIBaudrate(uint32(o.baudrate)), //nolint:gosec // bounded in parseFlags
		avrisp.WithTimeout(o.timeout),
		avrisp.WithSyncAttempts(o.syncAttempts),
		avrisp.WithDeviceTable(table),
	}
	if progress != nil {
		deviceOpts = append(deviceOpts, avrisp.WithProgressCallback(progress))
	}
	return deviceOpts
}

// loadTable returns the built-in table, extended by --devices if given
func loadTable(path string) (*avrisp.DeviceTable, error) {
	table := avrisp.DefaultDeviceTable()
	if path == "" {
		return table, nil
	}
	extra, err := avrisp.LoadDeviceTableFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load device table: %w", err)
	}
	return table.Merge(extra), nil
}

// newTransportFromDevice opens a transport for a detected bridge.
func newTransportFromDevice(device detection.DeviceInfo) (avrisp.Transport, error) {
	switch strings.ToLower(device.Transport) {
	case transportOctowire:
		transport, err := octowire.New(device.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create Octowire transport: %w", err)
		}
		return transport, nil
	case transportNative:
		transport, err := native.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create native transport: %w", err)
		}
		return transport, nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", device.Transport)
	}
}

// transportFactory returns the factory for a transport chosen by name
func transportFactory(kind string) avrisp.TransportFactory {
	return func(path string) (avrisp.Transport, error) {
		return newTransportFromDevice(detection.DeviceInfo{Transport: kind, Path: path})
	}
}

func connectToDevice(ctx context.Context, opts *options, deviceOpts []avrisp.Option) (*avrisp.Device, error) {
	connectOpts := []avrisp.ConnectOption{
		avrisp.WithDeviceOptions(deviceOpts...),
		avrisp.WithConnectTimeout(opts.timeout),
	}

	path := opts.port
	switch {
	case opts.transport == transportNative:
		// The host bus needs no path; name it for error messages
		path = native.PortName(opts.spiBus)
		connectOpts = append(connectOpts, avrisp.WithTransportFactory(transportFactory(transportNative)))
	case path == "":
		connectOpts = append(connectOpts,
			avrisp.WithAutoDetection(),
			avrisp.WithDetectionTransports(transportOctowire),
			avrisp.WithTransportFromDeviceFactory(newTransportFromDevice))
		avrisp.Debugln("auto-detecting Octowire bridges")
	default:
		connectOpts = append(connectOpts, avrisp.WithTransportFactory(transportFactory(transportOctowire)))
	}

	device, err := avrisp.ConnectDevice(ctx, path, connectOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return device, nil
}

func scan(ctx context.Context, p *printer, mode detection.Mode) error {
	detectOpts := detection.DefaultOptions()
	detectOpts.EnableCache = false
	detectOpts.Mode = mode

	devices, err := detection.DetectAll(ctx, &detectOpts)
	if err != nil {
		return fmt.Errorf("detection failed: %w", err)
	}
	for _, d := range devices {
		p.result("%s", d)
		if d.Name != "" && d.Name != filepath.Base(d.Path) {
			p.info("  %s", d.Name)
		}
		if version := d.Metadata["version"]; version != "" {
			p.info("  %s", version)
		}
	}
	return nil
}

func run(ctx context.Context, opts *options, stdout io.Writer) error {
	p := newPrinter(stdout, !opts.jsonOut && isTerminal(stdout))

	table, err := loadTable(opts.devicesPath)
	if err != nil {
		return err
	}
	if opts.list {
		printTable(stdout, table)
		return nil
	}
	if opts.scan {
		return scan(ctx, p, opts.detectMode)
	}

	var progress avrisp.ProgressCallback
	if !opts.jsonOut && !opts.wait {
		progress = p.progress
	}

	device, err := connectToDevice(ctx, opts, opts.deviceOptions(table, progress))
	if err != nil {
		return err
	}
	defer func() {
		if err := device.Close(); err != nil {
			avrisp.Debugf("close failed: %v", err)
		}
	}()

	if version := device.BridgeVersion(); version != "" && !opts.jsonOut {
		p.info("Bridge: %s", version)
	}
	if opts.wait && !opts.jsonOut {
		p.info("Waiting for a target...")
	}
	return identify(ctx, device, p, opts)
}

// identify runs one identification and reports it. A signature that names
// no known device is printed and returned as an error.
func identify(ctx context.Context, device *avrisp.Device, p *printer, opts *options) error {
	var id *avrisp.Identification
	var err error
	if opts.wait {
		id, err = device.WaitForTarget(ctx, avrisp.DefaultWaitInterval)
	} else {
		id, err = device.Identify(ctx)
	}

	if opts.jsonOut {
		if jsonErr := writeJSON(p.out, id, err); jsonErr != nil {
			return jsonErr
		}
		return err
	}
	if id != nil {
		p.report(id)
	}
	return err
}

func main() {
	os.Exit(mainWithExitCode(os.Args[1:], os.Stdout, os.Stderr))
}

func mainWithExitCode(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if opts.debug {
		avrisp.SetDebugEnabled(true)
	}
	if opts.logDir != "" {
		path, err := avrisp.InitSessionLog(opts.logDir)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer func() { _ = avrisp.CloseSessionLog() }()
		_, _ = fmt.Fprintf(stderr, "Logging to %s\n", path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, stdout); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		// Signature outcomes were already reported on stdout
		if !avrisp.IsSignatureError(err) {
			newPrinter(stderr, isTerminal(stderr)).fail("%v", err)
		}
		return 1
	}
	return 0
}
