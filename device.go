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
	"time"

	"github.com/ZaparooProject/go-avrisp/detection"
)

// SPI clock limits accepted by the bridge.
const (
	MinSPIBaudrate     = 240_000
	MaxSPIBaudrate     = 60_000_000
	DefaultSPIBaudrate = 1_000_000
)

// DeviceConfig contains configuration options for the Device
type DeviceConfig struct {
	// RetryConfig configures retry behavior for transport operations
	RetryConfig *RetryConfig
	// Table resolves signatures to part descriptions
	Table *DeviceTable
	// Progress receives step notifications from Identify
	Progress ProgressCallback
	// Timeout is the transport timeout applied by Init
	Timeout time.Duration
	// SPIBus selects the bridge SPI interface (0 or 1)
	SPIBus int
	// ResetLine is the GPIO pin wired to the target's RESET
	ResetLine int
	// SyncAttempts bounds Programming Enable attempts on full-duplex buses
	SyncAttempts int
	// SPIBaudrate is the SPI clock in Hz
	SPIBaudrate uint32
}

// DefaultDeviceConfig returns default device configuration
func DefaultDeviceConfig() *DeviceConfig {
	return &DeviceConfig{
		RetryConfig:  DefaultRetryConfig(),
		Table:        DefaultDeviceTable(),
		Timeout:      1 * time.Second,
		SPIBaudrate:  DefaultSPIBaudrate,
		SyncAttempts: DefaultSyncAttempts,
	}
}

// Option configures a Device
type Option func(*Device) error

// WithSPIBus selects the SPI interface the target is wired to.
func WithSPIBus(bus int) Option {
	return func(d *Device) error {
		if bus != 0 && bus != 1 {
			return fmt.Errorf("%w: %d", ErrInvalidSPIBus, bus)
		}
		d.config.SPIBus = bus
		return nil
	}
}

// WithResetLine selects the GPIO pin wired to the target's RESET.
func WithResetLine(pin int) Option {
	return func(d *Device) error {
		if pin < 0 {
			return fmt.Errorf("%w: %d", ErrInvalidResetLine, pin)
		}
		d.config.ResetLine = pin
		return nil
	}
}

// WithSPIBaudrate sets the SPI clock in Hz.
func WithSPIBaudrate(hz uint32) Option {
	return func(d *Device) error {
		if hz < MinSPIBaudrate || hz > MaxSPIBaudrate {
			return fmt.Errorf("%w: %d Hz outside %d-%d", ErrInvalidBaudrate, hz, MinSPIBaudrate, MaxSPIBaudrate)
		}
		d.config.SPIBaudrate = hz
		return nil
	}
}

// WithTimeout sets the transport timeout applied by Init.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Device) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: timeout must be positive, got %v", ErrInvalidParameter, timeout)
		}
		d.config.Timeout = timeout
		return nil
	}
}

// WithSyncAttempts bounds Programming Enable attempts on full-duplex buses.
func WithSyncAttempts(attempts int) Option {
	return func(d *Device) error {
		if attempts < 1 || attempts > MaxSyncAttempts {
			return fmt.Errorf("%w: sync attempts must be 1-%d, got %d",
				ErrInvalidParameter, MaxSyncAttempts, attempts)
		}
		d.config.SyncAttempts = attempts
		return nil
	}
}

// WithDeviceTable replaces the table used to name signatures.
func WithDeviceTable(table *DeviceTable) Option {
	return func(d *Device) error {
		if table == nil {
			return fmt.Errorf("%w: nil device table", ErrInvalidParameter)
		}
		d.config.Table = table
		return nil
	}
}

// WithProgressCallback registers a callback for Identify steps.
func WithProgressCallback(cb ProgressCallback) Option {
	return func(d *Device) error {
		d.config.Progress = cb
		return nil
	}
}

// WithRetryConfig sets the retry policy for bus setup calls. The transport
// is wrapped in a TransportWithRetry if it is not already.
func WithRetryConfig(config *RetryConfig) Option {
	return func(d *Device) error {
		if config == nil {
			return fmt.Errorf("%w: nil retry config", ErrInvalidParameter)
		}
		d.SetRetryConfig(config)
		return nil
	}
}

// VersionReporter is implemented by transports that can identify the
// bridge firmware they talk to.
type VersionReporter interface {
	Version(ctx context.Context) (string, error)
}

// Device identifies AVR targets through a Transport.
//
// Thread Safety: Device is NOT thread-safe. Identify drives a shared reset
// line, so concurrent calls on the same transport would corrupt each other.
type Device struct {
	transport     Transport
	config        *DeviceConfig
	bridgeVersion string
}

// New creates a new Device with the given transport
func New(transport Transport, opts ...Option) (*Device, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidParameter)
	}
	device := &Device{
		transport: transport,
		config:    DefaultDeviceConfig(),
	}

	for _, opt := range opts {
		if err := opt(device); err != nil {
			return nil, err
		}
	}

	return device, nil
}

// Config returns a copy of the device configuration.
func (d *Device) Config() DeviceConfig {
	return *d.config
}

// Transport returns the underlying transport
func (d *Device) Transport() Transport {
	return d.transport
}

// BridgeVersion returns the firmware version reported during Init, if the
// transport supports it.
func (d *Device) BridgeVersion() string {
	return d.bridgeVersion
}

// Init applies the configured timeout and, when the transport supports it,
// checks that the bridge answers.
func (d *Device) Init(ctx context.Context) error {
	if !d.transport.IsConnected() {
		return NewTransportClosedError("init", "")
	}
	if err := d.SetTimeout(d.config.Timeout); err != nil {
		return err
	}

	vr, ok := d.transport.(VersionReporter)
	if tr, isRetry := d.transport.(*TransportWithRetry); !ok && isRetry {
		vr, ok = tr.Unwrap().(VersionReporter)
	}
	if !ok {
		return nil
	}
	version, err := vr.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get bridge version: %w", err)
	}
	d.bridgeVersion = version
	Debugf("bridge %s: firmware %s", d.transport.Type(), version)
	return nil
}

// SetTimeout sets the default timeout for operations
func (d *Device) SetTimeout(timeout time.Duration) error {
	d.config.Timeout = timeout
	if err := d.transport.SetTimeout(timeout); err != nil {
		return fmt.Errorf("failed to set timeout on transport: %w", err)
	}
	return nil
}

// SetRetryConfig updates the retry configuration
func (d *Device) SetRetryConfig(config *RetryConfig) {
	d.config.RetryConfig = config
	if tr, ok := d.transport.(*TransportWithRetry); ok {
		tr.SetRetryConfig(config)
		return
	}
	d.transport = NewTransportWithRetry(d.transport, config)
}

// hasCapability checks if the transport has the specified capability
func (d *Device) hasCapability(capability TransportCapability) bool {
	if checker, ok := d.transport.(TransportCapabilityChecker); ok {
		return checker.HasCapability(capability)
	}
	return false
}

// Close closes the device connection
func (d *Device) Close() error {
	if d.transport != nil {
		if err := d.transport.Close(); err != nil {
			return fmt.Errorf("failed to close transport: %w", err)
		}
	}
	return nil
}

// TransportFactory is a function type for creating transports
type TransportFactory func(path string) (Transport, error)

// TransportFromDeviceFactory is a function type for creating transports from detected devices
type TransportFromDeviceFactory func(device detection.DeviceInfo) (Transport, error)

// DeviceDetector finds candidate bridges for auto-detection
type DeviceDetector func(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error)

// ConnectOption represents a functional option for ConnectDevice
type ConnectOption func(*connectConfig) error

type connectConfig struct {
	transportFactory       TransportFactory
	transportDeviceFactory TransportFromDeviceFactory
	deviceDetector         DeviceDetector
	detectionTransports    []string
	deviceOptions          []Option
	timeout                time.Duration
	connectionRetries      int
	autoDetect             bool
}

// WithAutoDetection enables automatic device detection instead of using a specific path
func WithAutoDetection() ConnectOption {
	return func(c *connectConfig) error {
		c.autoDetect = true
		return nil
	}
}

// WithDetectionTransports limits auto-detection to the named transports
func WithDetectionTransports(transports ...string) ConnectOption {
	return func(c *connectConfig) error {
		c.detectionTransports = append(c.detectionTransports, transports...)
		return nil
	}
}

// WithDeviceOptions adds device-level options
func WithDeviceOptions(opts ...Option) ConnectOption {
	return func(c *connectConfig) error {
		c.deviceOptions = append(c.deviceOptions, opts...)
		return nil
	}
}

// WithConnectTimeout sets the transport timeout used while connecting.
// It takes precedence over a WithTimeout passed through WithDeviceOptions.
func WithConnectTimeout(timeout time.Duration) ConnectOption {
	return func(c *connectConfig) error {
		c.timeout = timeout
		return nil
	}
}

// WithTransportFactory sets the transport factory function
func WithTransportFactory(factory TransportFactory) ConnectOption {
	return func(c *connectConfig) error {
		c.transportFactory = factory
		return nil
	}
}

// WithTransportFromDeviceFactory sets the transport from device factory function
func WithTransportFromDeviceFactory(factory TransportFromDeviceFactory) ConnectOption {
	return func(c *connectConfig) error {
		c.transportDeviceFactory = factory
		return nil
	}
}

// WithConnectionRetries sets the number of connection retry attempts
func WithConnectionRetries(maxAttempts int) ConnectOption {
	return func(c *connectConfig) error {
		if maxAttempts < 1 {
			return fmt.Errorf("connection retries must be at least 1, got %d", maxAttempts)
		}
		c.connectionRetries = maxAttempts
		return nil
	}
}

// WithDeviceDetector sets a custom device detector function for auto-detection
func WithDeviceDetector(detector DeviceDetector) ConnectOption {
	return func(c *connectConfig) error {
		c.deviceDetector = detector
		return nil
	}
}

func applyConnectOptions(opts []ConnectOption) (*connectConfig, error) {
	config := &connectConfig{
		connectionRetries: DefaultConnectionRetries,
	}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, fmt.Errorf("failed to apply connect option: %w", err)
		}
	}

	return config, nil
}

// ConnectDevice creates and initializes a Device from a path or auto-detection.
// Manual connections are retried; auto-detected ones are tried once.
//
// Example usage:
//
//	// Connect to a specific bridge
//	device, err := avrisp.ConnectDevice(ctx, "/dev/ttyACM0",
//	    avrisp.WithTransportFactory(func(path string) (avrisp.Transport, error) {
//	        return octowire.New(path)
//	    }))
//
//	// Auto-detect a bridge
//	device, err := avrisp.ConnectDevice(ctx, "", avrisp.WithAutoDetection(), ...)
func ConnectDevice(ctx context.Context, path string, opts ...ConnectOption) (*Device, error) {
	config, err := applyConnectOptions(opts)
	if err != nil {
		return nil, err
	}

	transport, err := createTransport(ctx, path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	device, err := setupDeviceWithRetry(ctx, transport, config)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}

	return device, nil
}

func createTransport(ctx context.Context, path string, config *connectConfig) (Transport, error) {
	if config.autoDetect || path == "" {
		return createAutoDetectedTransport(ctx, config)
	}
	return createManualTransport(path, config.transportFactory)
}

func setupDevice(ctx context.Context, transport Transport, config *connectConfig) (*Device, error) {
	device, err := New(transport, config.deviceOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	if config.timeout > 0 {
		device.config.Timeout = config.timeout
	}

	if err := device.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize device: %w", err)
	}

	return device, nil
}

// setupDeviceWithRetry wraps setupDevice with retry logic for connection attempts
func setupDeviceWithRetry(ctx context.Context, transport Transport, config *connectConfig) (*Device, error) {
	if config.autoDetect {
		return setupDevice(ctx, transport, config)
	}

	var device *Device
	err := RetryWithConfig(ctx, connectionRetryConfig(config.connectionRetries), func() error {
		var err error
		device, err = setupDevice(ctx, transport, config)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup device after %d attempts: %w", config.connectionRetries, err)
	}

	return device, nil
}

// createManualTransport handles creation of transport for a specific path
func createManualTransport(path string, factory TransportFactory) (Transport, error) {
	if factory == nil {
		return nil, errors.New("transport factory not provided")
	}

	transport, err := factory(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport for path %s: %w", path, err)
	}

	return transport, nil
}

// createAutoDetectedTransport opens the most confident detected bridge
func createAutoDetectedTransport(ctx context.Context, config *connectConfig) (Transport, error) {
	if config.transportDeviceFactory == nil {
		return nil, errors.New("transport device factory not provided")
	}

	opts := detection.DefaultOptions()
	opts.Mode = detection.Safe
	opts.Transports = config.detectionTransports

	detect := config.deviceDetector
	if detect == nil {
		detect = detection.DetectAll
	}

	devices, err := detect(ctx, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to detect devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, ErrDeviceNotFound
	}

	best := devices[0]
	for _, dev := range devices[1:] {
		if dev.Confidence > best.Confidence {
			best = dev
		}
	}
	Debugf("auto-detect: using %s", best)

	return config.transportDeviceFactory(best)
}
