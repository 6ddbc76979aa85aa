// Package serial opens the serial link to a bridge MCU.
package serial

import (
	"fmt"
	"io"
	"time"
)

// Port is an open serial line.
type Port interface {
	io.ReadWriteCloser

	// Flush discards pending input and output.
	Flush() error
}

// Drivers
const (
	DriverTarm  = "tarm"
	DriverBugST = "bugst"
)

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyACM0")
	Device string

	// Baud rate. USB CDC firmware ignores it.
	Baud int

	// ReadTimeout bounds a single read so the reader can notice Close.
	ReadTimeout time.Duration

	// Driver selects the serial library, DriverTarm when empty.
	Driver string
}

// DefaultConfig returns the usual settings for Klipper protocol firmware.
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        250000,
		ReadTimeout: 100 * time.Millisecond,
		Driver:      DriverTarm,
	}
}

// Open opens the port described by cfg and flushes stale data.
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Device == "" {
		return nil, fmt.Errorf("no serial device configured")
	}

	var (
		p   Port
		err error
	)
	switch cfg.Driver {
	case "", DriverTarm:
		p, err = openTarm(cfg)
	case DriverBugST:
		p, err = openBugST(cfg)
	default:
		return nil, fmt.Errorf("unknown serial driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}
	if err := p.Flush(); err != nil {
		p.Close()
		return nil, fmt.Errorf("flush serial port %s: %w", cfg.Device, err)
	}
	return p, nil
}
