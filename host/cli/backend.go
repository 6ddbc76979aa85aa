package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	log "github.com/sirupsen/logrus"
	"tinygo.org/x/drivers"

	"accelnode/host/bridge"
	"accelnode/host/config"
	"accelnode/host/mcu"
	"accelnode/host/serial"
	"accelnode/host/sim"
)

// SimDevice as the bridge device runs the firmware in-process.
const SimDevice = "sim"

// Wave parameters of the simulated part, in device counts.
const (
	simAmplitude = 256
	simStep      = 0.3
)

// backend is an opened bus together with whatever keeps it alive.
type backend struct {
	bus  drivers.I2C
	name string
	// mcu is set for the bridge backend.
	mcu *mcu.MCU

	closers []func() error
}

func (b *backend) onClose(f func() error) {
	b.closers = append(b.closers, f)
}

// Close releases resources in reverse order of acquisition.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}

func openBackend(ctx context.Context, opt config.AccelNodeOpt, logger *log.Entry) (*backend, error) {
	switch opt.Bus.Backend {
	case config.BackendSim:
		return openSim(opt), nil
	case config.BackendLinux:
		return openLinux(opt)
	case config.BackendBridge:
		b, err := openMCU(ctx, opt, logger)
		if err != nil {
			return nil, err
		}
		adapter, err := bridge.New(b.mcu, opt.BridgeConfig(), logger.WithField("component", "bridge"))
		if err != nil {
			b.Close()
			return nil, err
		}
		b.bus = adapter
		b.name = adapter.String()
		return b, nil
	}
	return nil, fmt.Errorf("unknown bus backend %q", opt.Bus.Backend)
}

func openSim(opt config.AccelNodeOpt) *backend {
	return &backend{bus: simBus(opt), name: "sim i2c bus"}
}

func simBus(opt config.AccelNodeOpt) *sim.Bus {
	part := sim.NewADXL345()
	part.SetGenerator(sim.Wave(simAmplitude, simStep))
	bus := sim.NewBus()
	bus.Attach(opt.Bus.Address, part)
	return bus
}

// openMCU connects to the firmware and fetches its dictionary.
func openMCU(ctx context.Context, opt config.AccelNodeOpt, logger *log.Entry) (*backend, error) {
	b := &backend{}
	var port io.ReadWriteCloser

	if opt.Bus.Bridge.Device == SimDevice {
		hostEnd, fwEnd := net.Pipe()
		fw := sim.NewMCU(logger.WithField("component", "sim-mcu"))
		fw.AddBus(opt.Bus.Bridge.Bus, simBus(opt))
		fwCtx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- fw.Serve(fwCtx, fwEnd) }()
		b.onClose(func() error {
			cancel()
			return <-done
		})
		port = hostEnd
	} else {
		p, err := serial.Open(opt.Serial())
		if err != nil {
			return nil, err
		}
		logger.WithField("device", opt.Bus.Bridge.Device).Info("serial port open")
		port = p
	}

	b.mcu = mcu.New(port, logger.WithField("component", "mcu"))
	b.onClose(b.mcu.Close)
	if err := b.mcu.Identify(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("identify: %w", err)
	}
	logger.WithField("version", b.mcu.Dictionary().Version).Info("firmware identified")
	return b, nil
}
