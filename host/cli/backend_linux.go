//go:build linux

package cli

import (
	"periph.io/x/conn/v3/physic"

	"accelnode/host/config"
	"accelnode/host/i2cdev"
)

func openLinux(opt config.AccelNodeOpt) (*backend, error) {
	adapter, err := i2cdev.Open(opt.Bus.Number, physic.Frequency(opt.Bus.Speed)*physic.Hertz)
	if err != nil {
		return nil, err
	}
	b := &backend{bus: adapter, name: adapter.String()}
	b.onClose(adapter.Close)
	return b, nil
}
