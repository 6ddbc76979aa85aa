package serial

import (
	"github.com/tarm/serial"
)

type tarmPort struct {
	*serial.Port
}

func openTarm(cfg *Config) (Port, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, err
	}
	return tarmPort{p}, nil
}
