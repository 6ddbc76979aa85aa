package serial

import (
	"errors"

	"go.bug.st/serial"
)

type bugstPort struct {
	serial.Port
}

func openBugST(cfg *Config) (Port, error) {
	p, err := serial.Open(cfg.Device, &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if cfg.ReadTimeout > 0 {
		if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
			p.Close()
			return nil, err
		}
	}
	return bugstPort{p}, nil
}

func (p bugstPort) Flush() error {
	return errors.Join(p.ResetInputBuffer(), p.ResetOutputBuffer())
}
