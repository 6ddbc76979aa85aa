// Package driver binds a Handler implementation to the bus subsystem's
// C-style driver ABI.
//
// The subsystem only knows about an i2c.DriverDesc and calls its entry points
// with an opaque *i2c.RawClient. Each entry point recovers the Handler stored
// in the client's data slot, calls it and translates the outcome back into the
// 0 / negative-errno convention.
package driver

import (
	log "github.com/sirupsen/logrus"

	"accelnode/i2c"
)

// Handler is implemented once per driven device class.
type Handler interface {
	Probe(c *i2c.Client) error
	Remove(c *i2c.Client)
	Shutdown(c *i2c.Client)
	Alert(c *i2c.Client, proto i2c.AlertProtocol, data uint32)
	Command(c *i2c.Client, cmd uint32, arg any) error
	Detect(c *i2c.Client, info *i2c.BoardInfo) error
}

// Base supplies the default behaviour for the optional events. Embed it and
// implement Probe and Remove.
type Base struct{}

func (Base) Shutdown(c *i2c.Client) {
	log.WithField("client", c.String()).Info("i2c shutdown called")
}

func (Base) Alert(c *i2c.Client, proto i2c.AlertProtocol, data uint32) {
	log.WithFields(log.Fields{"client": c.String(), "protocol": proto, "data": data}).Info("i2c alert called")
}

func (Base) Command(c *i2c.Client, cmd uint32, _ any) error {
	log.WithFields(log.Fields{"client": c.String(), "cmd": cmd}).Info("i2c command called")
	return nil
}

func (Base) Detect(c *i2c.Client, _ *i2c.BoardInfo) error {
	log.WithField("client", c.String()).Info("i2c detect called")
	return nil
}
