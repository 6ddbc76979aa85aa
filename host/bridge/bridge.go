// Package bridge is an I2C adapter whose bus lives on a Klipper protocol
// MCU. Each target address gets its own firmware I2C object; reads go out as
// i2c_read and come back as i2c_read_response.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"accelnode/host/i2ccore"
	"accelnode/host/mcu"
	"accelnode/i2c"
	"accelnode/protocol"
)

const (
	DefaultRate            = 400000
	DefaultResponseTimeout = time.Second

	// MaxTransfer is the largest read or write that fits in one frame.
	MaxTransfer = 48
)

// Config selects the firmware bus.
type Config struct {
	Bus             uint32
	Rate            uint32
	ResponseTimeout time.Duration
}

// Adapter implements tinygo's drivers.I2C over an MCU link.
type Adapter struct {
	mcu *mcu.MCU
	cfg Config
	log *log.Entry

	mu      sync.Mutex
	oids    map[uint16]uint8
	ready   map[uint8]bool
	nextOID uint8
}

// New wraps a connected MCU. The dictionary must already be loaded.
func New(m *mcu.MCU, cfg Config, logger *log.Entry) (*Adapter, error) {
	d := m.Dictionary()
	if d == nil {
		return nil, mcu.ErrNoDictionary
	}
	for _, name := range []string{"config_i2c", "i2c_set_bus", "i2c_write", "i2c_read"} {
		if _, ok := d.Command(name); !ok {
			return nil, fmt.Errorf("firmware lacks %s: %w", name, mcu.ErrUnknownCommand)
		}
	}
	if cfg.Rate == 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if logger == nil {
		logger = log.WithField("component", "bridge")
	}
	return &Adapter{
		mcu:   m,
		cfg:   cfg,
		log:   logger.WithField("bus", cfg.Bus),
		oids:  make(map[uint16]uint8),
		ready: make(map[uint8]bool),
	}, nil
}

func (a *Adapter) String() string {
	return fmt.Sprintf("mcu i2c bus %d", a.cfg.Bus)
}

// Functionality reports plain transfers; SMBus is emulated on top.
func (a *Adapter) Functionality() i2c.Functionality {
	return i2c.FuncI2C | i2c.FuncSMBusEmul
}

// Tx performs a write followed by a read. A transfer with an empty write
// reads from the device's current position.
func (a *Adapter) Tx(addr uint16, w, r []byte) error {
	if addr > 0x7F || len(w) > MaxTransfer || len(r) > MaxTransfer {
		return unix.EINVAL
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ResponseTimeout)
	defer cancel()

	oid, err := a.object(ctx, addr)
	if err != nil {
		return err
	}

	if len(r) == 0 {
		args := protocol.AppendVLQUint(nil, uint32(oid))
		return a.mcu.Send(ctx, "i2c_write", protocol.AppendVLQBytes(args, w))
	}

	args := protocol.AppendVLQUint(nil, uint32(oid))
	args = protocol.AppendVLQBytes(args, w)
	args = protocol.AppendVLQUint(args, uint32(len(r)))
	resp, err := a.mcu.Query(ctx, "i2c_read", args, "i2c_read_response", func(resp []byte) bool {
		got, err := protocol.DecodeVLQUint(&resp)
		return err == nil && got == uint32(oid)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return a.readFailed(addr, err)
		}
		return err
	}
	if _, err := protocol.DecodeVLQUint(&resp); err != nil {
		return err
	}
	data, err := protocol.DecodeVLQBytes(&resp)
	if err != nil {
		return err
	}
	if len(data) != len(r) {
		return fmt.Errorf("i2c read at %#02x: got %d bytes for %d: %w", addr, len(data), len(r), unix.EPROTO)
	}
	copy(r, data)
	return nil
}

func (a *Adapter) ReadRegister(addr uint8, reg uint8, buf []byte) error {
	return a.Tx(uint16(addr), []byte{reg}, buf)
}

func (a *Adapter) WriteRegister(addr uint8, reg uint8, buf []byte) error {
	return a.Tx(uint16(addr), append([]byte{reg}, buf...), nil)
}

// object returns the firmware I2C object for addr, creating and configuring
// it on first use. a.mu must be held.
func (a *Adapter) object(ctx context.Context, addr uint16) (uint8, error) {
	oid, ok := a.oids[addr]
	if !ok {
		oid = a.nextOID
		if err := a.mcu.Send(ctx, "config_i2c", protocol.AppendVLQUint(nil, uint32(oid))); err != nil {
			return 0, err
		}
		a.nextOID++
		a.oids[addr] = oid
	}
	if a.ready[oid] {
		return oid, nil
	}

	args := protocol.AppendVLQUint(nil, uint32(oid))
	args = protocol.AppendVLQUint(args, a.cfg.Bus)
	args = protocol.AppendVLQUint(args, a.cfg.Rate)
	args = protocol.AppendVLQUint(args, uint32(addr))
	if err := a.mcu.Send(ctx, "i2c_set_bus", args); err != nil {
		return 0, err
	}
	a.ready[oid] = true
	a.log.WithFields(log.Fields{"addr": fmt.Sprintf("%#02x", addr), "oid": oid}).Debug("i2c object configured")
	return oid, nil
}

// readFailed runs when a read got no response. Firmware drops every I2C
// object into shutdown after a bus error, so the objects are reconfigured on
// next use.
func (a *Adapter) readFailed(addr uint16, cause error) error {
	clear(a.ready)

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ResponseTimeout)
	defer cancel()
	resp, err := a.mcu.Query(ctx, "get_config", nil, "config", nil)
	if err != nil {
		return fmt.Errorf("i2c read at %#02x: %v: %w", addr, cause, unix.ETIMEDOUT)
	}
	var isConfig, crc, isShutdown uint32
	if err := protocol.DecodeArgs(&resp, &isConfig, &crc, &isShutdown); err != nil || isShutdown == 0 {
		return fmt.Errorf("i2c read at %#02x: %v: %w", addr, cause, unix.ETIMEDOUT)
	}
	if err := a.mcu.Send(ctx, "config_reset", nil); err != nil {
		a.log.WithError(err).Warn("config_reset failed")
	}
	return fmt.Errorf("i2c read at %#02x: mcu shut down: %w", addr, unix.ENXIO)
}

var _ i2ccore.FunctionalityReporter = (*Adapter)(nil)
