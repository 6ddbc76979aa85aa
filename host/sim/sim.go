// Package sim provides an in-process I2C adapter with simulated devices.
package sim

import (
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"accelnode/i2c"
)

// Device is a register-pointer slave: the first written byte selects the
// register, further bytes and reads auto-increment from there.
type Device interface {
	ReadRegister(reg uint8, buf []byte) error
	WriteRegister(reg uint8, buf []byte) error
}

// Bus is a simulated adapter. It implements tinygo's drivers.I2C.
type Bus struct {
	mu      sync.Mutex
	devices map[uint16]Device
	pointer map[uint16]uint8
}

func NewBus() *Bus {
	return &Bus{
		devices: make(map[uint16]Device),
		pointer: make(map[uint16]uint8),
	}
}

// Attach places dev at addr, replacing whatever was there.
func (b *Bus) Attach(addr uint16, dev Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[addr] = dev
}

// Detach removes the device at addr.
func (b *Bus) Detach(addr uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices, addr)
	delete(b.pointer, addr)
}

// Addresses lists the occupied addresses.
func (b *Bus) Addresses() []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint16, 0, len(b.devices))
	for addr := range b.devices {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (b *Bus) Functionality() i2c.Functionality {
	return i2c.FuncI2C | i2c.FuncSMBusEmul
}

// Tx performs a write followed by a read on addr. A missing device does not
// acknowledge and yields ENXIO.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	dev, ok := b.devices[addr]
	if !ok {
		b.mu.Unlock()
		return unix.ENXIO
	}
	if len(w) > 0 {
		b.pointer[addr] = w[0]
	}
	reg := b.pointer[addr]
	b.mu.Unlock()

	if len(w) > 1 {
		if err := dev.WriteRegister(reg, w[1:]); err != nil {
			return err
		}
	}
	if len(r) > 0 {
		if err := dev.ReadRegister(reg, r); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) ReadRegister(addr uint8, reg uint8, buf []byte) error {
	return b.Tx(uint16(addr), []byte{reg}, buf)
}

func (b *Bus) WriteRegister(addr uint8, reg uint8, buf []byte) error {
	w := make([]byte, 0, len(buf)+1)
	w = append(w, reg)
	w = append(w, buf...)
	return b.Tx(uint16(addr), w, nil)
}
