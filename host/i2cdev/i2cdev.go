//go:build linux

// Package i2cdev is an adapter for a Linux /dev/i2c-N bus. Plain transfers go
// through periph's bus driver; SMBus transactions and the capability mask
// use the i2c-dev ioctls directly.
package i2cdev

import (
	"fmt"
	"strconv"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
	pi2c "periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"accelnode/host/i2ccore"
	"accelnode/i2c"
)

// i2c-dev ioctl requests
const (
	ioctlSlave      = 0x0703
	ioctlSlaveForce = 0x0706
	ioctlFuncs      = 0x0705
	ioctlSMBus      = 0x0720
)

type smbusIoctlData struct {
	readWrite uint8
	command   uint8
	size      uint32
	data      *i2ccore.Data
}

var hostInit sync.Once

// Adapter is an open /dev/i2c-N.
type Adapter struct {
	nr  int
	bus pi2c.BusCloser
	fd  int

	// Force claims addresses already bound to a kernel driver.
	Force bool

	funcs i2c.Functionality
}

// Open opens bus nr. A speed of zero keeps the bus default.
func Open(nr int, speed physic.Frequency) (*Adapter, error) {
	var initErr error
	hostInit.Do(func() {
		_, initErr = host.Init()
	})
	if initErr != nil {
		return nil, fmt.Errorf("periph host init: %w", initErr)
	}

	bus, err := i2creg.Open(strconv.Itoa(nr))
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %d: %w", nr, err)
	}
	if speed > 0 {
		if err := bus.SetSpeed(speed); err != nil {
			bus.Close()
			return nil, fmt.Errorf("set i2c bus %d speed: %w", nr, err)
		}
	}

	path := fmt.Sprintf("/dev/i2c-%d", nr)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	a := &Adapter{nr: nr, bus: bus, fd: fd}
	var funcs uintptr
	if err := ioctlPtr(fd, ioctlFuncs, unsafe.Pointer(&funcs)); err != nil {
		a.Close()
		return nil, fmt.Errorf("query %s functionality: %w", path, err)
	}
	a.funcs = i2c.Functionality(funcs)
	return a, nil
}

func ioctlPtr(fd int, req uint, arg unsafe.Pointer) error {
	_, _, e := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if e != 0 {
		return e
	}
	return nil
}

func (a *Adapter) String() string { return a.bus.String() }

func (a *Adapter) Close() error {
	err := a.bus.Close()
	if cerr := unix.Close(a.fd); err == nil {
		err = cerr
	}
	return err
}

func (a *Adapter) Functionality() i2c.Functionality { return a.funcs }

// Tx performs a combined write and read transfer.
func (a *Adapter) Tx(addr uint16, w, r []byte) error {
	return a.bus.Tx(addr, w, r)
}

func (a *Adapter) ReadRegister(addr uint8, reg uint8, buf []byte) error {
	return a.bus.Tx(uint16(addr), []byte{reg}, buf)
}

func (a *Adapter) WriteRegister(addr uint8, reg uint8, buf []byte) error {
	return a.bus.Tx(uint16(addr), append([]byte{reg}, buf...), nil)
}

// SMBusXfer runs one SMBus transaction through the kernel. The caller holds
// the adapter lock, so selecting the slave address is not racy.
func (a *Adapter) SMBusXfer(addr uint16, rw uint8, cmd uint8, size int, data *i2ccore.Data) error {
	req := uint(ioctlSlave)
	if a.Force {
		req = ioctlSlaveForce
	}
	if err := unix.IoctlSetInt(a.fd, req, int(addr)); err != nil {
		return err
	}
	args := smbusIoctlData{readWrite: rw, command: cmd, size: uint32(size), data: data}
	return ioctlPtr(a.fd, ioctlSMBus, unsafe.Pointer(&args))
}

var (
	_ i2ccore.SMBusAdapter          = (*Adapter)(nil)
	_ i2ccore.FunctionalityReporter = (*Adapter)(nil)
)
