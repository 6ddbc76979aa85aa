package i2ccore

import (
	"golang.org/x/sys/unix"

	"accelnode/errno"
	"accelnode/i2c"
)

// SMBus transfer direction
const (
	Write uint8 = 0
	Read  uint8 = 1
)

// SMBus transaction sizes, numbered like the Linux i2c-dev ABI.
const (
	SizeQuick        = 0
	SizeByte         = 1
	SizeByteData     = 2
	SizeWordData     = 3
	SizeProcCall     = 4
	SizeBlockData    = 5
	SizeI2CBlockData = 8
)

// Data is the SMBus data buffer: a byte, a little-endian word, or a block
// whose length lives in Data[0].
type Data [i2c.SMBusBlockMax + 2]byte

// SMBusAdapter is implemented by adapters that execute SMBus transactions
// natively. Other adapters get them emulated over Tx.
type SMBusAdapter interface {
	SMBusXfer(addr uint16, rw uint8, cmd uint8, size int, data *Data) error
}

// FunctionalityReporter is implemented by adapters that know their
// capabilities.
type FunctionalityReporter interface {
	Functionality() i2c.Functionality
}

// emulatedFunc is what an adapter offering only plain transfers supports.
const emulatedFunc = i2c.FuncI2C | i2c.FuncSMBusEmul

func (c *Core) xfer(raw *i2c.RawClient, rw uint8, cmd uint8, size int, data *Data) int {
	a, err := c.adapterFor(raw)
	if err != nil {
		return errno.Code(err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if native, ok := a.bus.(SMBusAdapter); ok {
		if err := native.SMBusXfer(raw.Addr(), rw, cmd, size, data); err != nil {
			return errno.Code(err)
		}
		return 0
	}
	return errno.Code(a.emulate(raw.Addr(), rw, cmd, size, data))
}

// emulate runs an SMBus transaction as plain bus transfers.
func (a *adapter) emulate(addr uint16, rw uint8, cmd uint8, size int, data *Data) error {
	switch size {
	case SizeQuick:
		if rw == Read {
			return a.bus.Tx(addr, nil, make([]byte, 1))
		}
		return a.bus.Tx(addr, nil, nil)

	case SizeByte:
		if rw == Read {
			return a.bus.Tx(addr, nil, data[:1])
		}
		return a.bus.Tx(addr, []byte{cmd}, nil)

	case SizeByteData:
		if rw == Read {
			return a.bus.Tx(addr, []byte{cmd}, data[:1])
		}
		return a.bus.Tx(addr, []byte{cmd, data[0]}, nil)

	case SizeWordData:
		if rw == Read {
			return a.bus.Tx(addr, []byte{cmd}, data[:2])
		}
		return a.bus.Tx(addr, []byte{cmd, data[0], data[1]}, nil)

	case SizeBlockData:
		if rw == Read {
			// Without length discovery read the count byte and the
			// largest block in one go.
			var buf [i2c.SMBusBlockMax + 1]byte
			if err := a.bus.Tx(addr, []byte{cmd}, buf[:]); err != nil {
				return err
			}
			n := int(buf[0])
			if n == 0 || n > i2c.SMBusBlockMax {
				return unix.EPROTO
			}
			data[0] = byte(n)
			copy(data[1:], buf[1:1+n])
			return nil
		}
		n := int(data[0])
		w := make([]byte, 0, n+2)
		w = append(w, cmd, byte(n))
		w = append(w, data[1:1+n]...)
		return a.bus.Tx(addr, w, nil)

	case SizeI2CBlockData:
		n := int(data[0])
		if rw == Read {
			return a.bus.Tx(addr, []byte{cmd}, data[1:1+n])
		}
		w := make([]byte, 0, n+1)
		w = append(w, cmd)
		w = append(w, data[1:1+n]...)
		return a.bus.Tx(addr, w, nil)
	}
	return unix.EOPNOTSUPP
}

func (c *Core) SMBusWriteByte(raw *i2c.RawClient, value uint8) int {
	var d Data
	return c.xfer(raw, Write, value, SizeByte, &d)
}

func (c *Core) SMBusReadByte(raw *i2c.RawClient) int {
	var d Data
	if ret := c.xfer(raw, Read, 0, SizeByte, &d); ret < 0 {
		return ret
	}
	return int(d[0])
}

func (c *Core) SMBusWriteByteData(raw *i2c.RawClient, cmd, value uint8) int {
	d := Data{value}
	return c.xfer(raw, Write, cmd, SizeByteData, &d)
}

func (c *Core) SMBusReadByteData(raw *i2c.RawClient, cmd uint8) int {
	var d Data
	if ret := c.xfer(raw, Read, cmd, SizeByteData, &d); ret < 0 {
		return ret
	}
	return int(d[0])
}

func (c *Core) SMBusWriteWordData(raw *i2c.RawClient, cmd uint8, value uint16) int {
	d := Data{uint8(value), uint8(value >> 8)}
	return c.xfer(raw, Write, cmd, SizeWordData, &d)
}

func (c *Core) SMBusReadWordData(raw *i2c.RawClient, cmd uint8) int {
	var d Data
	if ret := c.xfer(raw, Read, cmd, SizeWordData, &d); ret < 0 {
		return ret
	}
	return int(d[0]) | int(d[1])<<8
}

func (c *Core) SMBusWriteBlockData(raw *i2c.RawClient, cmd uint8, values []byte) int {
	if len(values) > i2c.SMBusBlockMax {
		return -int(unix.EINVAL)
	}
	var d Data
	d[0] = byte(len(values))
	copy(d[1:], values)
	return c.xfer(raw, Write, cmd, SizeBlockData, &d)
}

func (c *Core) SMBusReadBlockData(raw *i2c.RawClient, cmd uint8, buf []byte) int {
	var d Data
	if ret := c.xfer(raw, Read, cmd, SizeBlockData, &d); ret < 0 {
		return ret
	}
	n := int(d[0])
	if n > len(buf) {
		n = len(buf)
	}
	return copy(buf, d[1:1+n])
}

func (c *Core) SMBusReadI2CBlockData(raw *i2c.RawClient, cmd uint8, length uint8, buf []byte) int {
	if length > i2c.SMBusBlockMax {
		length = i2c.SMBusBlockMax
	}
	var d Data
	d[0] = length
	if ret := c.xfer(raw, Read, cmd, SizeI2CBlockData, &d); ret < 0 {
		return ret
	}
	return copy(buf, d[1:1+int(d[0])])
}
