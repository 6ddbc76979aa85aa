// Package i2ctest provides an in-memory i2c.Core for driver tests.
package i2ctest

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"accelnode/i2c"
)

// Op names recorded by Core
const (
	OpMasterSend    = "master_send"
	OpMasterRecv    = "master_recv"
	OpWriteByte     = "write_byte"
	OpReadByte      = "read_byte"
	OpWriteByteData = "write_byte_data"
	OpReadByteData  = "read_byte_data"
	OpWriteWordData = "write_word_data"
	OpReadWordData  = "read_word_data"
	OpWriteBlock    = "write_block_data"
	OpReadBlock     = "read_block_data"
	OpReadI2CBlock  = "read_i2c_block_data"
)

// Call is one recorded transaction.
type Call struct {
	Op  string
	Reg uint8
}

func (c Call) String() string { return fmt.Sprintf("%s(%#02x)", c.Op, c.Reg) }

// Core is a single-register-file fake bus. Every client created on it shares
// the same 256 registers. Block reads auto-increment.
type Core struct {
	mu sync.Mutex

	Regs  [256]uint8
	Calls []Call

	// Func is returned by Functionality.
	Func i2c.Functionality

	// Hooks run before the register file and may take over a call by
	// returning handled == true.
	ReadByteDataHook func(reg uint8) (ret int, handled bool)
	I2CBlockHook     func(reg uint8, n uint8, buf []byte) (ret int, handled bool)

	// BlockLen is what SMBusReadBlockData reports as the device length; 0
	// means len(buf).
	BlockLen int

	failures map[Call]int

	Clients      []*i2c.RawClient
	Unregistered []*i2c.RawClient
	Drivers      []*i2c.DriverDesc
	Deleted      []*i2c.DriverDesc

	// NewClientErr is returned by NewClientDevice when set.
	NewClientErr error
}

// New returns an empty fake core with full SMBus functionality.
func New() *Core {
	return &Core{
		Func:     i2c.FuncI2C | i2c.FuncSMBusEmulAll,
		failures: make(map[Call]int),
	}
}

// Fail makes every future op on reg return -code until cleared with
// Fail(op, reg, 0).
func (c *Core) Fail(op string, reg uint8, code unix.Errno) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if code == 0 {
		delete(c.failures, Call{op, reg})
		return
	}
	c.failures[Call{op, reg}] = -int(code)
}

// Reg returns register reg.
func (c *Core) Reg(reg uint8) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Regs[reg]
}

// SetReg sets register reg.
func (c *Core) SetReg(reg, v uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Regs[reg] = v
}

// Count returns how many times op was called.
func (c *Core) Count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.Calls {
		if call.Op == op {
			n++
		}
	}
	return n
}

// Total returns the number of recorded transactions.
func (c *Core) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}

// ResetCalls forgets recorded transactions.
func (c *Core) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = nil
}

func (c *Core) record(op string, reg uint8) (int, bool) {
	c.Calls = append(c.Calls, Call{op, reg})
	ret, ok := c.failures[Call{op, reg}]
	return ret, ok
}

func (c *Core) NewClientDevice(bus int, info i2c.BoardInfo) (*i2c.RawClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.NewClientErr != nil {
		return nil, c.NewClientErr
	}
	raw := i2c.NewRawClient(c, bus, info)
	c.Clients = append(c.Clients, raw)
	return raw, nil
}

func (c *Core) UnregisterDevice(raw *i2c.RawClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Unregistered = append(c.Unregistered, raw)
}

func (c *Core) AddDriver(d *i2c.DriverDesc) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Drivers = append(c.Drivers, d)
	return 0
}

func (c *Core) DelDriver(d *i2c.DriverDesc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Deleted = append(c.Deleted, d)
}

func (c *Core) Functionality(*i2c.RawClient) i2c.Functionality {
	return c.Func
}

func (c *Core) MasterSend(_ *i2c.RawClient, buf []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ret, failed := c.record(OpMasterSend, 0); failed {
		return ret
	}
	if len(buf) == 0 {
		return 0
	}
	// First byte selects the register, the rest is written from there.
	reg := buf[0]
	for i, b := range buf[1:] {
		c.Regs[reg+uint8(i)] = b
	}
	return len(buf)
}

func (c *Core) MasterRecv(_ *i2c.RawClient, buf []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ret, failed := c.record(OpMasterRecv, 0); failed {
		return ret
	}
	for i := range buf {
		buf[i] = c.Regs[uint8(i)]
	}
	return len(buf)
}

func (c *Core) SMBusWriteByte(_ *i2c.RawClient, value uint8) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ret, failed := c.record(OpWriteByte, 0); failed {
		return ret
	}
	c.Regs[0] = value
	return 0
}

func (c *Core) SMBusReadByte(*i2c.RawClient) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ret, failed := c.record(OpReadByte, 0); failed {
		return ret
	}
	return int(c.Regs[0])
}

func (c *Core) SMBusWriteByteData(_ *i2c.RawClient, cmd, value uint8) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ret, failed := c.record(OpWriteByteData, cmd); failed {
		return ret
	}
	c.Regs[cmd] = value
	return 0
}

func (c *Core) SMBusReadByteData(_ *i2c.RawClient, cmd uint8) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ret, failed := c.record(OpReadByteData, cmd); failed {
		return ret
	}
	if c.ReadByteDataHook != nil {
		if ret, handled := c.ReadByteDataHook(cmd); handled {
			return ret
		}
	}
	return int(c.Regs[cmd])
}

func (c *Core) SMBusWriteWordData(_ *i2c.RawClient, cmd uint8, value uint16) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ret, failed := c.record(OpWriteWordData, cmd); failed {
		return ret
	}
	c.Regs[cmd] = uint8(value)
	c.Regs[cmd+1] = uint8(value >> 8)
	return 0
}

func (c *Core) SMBusReadWordData(_ *i2c.RawClient, cmd uint8) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ret, failed := c.record(OpReadWordData, cmd); failed {
		return ret
	}
	return int(c.Regs[cmd]) | int(c.Regs[cmd+1])<<8
}

func (c *Core) SMBusWriteBlockData(_ *i2c.RawClient, cmd uint8, values []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ret, failed := c.record(OpWriteBlock, cmd); failed {
		return ret
	}
	for i, b := range values {
		c.Regs[cmd+uint8(i)] = b
	}
	return 0
}

func (c *Core) SMBusReadBlockData(_ *i2c.RawClient, cmd uint8, buf []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ret, failed := c.record(OpReadBlock, cmd); failed {
		return ret
	}
	n := len(buf)
	if c.BlockLen > 0 && c.BlockLen < n {
		n = c.BlockLen
	}
	for i := 0; i < n; i++ {
		buf[i] = c.Regs[cmd+uint8(i)]
	}
	return n
}

func (c *Core) SMBusReadI2CBlockData(_ *i2c.RawClient, cmd uint8, length uint8, buf []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ret, failed := c.record(OpReadI2CBlock, cmd); failed {
		return ret
	}
	if c.I2CBlockHook != nil {
		if ret, handled := c.I2CBlockHook(cmd, length, buf); handled {
			return ret
		}
	}
	for i := 0; i < int(length); i++ {
		buf[i] = c.Regs[cmd+uint8(i)]
	}
	return int(length)
}

var _ i2c.Core = (*Core)(nil)
