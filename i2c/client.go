package i2c

import (
	"fmt"
	"math"
	"sync"

	"accelnode/errno"
)

// Client is a handle to one slave address on a bus.
//
// A Client created with NewClientDevice owns the underlying device and
// unregisters it on Close. A Client obtained with Borrow is a view around a
// RawClient that someone else owns; closing it does nothing. Callbacks always
// get borrowed views so they can never unregister a device twice.
type Client struct {
	raw   *RawClient
	owned bool

	closeOnce sync.Once
}

// NewClientDevice instantiates a device on adapter bus and returns an owning
// handle.
func NewClientDevice(core Core, bus int, info BoardInfo) (*Client, error) {
	raw, err := core.NewClientDevice(bus, info)
	if err != nil {
		return nil, fmt.Errorf("new client device %s@%#x on bus %d: %w", info.Type, info.Addr, bus, err)
	}
	return &Client{raw: raw, owned: true}, nil
}

// Borrow returns a non-owning view of raw.
func Borrow(raw *RawClient) *Client {
	return &Client{raw: raw}
}

// Raw exposes the subsystem object behind the handle.
func (c *Client) Raw() *RawClient { return c.raw }

// Owned reports whether Close unregisters the device.
func (c *Client) Owned() bool { return c.owned }

func (c *Client) Addr() uint16   { return c.raw.addr }
func (c *Client) Adapter() int   { return c.raw.adapter }
func (c *Client) Name() string   { return c.raw.name }
func (c *Client) String() string { return c.raw.String() }

// Close unregisters the device if this handle owns it.
func (c *Client) Close() error {
	if !c.owned {
		return nil
	}
	c.closeOnce.Do(func() {
		c.raw.core.UnregisterDevice(c.raw)
	})
	return nil
}

// SetClientData attaches v to the device.
func (c *Client) SetClientData(v any) { c.raw.SetClientData(v) }

// ClientData returns what SetClientData stored, or nil.
func (c *Client) ClientData() any { return c.raw.ClientData() }

// FreeClientData clears the device's data slot.
func (c *Client) FreeClientData() { c.raw.SetClientData(nil) }

// Functionality returns the adapter capabilities for this device.
func (c *Client) Functionality() Functionality {
	return c.raw.core.Functionality(c.raw)
}

// MasterSend writes buf as a single raw transfer.
func (c *Client) MasterSend(buf []byte) (int, error) {
	if len(buf) > math.MaxUint16 {
		return 0, fmt.Errorf("master send %d bytes: %w", len(buf), errno.ErrInvalidArgument)
	}
	ret := c.raw.core.MasterSend(c.raw, buf)
	if err := errno.FromRet("master send", ret); err != nil {
		return 0, err
	}
	return ret, nil
}

// MasterRecv reads into buf as a single raw transfer.
func (c *Client) MasterRecv(buf []byte) (int, error) {
	if len(buf) > math.MaxUint16 {
		return 0, fmt.Errorf("master recv %d bytes: %w", len(buf), errno.ErrInvalidArgument)
	}
	ret := c.raw.core.MasterRecv(c.raw, buf)
	if err := errno.FromRet("master recv", ret); err != nil {
		return 0, err
	}
	return ret, nil
}

// SendByte writes a single byte without a command code.
func (c *Client) SendByte(value uint8) error {
	return errno.FromRet("smbus write byte", c.raw.core.SMBusWriteByte(c.raw, value))
}

// ReceiveByte reads a single byte without a command code.
func (c *Client) ReceiveByte() (uint8, error) {
	ret := c.raw.core.SMBusReadByte(c.raw)
	if err := errno.FromRet("smbus read byte", ret); err != nil {
		return 0, err
	}
	return uint8(ret), nil
}

// WriteByteData writes value to register cmd.
func (c *Client) WriteByteData(cmd, value uint8) error {
	return errno.FromRet(fmt.Sprintf("smbus write byte data %#02x", cmd),
		c.raw.core.SMBusWriteByteData(c.raw, cmd, value))
}

// ReadByteData reads register cmd.
func (c *Client) ReadByteData(cmd uint8) (uint8, error) {
	ret := c.raw.core.SMBusReadByteData(c.raw, cmd)
	if err := errno.FromRet(fmt.Sprintf("smbus read byte data %#02x", cmd), ret); err != nil {
		return 0, err
	}
	return uint8(ret), nil
}

// WriteWord writes a 16-bit value to register cmd.
func (c *Client) WriteWord(cmd uint8, value uint16) error {
	return errno.FromRet(fmt.Sprintf("smbus write word data %#02x", cmd),
		c.raw.core.SMBusWriteWordData(c.raw, cmd, value))
}

// ReadWord reads a 16-bit value from register cmd.
func (c *Client) ReadWord(cmd uint8) (uint16, error) {
	ret := c.raw.core.SMBusReadWordData(c.raw, cmd)
	if err := errno.FromRet(fmt.Sprintf("smbus read word data %#02x", cmd), ret); err != nil {
		return 0, err
	}
	return uint16(ret), nil
}

// WriteBlock writes an SMBus block of at most 32 bytes.
func (c *Client) WriteBlock(cmd uint8, values []byte) error {
	if len(values) > SMBusBlockMax {
		return fmt.Errorf("smbus write block of %d bytes: %w", len(values), errno.ErrInvalidArgument)
	}
	return errno.FromRet(fmt.Sprintf("smbus write block data %#02x", cmd),
		c.raw.core.SMBusWriteBlockData(c.raw, cmd, values))
}

// ReadBlock reads an SMBus block whose length is reported by the device.
// The returned count can be smaller than len(buf); adapters that cannot
// discover the length report what they got and callers fall back to
// ReadI2CBlock.
func (c *Client) ReadBlock(cmd uint8, buf []byte) (int, error) {
	if len(buf) > SMBusBlockMax {
		return 0, fmt.Errorf("smbus read block into %d bytes: %w", len(buf), errno.ErrInvalidArgument)
	}
	ret := c.raw.core.SMBusReadBlockData(c.raw, cmd, buf)
	if err := errno.FromRet(fmt.Sprintf("smbus read block data %#02x", cmd), ret); err != nil {
		return 0, err
	}
	return ret, nil
}

// ReadI2CBlock requests exactly n bytes starting at register cmd.
func (c *Client) ReadI2CBlock(cmd uint8, n uint8, buf []byte) (int, error) {
	if n > SMBusBlockMax || len(buf) < int(n) {
		return 0, fmt.Errorf("i2c block read of %d bytes into %d: %w", n, len(buf), errno.ErrInvalidArgument)
	}
	ret := c.raw.core.SMBusReadI2CBlockData(c.raw, cmd, n, buf)
	if err := errno.FromRet(fmt.Sprintf("smbus read i2c block %#02x", cmd), ret); err != nil {
		return 0, err
	}
	return ret, nil
}
