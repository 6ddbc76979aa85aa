// Package i2c is the driver-facing side of the I2C bus subsystem: the C-style
// Core ABI that the subsystem implements, the opaque per-device RawClient it
// hands across callbacks, and Client, the handle drivers actually use.
package i2c

import (
	"fmt"
	"sync/atomic"
)

// NameSize matches the fixed name field of the bus device tables.
const NameSize = 20

// SMBusBlockMax is the largest SMBus block transfer.
const SMBusBlockMax = 32

// Module identifies the owner of a driver or node registration.
type Module struct {
	Name string
}

// BoardInfo describes a device to instantiate on an adapter.
type BoardInfo struct {
	Type  string // matched against driver id tables
	Addr  uint16
	Flags uint16
}

// NewBoardInfo returns board info for a 7-bit device.
func NewBoardInfo(name string, addr uint16) BoardInfo {
	return BoardInfo{Type: truncName(name), Addr: addr}
}

// DeviceID is one entry of a driver's id table.
// A table is terminated by the first entry with an empty name.
type DeviceID struct {
	Name       string
	DriverData uint32
}

// NewDeviceID truncates name to NameSize-1 bytes like the fixed C field.
func NewDeviceID(name string, data uint32) DeviceID {
	return DeviceID{Name: truncName(name), DriverData: data}
}

func truncName(name string) string {
	if len(name) >= NameSize {
		return name[:NameSize-1]
	}
	return name
}

// AlertProtocol is the kind of SMBus alert delivered to a driver.
type AlertProtocol int

const (
	AlertSMBus AlertProtocol = iota
	AlertHostNotify
)

func (p AlertProtocol) String() string {
	switch p {
	case AlertSMBus:
		return "smbus-alert"
	case AlertHostNotify:
		return "host-notify"
	}
	return fmt.Sprintf("alert(%d)", int(p))
}

// Functionality bits reported by an adapter
type Functionality uint32

const (
	FuncI2C                  Functionality = 0x00000001
	FuncSMBusQuick           Functionality = 0x00010000
	FuncSMBusReadByte        Functionality = 0x00020000
	FuncSMBusWriteByte       Functionality = 0x00040000
	FuncSMBusReadByteData    Functionality = 0x00080000
	FuncSMBusWriteByteData   Functionality = 0x00100000
	FuncSMBusReadWordData    Functionality = 0x00200000
	FuncSMBusWriteWordData   Functionality = 0x00400000
	FuncSMBusReadBlockData   Functionality = 0x01000000
	FuncSMBusWriteBlockData  Functionality = 0x02000000
	FuncSMBusReadI2CBlock    Functionality = 0x04000000
	FuncSMBusWriteI2CBlock   Functionality = 0x08000000
	FuncSMBusEmul            Functionality = 0x0eff0008
	FuncSMBusEmulAll         Functionality = FuncSMBusEmul | FuncSMBusReadBlockData
	FuncSMBusByteData        Functionality = FuncSMBusReadByteData | FuncSMBusWriteByteData
	FuncSMBusI2CBlock        Functionality = FuncSMBusReadI2CBlock | FuncSMBusWriteI2CBlock
	FuncSMBusBlockData       Functionality = FuncSMBusReadBlockData | FuncSMBusWriteBlockData
	FuncSMBusWordData        Functionality = FuncSMBusReadWordData | FuncSMBusWriteWordData
	FuncSMBusReadWriteByte   Functionality = FuncSMBusReadByte | FuncSMBusWriteByte
	FuncSMBusByteAndWordData               = FuncSMBusByteData | FuncSMBusWordData
)

// Has reports whether all bits of want are set.
func (f Functionality) Has(want Functionality) bool {
	return f&want == want
}

// Driver class bits used for address-list detection
const (
	ClassHWMon uint32 = 1 << 0
	ClassDDC   uint32 = 1 << 3
	ClassSPD   uint32 = 1 << 7
)

// DriverDesc is the registration record handed to Core.AddDriver. The
// subsystem keeps the pointer for as long as the driver is registered, so it
// must not be copied or reallocated while registered.
type DriverDesc struct {
	Name        string
	Owner       *Module
	IDTable     []DeviceID
	Class       uint32
	AddressList []uint16
	Flags       uint32

	// Entry points, C-style: 0 on success, negative errno on failure.
	Probe    func(c *RawClient) int
	Remove   func(c *RawClient)
	Shutdown func(c *RawClient)
	Alert    func(c *RawClient, proto AlertProtocol, data uint32)
	Command  func(c *RawClient, cmd uint32, arg any) int
	Detect   func(c *RawClient, info *BoardInfo) int
}

// Match returns the id table entry matching name. The scan stops at the
// terminating empty entry.
func (d *DriverDesc) Match(name string) (DeviceID, bool) {
	for _, id := range d.IDTable {
		if id.Name == "" {
			break
		}
		if id.Name == name {
			return id, true
		}
	}
	return DeviceID{}, false
}

// Core is the bus subsystem ABI. Transfer methods follow the C convention:
// a non-negative result is a count or value, a negative result is -errno.
type Core interface {
	NewClientDevice(bus int, info BoardInfo) (*RawClient, error)
	UnregisterDevice(c *RawClient)

	AddDriver(d *DriverDesc) int
	DelDriver(d *DriverDesc)

	Functionality(c *RawClient) Functionality

	MasterSend(c *RawClient, buf []byte) int
	MasterRecv(c *RawClient, buf []byte) int

	SMBusWriteByte(c *RawClient, value uint8) int
	SMBusReadByte(c *RawClient) int
	SMBusWriteByteData(c *RawClient, cmd uint8, value uint8) int
	SMBusReadByteData(c *RawClient, cmd uint8) int
	SMBusWriteWordData(c *RawClient, cmd uint8, value uint16) int
	SMBusReadWordData(c *RawClient, cmd uint8) int
	SMBusWriteBlockData(c *RawClient, cmd uint8, values []byte) int
	SMBusReadBlockData(c *RawClient, cmd uint8, buf []byte) int
	SMBusReadI2CBlockData(c *RawClient, cmd uint8, length uint8, buf []byte) int
}

// RawClient is the subsystem's per-device object. Drivers only ever see it
// through callbacks and wrap it with Borrow.
type RawClient struct {
	core    Core
	adapter int
	addr    uint16
	name    string
	flags   uint16

	driver atomic.Pointer[DriverDesc]
	data   atomic.Pointer[clientData]
}

type clientData struct {
	v any
}

// NewRawClient is called by Core implementations when instantiating a device.
func NewRawClient(core Core, adapter int, info BoardInfo) *RawClient {
	return &RawClient{
		core:    core,
		adapter: adapter,
		addr:    info.Addr,
		name:    truncName(info.Type),
		flags:   info.Flags,
	}
}

func (c *RawClient) Adapter() int   { return c.adapter }
func (c *RawClient) Addr() uint16   { return c.addr }
func (c *RawClient) Name() string   { return c.name }
func (c *RawClient) Flags() uint16  { return c.flags }
func (c *RawClient) Core() Core     { return c.core }
func (c *RawClient) String() string { return fmt.Sprintf("%d-%04x", c.adapter, c.addr) }

// Driver returns the bound driver, nil if unbound.
func (c *RawClient) Driver() *DriverDesc {
	return c.driver.Load()
}

// Bind is used by the subsystem to record the bound driver.
func (c *RawClient) Bind(d *DriverDesc) {
	c.driver.Store(d)
}

// SetClientData stores v in the client's opaque slot. nil clears it.
func (c *RawClient) SetClientData(v any) {
	if v == nil {
		c.data.Store(nil)
		return
	}
	c.data.Store(&clientData{v: v})
}

// ClientData returns the value stored with SetClientData, or nil.
func (c *RawClient) ClientData() any {
	d := c.data.Load()
	if d == nil {
		return nil
	}
	return d.v
}
