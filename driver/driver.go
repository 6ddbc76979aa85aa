package driver

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"accelnode/errno"
	"accelnode/i2c"
)

// ErrNoHandler is returned by the dispatch entry points when the client
// carries no Handler.
var ErrNoHandler = fmt.Errorf("driver instance not set in client data: %w", errno.ErrInvalidState)

// Builder collects the registration data for a driver.
type Builder struct {
	core        i2c.Core
	idTable     []i2c.DeviceID
	name        string
	owner       *i2c.Module
	class       *uint32
	addressList []uint16
	flags       *uint32
	logger      *log.Entry
}

// NewBuilder starts a driver registration for the given id table.
func NewBuilder(core i2c.Core, idTable []i2c.DeviceID, name string, owner *i2c.Module) *Builder {
	return &Builder{
		core:    core,
		idTable: idTable,
		name:    name,
		owner:   owner,
	}
}

func (b *Builder) Class(class uint32) *Builder {
	b.class = &class
	return b
}

func (b *Builder) AddressList(addrs []uint16) *Builder {
	b.addressList = append([]uint16(nil), addrs...)
	return b
}

func (b *Builder) Flags(flags uint32) *Builder {
	b.flags = &flags
	return b
}

// Logger overrides the logger used by the dispatch entry points.
func (b *Builder) Logger(l *log.Entry) *Builder {
	b.logger = l
	return b
}

// Build allocates the driver descriptor and wires the dispatch entry points.
// The descriptor lives on the heap and is never moved, so the subsystem may
// keep its address until RemoveDriver.
func (b *Builder) Build() (*Driver, error) {
	if b.core == nil {
		return nil, fmt.Errorf("build driver %q: no bus core: %w", b.name, errno.ErrInvalidArgument)
	}
	if b.name == "" {
		return nil, fmt.Errorf("build driver: empty name: %w", errno.ErrInvalidArgument)
	}

	logger := b.logger
	if logger == nil {
		logger = log.WithField("driver", b.name)
	}

	desc := &i2c.DriverDesc{
		Name:        b.name,
		Owner:       b.owner,
		IDTable:     append([]i2c.DeviceID(nil), b.idTable...),
		AddressList: b.addressList,
	}
	if b.class != nil {
		desc.Class = *b.class
	}
	if b.flags != nil {
		desc.Flags = *b.flags
	}

	d := &Driver{core: b.core, desc: desc, log: logger}
	desc.Probe = d.probe
	desc.Remove = d.remove
	desc.Shutdown = d.shutdown
	desc.Alert = d.alert
	desc.Command = d.command
	desc.Detect = d.detect

	return d, nil
}

// Driver is a built driver registration.
type Driver struct {
	core i2c.Core
	log  *log.Entry

	mu      sync.Mutex
	desc    *i2c.DriverDesc
	added   bool
	removed bool
}

// Desc returns the registration record, nil after RemoveDriver.
func (d *Driver) Desc() *i2c.DriverDesc {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.desc
}

// AddDriver registers the driver with the bus subsystem. Matching devices
// are probed before it returns.
func (d *Driver) AddDriver() error {
	d.mu.Lock()
	desc := d.desc
	if desc == nil {
		d.mu.Unlock()
		return fmt.Errorf("add driver: %w", errno.ErrInvalidState)
	}
	if d.added {
		d.mu.Unlock()
		return fmt.Errorf("add driver %s: %w", desc.Name, unix.EBUSY)
	}
	d.added = true
	d.mu.Unlock()

	if ret := d.core.AddDriver(desc); ret < 0 {
		d.mu.Lock()
		d.added = false
		d.mu.Unlock()
		return errno.FromCode(fmt.Sprintf("add driver %s", desc.Name), ret)
	}
	return nil
}

// RemoveDriver deregisters the driver and releases the descriptor. The
// subsystem delivers remove for every bound device before DelDriver returns.
// Only the first call has any effect.
func (d *Driver) RemoveDriver() {
	d.mu.Lock()
	if d.removed || d.desc == nil {
		d.mu.Unlock()
		d.log.Warn("remove driver called on a released driver")
		return
	}
	desc, added := d.desc, d.added
	d.removed = true
	d.mu.Unlock()

	if added {
		d.core.DelDriver(desc)
	}

	d.mu.Lock()
	d.desc = nil
	d.added = false
	d.mu.Unlock()
}

// instance recovers the handler attached to raw.
func (d *Driver) instance(raw *i2c.RawClient) (Handler, error) {
	if raw == nil {
		return nil, ErrNoHandler
	}
	h, ok := raw.ClientData().(Handler)
	if !ok || h == nil {
		return nil, ErrNoHandler
	}
	return h, nil
}

func (d *Driver) probe(raw *i2c.RawClient) int {
	client := i2c.Borrow(raw)
	h, err := d.instance(raw)
	if err != nil {
		d.log.WithError(err).Error("failed to retrieve driver instance in probe callback")
		return errno.Code(err)
	}
	if err := h.Probe(client); err != nil {
		d.log.WithError(err).WithField("client", client.String()).Error("probe failed")
		return errno.Code(err)
	}
	return 0
}

func (d *Driver) remove(raw *i2c.RawClient) {
	client := i2c.Borrow(raw)
	h, err := d.instance(raw)
	if err != nil {
		d.log.WithError(err).Error("failed to retrieve driver instance in remove callback")
		return
	}
	h.Remove(client)
	client.FreeClientData()
}

func (d *Driver) shutdown(raw *i2c.RawClient) {
	client := i2c.Borrow(raw)
	h, err := d.instance(raw)
	if err != nil {
		d.log.WithError(err).Error("failed to retrieve driver instance in shutdown callback")
		return
	}
	h.Shutdown(client)
}

func (d *Driver) alert(raw *i2c.RawClient, proto i2c.AlertProtocol, data uint32) {
	client := i2c.Borrow(raw)
	h, err := d.instance(raw)
	if err != nil {
		d.log.WithError(err).Error("failed to retrieve driver instance in alert callback")
		return
	}
	h.Alert(client, proto, data)
}

func (d *Driver) command(raw *i2c.RawClient, cmd uint32, arg any) int {
	client := i2c.Borrow(raw)
	h, err := d.instance(raw)
	if err != nil {
		d.log.WithError(err).Error("failed to retrieve driver instance in command callback")
		return errno.Code(err)
	}
	return errno.Code(h.Command(client, cmd, arg))
}

func (d *Driver) detect(raw *i2c.RawClient, info *i2c.BoardInfo) int {
	client := i2c.Borrow(raw)
	h, err := d.instance(raw)
	if err != nil {
		d.log.WithError(err).Error("failed to retrieve driver instance in detect callback")
		return errno.Code(err)
	}
	return errno.Code(h.Detect(client, info))
}

// IsNoHandler reports whether err came from a dispatch without client data.
func IsNoHandler(err error) bool {
	return errors.Is(err, ErrNoHandler)
}
