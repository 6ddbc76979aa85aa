// Package i2ccore is a userspace I2C bus subsystem. It keeps track of
// adapters, client devices and drivers, binds clients to drivers through
// their id tables or address detection, delivers lifecycle events through
// each driver's entry points, and carries out transfers on the adapters.
//
// Adapters are anything that speaks tinygo's drivers.I2C. Adapters that also
// implement SMBusAdapter execute SMBus transactions natively; for all others
// the transactions are emulated with plain transfers.
package i2ccore

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"tinygo.org/x/drivers"

	"accelnode/errno"
	"accelnode/i2c"
)

type adapter struct {
	nr    int
	name  string
	bus   drivers.I2C
	class uint32

	// mu is the bus lock, held for one transaction.
	mu sync.Mutex
}

type client struct {
	raw      *i2c.RawClient
	detected *i2c.DriverDesc // driver whose detection created it
}

// Core implements i2c.Core.
type Core struct {
	log *log.Entry

	// reg serialises attach and detach, callbacks included.
	reg sync.Mutex

	mu       sync.Mutex
	adapters map[int]*adapter
	clients  []*client
	drivers  []*i2c.DriverDesc
}

// New returns an empty bus subsystem. A nil logger means the standard logger.
func New(logger *log.Entry) *Core {
	if logger == nil {
		logger = log.WithField("component", "i2ccore")
	}
	return &Core{
		log:      logger,
		adapters: make(map[int]*adapter),
	}
}

// AddAdapter registers bus as adapter nr. Registered drivers whose class
// matches get a chance to detect devices on it.
func (c *Core) AddAdapter(nr int, name string, bus drivers.I2C, class uint32) error {
	if bus == nil {
		return fmt.Errorf("add adapter %d: %w", nr, errno.ErrInvalidArgument)
	}

	c.reg.Lock()
	defer c.reg.Unlock()

	c.mu.Lock()
	if _, ok := c.adapters[nr]; ok {
		c.mu.Unlock()
		return fmt.Errorf("add adapter %d: %w", nr, unix.EBUSY)
	}
	a := &adapter{nr: nr, name: name, bus: bus, class: class}
	c.adapters[nr] = a
	drvs := append([]*i2c.DriverDesc(nil), c.drivers...)
	c.mu.Unlock()

	c.log.WithFields(log.Fields{"adapter": nr, "name": name}).Info("adapter registered")

	for _, d := range drvs {
		c.detect(a, d)
	}
	return nil
}

// DelAdapter unregisters every client on adapter nr and then the adapter.
func (c *Core) DelAdapter(nr int) error {
	c.reg.Lock()
	defer c.reg.Unlock()

	c.mu.Lock()
	if _, ok := c.adapters[nr]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("del adapter %d: %w", nr, unix.ENODEV)
	}
	var gone []*i2c.RawClient
	for _, cl := range c.clients {
		if cl.raw.Adapter() == nr {
			gone = append(gone, cl.raw)
		}
	}
	c.mu.Unlock()

	for _, raw := range gone {
		c.unregister(raw)
	}

	c.mu.Lock()
	delete(c.adapters, nr)
	c.mu.Unlock()

	c.log.WithField("adapter", nr).Info("adapter unregistered")
	return nil
}

// Adapters lists the registered adapter numbers in ascending order.
func (c *Core) Adapters() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	nrs := make([]int, 0, len(c.adapters))
	for nr := range c.adapters {
		nrs = append(nrs, nr)
	}
	sort.Ints(nrs)
	return nrs
}

// Clients returns the registered clients.
func (c *Core) Clients() []*i2c.RawClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*i2c.RawClient, len(c.clients))
	for i, cl := range c.clients {
		out[i] = cl.raw
	}
	return out
}

func (c *Core) adapterFor(raw *i2c.RawClient) (*adapter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.adapters[raw.Adapter()]
	if !ok {
		return nil, &errno.IOError{Op: "adapter " + raw.String(), Errno: unix.ENODEV}
	}
	return a, nil
}

func (c *Core) busy(nr int, addr uint16) bool {
	for _, cl := range c.clients {
		if cl.raw.Adapter() == nr && cl.raw.Addr() == addr {
			return true
		}
	}
	return false
}

// NewClientDevice instantiates a device and binds it to a matching driver.
func (c *Core) NewClientDevice(bus int, info i2c.BoardInfo) (*i2c.RawClient, error) {
	c.reg.Lock()
	defer c.reg.Unlock()
	return c.newClient(bus, info, nil)
}

func (c *Core) newClient(bus int, info i2c.BoardInfo, detectedBy *i2c.DriverDesc) (*i2c.RawClient, error) {
	if info.Addr > 0x7F {
		return nil, fmt.Errorf("invalid 7-bit address %#x: %w", info.Addr, unix.EINVAL)
	}

	c.mu.Lock()
	if _, ok := c.adapters[bus]; !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("adapter %d: %w", bus, unix.ENODEV)
	}
	if c.busy(bus, info.Addr) {
		c.mu.Unlock()
		return nil, fmt.Errorf("address %#x on adapter %d: %w", info.Addr, bus, unix.EBUSY)
	}
	raw := i2c.NewRawClient(c, bus, info)
	c.clients = append(c.clients, &client{raw: raw, detected: detectedBy})
	drvs := append([]*i2c.DriverDesc(nil), c.drivers...)
	c.mu.Unlock()

	c.log.WithFields(log.Fields{"client": raw.String(), "name": raw.Name()}).Info("instantiated device")

	for _, d := range drvs {
		if _, ok := d.Match(raw.Name()); ok {
			c.probe(raw, d)
			break
		}
	}
	return raw, nil
}

// UnregisterDevice removes the device, unbinding it first.
func (c *Core) UnregisterDevice(raw *i2c.RawClient) {
	c.reg.Lock()
	defer c.reg.Unlock()
	c.unregister(raw)
}

func (c *Core) unregister(raw *i2c.RawClient) {
	c.release(raw)

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cl := range c.clients {
		if cl.raw == raw {
			c.clients = append(c.clients[:i], c.clients[i+1:]...)
			c.log.WithField("client", raw.String()).Info("deleted device")
			return
		}
	}
}

func (c *Core) probe(raw *i2c.RawClient, d *i2c.DriverDesc) {
	if raw.Driver() != nil || d.Probe == nil {
		return
	}
	raw.Bind(d)
	if ret := d.Probe(raw); ret < 0 {
		raw.Bind(nil)
		c.log.WithFields(log.Fields{
			"client": raw.String(),
			"driver": d.Name,
			"errno":  unix.Errno(-ret).Error(),
		}).Warn("probe failed")
		return
	}
	c.log.WithFields(log.Fields{"client": raw.String(), "driver": d.Name}).Info("bound device")
}

func (c *Core) release(raw *i2c.RawClient) {
	d := raw.Driver()
	if d == nil {
		return
	}
	if d.Remove != nil {
		d.Remove(raw)
	}
	raw.Bind(nil)
}

// AddDriver registers d, probes every matching unbound client and runs
// address detection on adapters of the driver's class.
func (c *Core) AddDriver(d *i2c.DriverDesc) int {
	if d == nil || d.Name == "" {
		return -int(unix.EINVAL)
	}

	c.reg.Lock()
	defer c.reg.Unlock()

	c.mu.Lock()
	for _, have := range c.drivers {
		if have == d || have.Name == d.Name {
			c.mu.Unlock()
			return -int(unix.EBUSY)
		}
	}
	c.drivers = append(c.drivers, d)
	var candidates []*i2c.RawClient
	for _, cl := range c.clients {
		if cl.raw.Driver() != nil {
			continue
		}
		if _, ok := d.Match(cl.raw.Name()); ok {
			candidates = append(candidates, cl.raw)
		}
	}
	adapters := c.sortedAdapters()
	c.mu.Unlock()

	c.log.WithField("driver", d.Name).Info("registered driver")

	for _, raw := range candidates {
		c.probe(raw, d)
	}
	for _, a := range adapters {
		c.detect(a, d)
	}
	return 0
}

func (c *Core) sortedAdapters() []*adapter {
	out := make([]*adapter, 0, len(c.adapters))
	for _, a := range c.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].nr < out[j].nr })
	return out
}

// detect asks d to identify devices at its listed addresses on a.
func (c *Core) detect(a *adapter, d *i2c.DriverDesc) {
	if d.Detect == nil || len(d.AddressList) == 0 || a.class&d.Class == 0 {
		return
	}
	for _, addr := range d.AddressList {
		c.mu.Lock()
		taken := c.busy(a.nr, addr)
		c.mu.Unlock()
		if taken {
			continue
		}

		info := i2c.BoardInfo{Addr: addr}
		tmp := i2c.NewRawClient(c, a.nr, info)
		if ret := d.Detect(tmp, &info); ret < 0 || info.Type == "" {
			continue
		}
		if _, ok := d.Match(info.Type); !ok {
			c.log.WithFields(log.Fields{"driver": d.Name, "type": info.Type}).Warn("detected device not in id table")
			continue
		}
		c.log.WithFields(log.Fields{"driver": d.Name, "adapter": a.nr, "addr": fmt.Sprintf("%#02x", addr)}).Info("detected device")
		if _, err := c.newClient(a.nr, info, d); err != nil {
			c.log.WithError(err).Warn("failed to instantiate detected device")
		}
	}
}

// DelDriver unbinds every client bound to d, deletes the clients its
// detection created, and forgets d.
func (c *Core) DelDriver(d *i2c.DriverDesc) {
	if d == nil {
		return
	}

	c.reg.Lock()
	defer c.reg.Unlock()

	c.mu.Lock()
	var bound, detected []*i2c.RawClient
	for _, cl := range c.clients {
		switch {
		case cl.detected == d:
			detected = append(detected, cl.raw)
		case cl.raw.Driver() == d:
			bound = append(bound, cl.raw)
		}
	}
	c.mu.Unlock()

	for _, raw := range bound {
		c.release(raw)
	}
	for _, raw := range detected {
		c.unregister(raw)
	}

	c.mu.Lock()
	for i, have := range c.drivers {
		if have == d {
			c.drivers = append(c.drivers[:i], c.drivers[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	c.log.WithField("driver", d.Name).Info("unregistered driver")
}

func (c *Core) boundClients() []*i2c.RawClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*i2c.RawClient
	for _, cl := range c.clients {
		if cl.raw.Driver() != nil {
			out = append(out, cl.raw)
		}
	}
	return out
}

// Shutdown delivers the shutdown event to every bound device.
func (c *Core) Shutdown() {
	c.reg.Lock()
	defer c.reg.Unlock()
	for _, raw := range c.boundClients() {
		if d := raw.Driver(); d != nil && d.Shutdown != nil {
			d.Shutdown(raw)
		}
	}
}

// Alert delivers an SMBus alert from addr on adapter nr to its driver.
func (c *Core) Alert(nr int, addr uint16, proto i2c.AlertProtocol, data uint32) error {
	c.reg.Lock()
	defer c.reg.Unlock()
	for _, raw := range c.boundClients() {
		if raw.Adapter() != nr || raw.Addr() != addr {
			continue
		}
		if d := raw.Driver(); d.Alert != nil {
			d.Alert(raw, proto, data)
		}
		return nil
	}
	return fmt.Errorf("alert from %d-%04x: %w", nr, addr, unix.ENODEV)
}

// Command sends cmd to every bound device on adapter nr. Individual failures
// are logged.
func (c *Core) Command(nr int, cmd uint32, arg any) {
	c.reg.Lock()
	defer c.reg.Unlock()
	for _, raw := range c.boundClients() {
		if raw.Adapter() != nr {
			continue
		}
		d := raw.Driver()
		if d.Command == nil {
			continue
		}
		if ret := d.Command(raw, cmd, arg); ret < 0 {
			c.log.WithFields(log.Fields{"client": raw.String(), "cmd": cmd}).Warn("command failed")
		}
	}
}

// Functionality reports what the client's adapter can do.
func (c *Core) Functionality(raw *i2c.RawClient) i2c.Functionality {
	a, err := c.adapterFor(raw)
	if err != nil {
		return 0
	}
	if f, ok := a.bus.(FunctionalityReporter); ok {
		return f.Functionality()
	}
	return emulatedFunc
}

func (c *Core) MasterSend(raw *i2c.RawClient, buf []byte) int {
	a, err := c.adapterFor(raw)
	if err != nil {
		return errno.Code(err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.bus.Tx(raw.Addr(), buf, nil); err != nil {
		return errno.Code(err)
	}
	return len(buf)
}

func (c *Core) MasterRecv(raw *i2c.RawClient, buf []byte) int {
	a, err := c.adapterFor(raw)
	if err != nil {
		return errno.Code(err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.bus.Tx(raw.Addr(), nil, buf); err != nil {
		return errno.Code(err)
	}
	return len(buf)
}

var _ i2c.Core = (*Core)(nil)
