// Package accel puts the pieces together: it instantiates the accelerometer
// on its bus, registers the driver whose probe exposes the character node,
// and tears everything down again.
package accel

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"accelnode/adxl345"
	"accelnode/chardev"
	"accelnode/driver"
	"accelnode/i2c"
)

// ThisModule owns the driver and node registrations.
var ThisModule = &i2c.Module{Name: "accelnode"}

// Config selects the device and node.
type Config struct {
	Adapter  int
	Address  uint16
	NodeName string
	Minor    uint16
	Sampling chardev.Config
}

func DefaultConfig() Config {
	return Config{
		Adapter:  adxl345.DefaultAdapter,
		Address:  adxl345.DefaultAddress,
		NodeName: adxl345.DriverName,
		Sampling: chardev.DefaultConfig(),
	}
}

// Module is a loaded instance of the driver.
type Module struct {
	client   *i2c.Client
	driver   *driver.Driver
	handler  *Handler
	registry *chardev.Registry
	log      *log.Entry
}

// Init creates the device on its adapter and registers the driver. The
// device is probed before Init returns; use Bound to learn whether the probe
// succeeded.
func Init(core i2c.Core, table *chardev.Table, cfg Config) (*Module, error) {
	logger := log.WithField("component", "accel")

	client, err := i2c.NewClientDevice(core, cfg.Adapter, i2c.NewBoardInfo(adxl345.DriverName, cfg.Address))
	if err != nil {
		logger.WithError(err).Error("failed to create i2c client")
		return nil, err
	}

	registry := chardev.NewRegistry()
	h := &Handler{
		client:   client,
		owner:    ThisModule,
		table:    table,
		registry: registry,
		pipeline: chardev.NewPipeline(registry, cfg.Sampling),
		nodeName: cfg.NodeName,
		minor:    cfg.Minor,
		wake:     cfg.Sampling.WakeDelay,
		log:      logger,
	}

	// The handler has to be reachable from the client before the driver is
	// added, since adding it probes the client.
	client.SetClientData(h)

	idTable := []i2c.DeviceID{i2c.NewDeviceID(adxl345.DriverName, 0), {}}
	drv, err := driver.NewBuilder(core, idTable, adxl345.DriverName, ThisModule).Build()
	if err != nil {
		client.Close()
		return nil, err
	}
	if err := drv.AddDriver(); err != nil {
		logger.WithError(err).Error("failed to add i2c driver")
		drv.RemoveDriver()
		client.Close()
		return nil, err
	}

	m := &Module{client: client, driver: drv, handler: h, registry: registry, log: logger}
	if !m.Bound() {
		logger.WithField("client", client.String()).Warn("device did not bind")
	}
	logger.Info("module initialized")
	return m, nil
}

// Bound reports whether the probe published a device.
func (m *Module) Bound() bool {
	_, err := m.registry.Device()
	return err == nil
}

func (m *Module) Registry() *chardev.Registry { return m.registry }
func (m *Module) Client() *i2c.Client         { return m.client }

// Exit removes the driver, which removes the device node, and then the
// device itself.
func (m *Module) Exit() {
	m.driver.RemoveDriver()
	if err := m.client.Close(); err != nil {
		m.log.WithError(err).Warn("failed to close i2c client")
	}
	m.log.Info("module removed")
}

// Handler binds the accelerometer to the driver events.
type Handler struct {
	driver.Base

	// client is the owning client of the device this handler serves.
	client   *i2c.Client
	owner    *i2c.Module
	table    *chardev.Table
	registry *chardev.Registry
	pipeline *chardev.Pipeline
	nodeName string
	minor    uint16
	wake     time.Duration
	log      *log.Entry
}

// Probe configures the part and exposes its node. A configuration failure
// leaves nothing registered.
func (h *Handler) Probe(c *i2c.Client) error {
	h.log.WithField("client", c.String()).Info("probe called")

	// The device state keeps the owning client; the probed one is only
	// borrowed for the callback.
	owned := c
	if h.client != nil && h.client.Raw() == c.Raw() {
		owned = h.client
	}
	shared := adxl345.NewShared(adxl345.New(owned))
	if err := adxl345.Init(shared, h.wake); err != nil {
		h.log.WithError(err).Error("failed to initialize device")
		return err
	}

	reg, err := chardev.Register(h.table, h.nodeName, h.minor, h.owner, h.pipeline)
	if err != nil {
		h.log.WithError(err).Error("failed to register char device")
		return fmt.Errorf("register node %s: %w", h.nodeName, err)
	}
	_ = shared.Do(func(d *adxl345.Device) error {
		d.SetRegistration(reg)
		return nil
	})

	h.registry.Publish(shared)
	h.log.WithField("node", h.nodeName).Info("device probed")
	return nil
}

// Remove withdraws the device and puts the part in standby.
func (h *Handler) Remove(c *i2c.Client) {
	h.log.WithField("client", c.String()).Info("remove called")

	shared := h.registry.Clear()
	if shared == nil {
		h.log.Warn("remove without an active device")
		return
	}
	if err := adxl345.Clean(shared); err != nil {
		h.log.WithError(err).Error("failed to clean device")
	}
	_ = shared.Do(func(d *adxl345.Device) error {
		return d.DropRegistration()
	})
}
