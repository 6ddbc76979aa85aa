// Package adxl345 implements the register protocol of the ADXL345 3-axis
// accelerometer on top of an i2c.Client.
package adxl345

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"accelnode/errno"
	"accelnode/i2c"
)

// SampleSize is the wire size of a Sample.
const SampleSize = 6

// Sample is one acceleration reading.
type Sample struct {
	X, Y, Z int16
}

// Put encodes s little-endian into b[:SampleSize].
func (s Sample) Put(b []byte) {
	binary.LittleEndian.PutUint16(b[0:], uint16(s.X))
	binary.LittleEndian.PutUint16(b[2:], uint16(s.Y))
	binary.LittleEndian.PutUint16(b[4:], uint16(s.Z))
}

// ParseSample decodes the wire form written by Put.
func ParseSample(b []byte) Sample {
	return Sample{
		X: int16(binary.LittleEndian.Uint16(b[0:])),
		Y: int16(binary.LittleEndian.Uint16(b[2:])),
		Z: int16(binary.LittleEndian.Uint16(b[4:])),
	}
}

// decodeRaw turns the DATAX0..DATAZ1 register block into a sample. Each axis
// is shifted left by two so full resolution spans the int16 range.
func decodeRaw(raw []byte) Sample {
	return Sample{
		X: int16(binary.LittleEndian.Uint16(raw[0:])) << 2,
		Y: int16(binary.LittleEndian.Uint16(raw[2:])) << 2,
		Z: int16(binary.LittleEndian.Uint16(raw[4:])) << 2,
	}
}

func (s Sample) String() string {
	return fmt.Sprintf("x -> %d, y -> %d, z -> %d (mg)", s.X, s.Y, s.Z)
}

// Device is the state of the bound accelerometer. Use it through Shared.
type Device struct {
	client       *i2c.Client
	registration io.Closer
	log          *log.Entry
}

// New wraps client. The client is expected to be owned by the caller of the
// probe; Device never closes it.
func New(client *i2c.Client) *Device {
	return &Device{
		client: client,
		log:    log.WithFields(log.Fields{"component": DriverName, "client": client.String()}),
	}
}

func (d *Device) Client() *i2c.Client { return d.client }

// SetRegistration stores the node registration released by DropRegistration.
func (d *Device) SetRegistration(r io.Closer) { d.registration = r }

// Registration returns the node registration, nil if none.
func (d *Device) Registration() io.Closer { return d.registration }

// DropRegistration closes and forgets the node registration.
func (d *Device) DropRegistration() error {
	r := d.registration
	d.registration = nil
	if r == nil {
		return nil
	}
	return r.Close()
}

func (d *Device) ReadRegister(reg uint8) (uint8, error) {
	return d.client.ReadByteData(reg)
}

func (d *Device) WriteRegister(reg, value uint8) error {
	return d.client.WriteByteData(reg, value)
}

// DeviceID reads the DEVID register.
func (d *Device) DeviceID() (uint8, error) {
	id, err := d.ReadRegister(RegDEVID)
	if err != nil {
		d.log.WithError(err).Error("failed to read DEVID register")
		return 0, err
	}
	if id != DeviceIDValue {
		d.log.Warnf("unexpected device id %#02x", id)
	}
	return id, nil
}

// DataReady reports whether INT_SOURCE has DATA_READY set.
func (d *Device) DataReady() (bool, error) {
	v, err := d.ReadRegister(RegINT_SOURCE)
	if err != nil {
		d.log.WithError(err).Error("failed to read INT_SOURCE register")
		return false, err
	}
	return v&intSourceReady != 0, nil
}

// EnableMeasure sets the measure bit of POWER_CTL. The part needs about 2 ms
// to wake up afterwards.
func (d *Device) EnableMeasure() error {
	v, err := d.ReadRegister(RegPOWER_CTL)
	if err != nil {
		d.log.WithError(err).Error("failed to enable measure")
		return err
	}
	if err := d.WriteRegister(RegPOWER_CTL, v|powerCtlMeasure); err != nil {
		d.log.WithError(err).Error("failed to enable measure")
		return err
	}
	return nil
}

// DisableMeasure clears the measure bit of POWER_CTL.
func (d *Device) DisableMeasure() error {
	v, err := d.ReadRegister(RegPOWER_CTL)
	if err != nil {
		d.log.WithError(err).Error("failed to disable measure")
		return err
	}
	if err := d.WriteRegister(RegPOWER_CTL, v&^powerCtlMeasure); err != nil {
		d.log.WithError(err).Error("failed to disable measure")
		return err
	}
	return nil
}

// SetDefaultConfig puts the part in standby with interrupts off, normal
// power, full resolution and FIFO bypass. The first failing step aborts; the
// steps before it are not undone.
func (d *Device) SetDefaultConfig() error {
	if err := d.WriteRegister(RegPOWER_CTL, 0x00); err != nil {
		d.log.WithError(err).Error("failed to set POWER_CTL to standby")
		return err
	}
	if err := d.WriteRegister(RegINT_ENABLE, 0x00); err != nil {
		d.log.WithError(err).Error("failed to disable interrupts")
		return err
	}

	v, err := d.ReadRegister(RegBW_RATE)
	if err != nil {
		d.log.WithError(err).Error("failed to read BW_RATE register")
		return err
	}
	d.log.Debugf("output data rate code %#x", v&0x0F)
	if err := d.WriteRegister(RegBW_RATE, v&^bwRateLowPower); err != nil {
		d.log.WithError(err).Error("failed to configure BW_RATE register")
		return err
	}

	if err := d.WriteRegister(RegDATA_FORMAT, dataFormatFullHi); err != nil {
		d.log.WithError(err).Error("failed to set DATA_FORMAT")
		return err
	}
	if err := d.WriteRegister(RegINT_MAP, 0x00); err != nil {
		d.log.WithError(err).Error("failed to route interrupts to INT1")
		return err
	}

	v, err = d.ReadRegister(RegFIFO_CTL)
	if err != nil {
		d.log.WithError(err).Error("failed to read FIFO_CTL register")
		return err
	}
	if err := d.WriteRegister(RegFIFO_CTL, v&^fifoCtlModeMask); err != nil {
		d.log.WithError(err).Error("failed to configure FIFO_CTL register")
		return err
	}
	return nil
}

// ReadData reads the six data registers in one fixed-length block.
func (d *Device) ReadData() (Sample, error) {
	var raw [SampleSize]byte
	n, err := d.client.ReadI2CBlock(RegDATAX0, SampleSize, raw[:])
	if err != nil {
		d.log.WithError(err).Error("could not read block data")
		return Sample{}, err
	}
	if n != SampleSize {
		d.log.Errorf("incomplete data read: %d bytes", n)
		return Sample{}, fmt.Errorf("read data: got %d of %d bytes: %w", n, SampleSize, errno.ErrInvalidData)
	}
	return decodeRaw(raw[:]), nil
}

// Shared serialises access to a Device.
type Shared struct {
	mu  sync.Mutex
	dev *Device
}

func NewShared(dev *Device) *Shared {
	return &Shared{dev: dev}
}

// Lock acquires exclusive access and returns the device.
func (s *Shared) Lock() *Device {
	s.mu.Lock()
	return s.dev
}

func (s *Shared) Unlock() { s.mu.Unlock() }

// Do runs fn with the lock held.
func (s *Shared) Do(fn func(d *Device) error) error {
	d := s.Lock()
	defer s.Unlock()
	return fn(d)
}

// Init is the probe-time sequence: default configuration, a single test
// measurement and back to standby. The lock is released while the part wakes
// up.
func Init(s *Shared, wake time.Duration) error {
	err := s.Do(func(d *Device) error {
		if err := d.SetDefaultConfig(); err != nil {
			d.log.WithError(err).Error("failed to set default configuration")
			return err
		}
		if err := d.EnableMeasure(); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if wake > 0 {
		time.Sleep(wake)
	}

	return s.Do(func(d *Device) error {
		sample, err := d.ReadData()
		if err != nil {
			d.log.WithError(err).Info("failed to read data sample")
			return err
		}
		d.log.Info(sample.String())
		return d.DisableMeasure()
	})
}

// Clean disables interrupts and puts the part in standby.
func Clean(s *Shared) error {
	return s.Do(func(d *Device) error {
		if err := d.WriteRegister(RegINT_ENABLE, 0x00); err != nil {
			d.log.WithError(err).Error("failed writing INT_ENABLE register")
			return err
		}
		if err := d.WriteRegister(RegPOWER_CTL, 0x00); err != nil {
			d.log.WithError(err).Error("failed writing POWER_CTL register")
			return err
		}
		return nil
	})
}
