package adxl345_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"tinygo.org/x/drivers/tester"

	"accelnode/adxl345"
	"accelnode/errno"
	"accelnode/host/i2ccore"
	"accelnode/i2c"
	"accelnode/i2c/i2ctest"
)

func newDevice(t *testing.T) (*adxl345.Device, *i2ctest.Core) {
	t.Helper()
	core := i2ctest.New()
	client, err := i2c.NewClientDevice(core, adxl345.DefaultAdapter, i2c.NewBoardInfo(adxl345.DriverName, adxl345.DefaultAddress))
	require.NoError(t, err)
	return adxl345.New(client), core
}

func TestReadDataDecodes(t *testing.T) {
	dev, core := newDevice(t)
	core.I2CBlockHook = func(reg uint8, n uint8, buf []byte) (int, bool) {
		copy(buf, []byte{0x04, 0x00, 0x08, 0x00, 0x0C, 0x00})
		return 6, true
	}

	got, err := dev.ReadData()
	require.NoError(t, err)
	assert.Equal(t, adxl345.Sample{X: 16, Y: 32, Z: 48}, got)
	assert.Equal(t, []i2ctest.Call{{Op: i2ctest.OpReadI2CBlock, Reg: adxl345.RegDATAX0}}, core.Calls)
}

func TestReadDataSignExtends(t *testing.T) {
	dev, core := newDevice(t)
	// -1, -256 and 0x1FFF in device counts
	core.I2CBlockHook = func(reg uint8, n uint8, buf []byte) (int, bool) {
		copy(buf, []byte{0xFF, 0xFF, 0x00, 0xFF, 0xFF, 0x1F})
		return 6, true
	}

	got, err := dev.ReadData()
	require.NoError(t, err)
	assert.Equal(t, adxl345.Sample{X: -4, Y: -1024, Z: 0x7FFC}, got)
}

func TestReadDataShortCount(t *testing.T) {
	dev, core := newDevice(t)
	core.I2CBlockHook = func(reg uint8, n uint8, buf []byte) (int, bool) {
		return 4, true
	}

	_, err := dev.ReadData()
	assert.ErrorIs(t, err, errno.ErrInvalidData)
	assert.Equal(t, -int(unix.EINVAL), errno.Code(err))
}

func TestReadDataTransportError(t *testing.T) {
	dev, core := newDevice(t)
	core.Fail(i2ctest.OpReadI2CBlock, adxl345.RegDATAX0, unix.EREMOTEIO)

	_, err := dev.ReadData()
	assert.ErrorIs(t, err, errno.ErrIO)
	assert.ErrorIs(t, err, unix.EREMOTEIO)
}

func TestDefaultConfig(t *testing.T) {
	dev, core := newDevice(t)
	core.SetReg(adxl345.RegPOWER_CTL, 0x2F)
	core.SetReg(adxl345.RegINT_ENABLE, 0x83)
	core.SetReg(adxl345.RegBW_RATE, 0x1A)
	core.SetReg(adxl345.RegDATA_FORMAT, 0xEF)
	core.SetReg(adxl345.RegINT_MAP, 0xFF)
	core.SetReg(adxl345.RegFIFO_CTL, 0xDF)

	require.NoError(t, dev.SetDefaultConfig())

	assert.Equal(t, uint8(0x00), core.Reg(adxl345.RegPOWER_CTL))
	assert.Equal(t, uint8(0x00), core.Reg(adxl345.RegINT_ENABLE))
	assert.Equal(t, uint8(0x0A), core.Reg(adxl345.RegBW_RATE))
	assert.Equal(t, uint8(0x0B), core.Reg(adxl345.RegDATA_FORMAT))
	assert.Equal(t, uint8(0x00), core.Reg(adxl345.RegINT_MAP))
	assert.Equal(t, uint8(0x1F), core.Reg(adxl345.RegFIFO_CTL))

	want := []i2ctest.Call{
		{Op: i2ctest.OpWriteByteData, Reg: adxl345.RegPOWER_CTL},
		{Op: i2ctest.OpWriteByteData, Reg: adxl345.RegINT_ENABLE},
		{Op: i2ctest.OpReadByteData, Reg: adxl345.RegBW_RATE},
		{Op: i2ctest.OpWriteByteData, Reg: adxl345.RegBW_RATE},
		{Op: i2ctest.OpWriteByteData, Reg: adxl345.RegDATA_FORMAT},
		{Op: i2ctest.OpWriteByteData, Reg: adxl345.RegINT_MAP},
		{Op: i2ctest.OpReadByteData, Reg: adxl345.RegFIFO_CTL},
		{Op: i2ctest.OpWriteByteData, Reg: adxl345.RegFIFO_CTL},
	}
	if diff := cmp.Diff(want, core.Calls); diff != "" {
		t.Errorf("config sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaultConfigAbortsOnFailure(t *testing.T) {
	dev, core := newDevice(t)
	core.Fail(i2ctest.OpReadByteData, adxl345.RegBW_RATE, unix.EIO)

	err := dev.SetDefaultConfig()
	assert.ErrorIs(t, err, unix.EIO)

	// standby, interrupts off, failed BW_RATE read, nothing after.
	assert.Equal(t, 3, core.Total())
	assert.Equal(t, 1, core.Count(i2ctest.OpReadByteData))
}

func TestMeasureBitEndsClear(t *testing.T) {
	for _, initial := range []uint8{0x00, 0x08, 0xFF, 0x37} {
		dev, core := newDevice(t)
		core.SetReg(adxl345.RegPOWER_CTL, initial)

		require.NoError(t, dev.SetDefaultConfig())
		require.NoError(t, dev.EnableMeasure())
		assert.NotZero(t, core.Reg(adxl345.RegPOWER_CTL)&0x08)
		require.NoError(t, dev.DisableMeasure())
		assert.Zero(t, core.Reg(adxl345.RegPOWER_CTL)&0x08, "initial %#02x", initial)
	}
}

func TestMeasureKeepsOtherBits(t *testing.T) {
	dev, core := newDevice(t)
	core.SetReg(adxl345.RegPOWER_CTL, 0x23)

	require.NoError(t, dev.EnableMeasure())
	assert.Equal(t, uint8(0x2B), core.Reg(adxl345.RegPOWER_CTL))
	require.NoError(t, dev.DisableMeasure())
	assert.Equal(t, uint8(0x23), core.Reg(adxl345.RegPOWER_CTL))
}

func TestDataReady(t *testing.T) {
	dev, core := newDevice(t)

	core.SetReg(adxl345.RegINT_SOURCE, 0x7F)
	ready, err := dev.DataReady()
	require.NoError(t, err)
	assert.False(t, ready)

	core.SetReg(adxl345.RegINT_SOURCE, 0x80)
	ready, err = dev.DataReady()
	require.NoError(t, err)
	assert.True(t, ready)

	core.Fail(i2ctest.OpReadByteData, adxl345.RegINT_SOURCE, unix.ETIMEDOUT)
	_, err = dev.DataReady()
	assert.ErrorIs(t, err, unix.ETIMEDOUT)
}

func TestInitAndClean(t *testing.T) {
	dev, core := newDevice(t)
	core.SetReg(adxl345.RegINT_ENABLE, 0x80)
	shared := adxl345.NewShared(dev)

	require.NoError(t, adxl345.Init(shared, 0))
	assert.Zero(t, core.Reg(adxl345.RegPOWER_CTL)&0x08, "probe leaves the part in standby")
	assert.Equal(t, 1, core.Count(i2ctest.OpReadI2CBlock), "one verification read")

	core.SetReg(adxl345.RegINT_ENABLE, 0x80)
	core.SetReg(adxl345.RegPOWER_CTL, 0x08)
	require.NoError(t, adxl345.Clean(shared))
	assert.Zero(t, core.Reg(adxl345.RegINT_ENABLE))
	assert.Zero(t, core.Reg(adxl345.RegPOWER_CTL))
}

func TestInitFailsOnVerificationRead(t *testing.T) {
	dev, core := newDevice(t)
	core.I2CBlockHook = func(uint8, uint8, []byte) (int, bool) { return 2, true }

	err := adxl345.Init(adxl345.NewShared(dev), 0)
	assert.ErrorIs(t, err, errno.ErrInvalidData)
	assert.NotZero(t, core.Reg(adxl345.RegPOWER_CTL)&0x08, "no disable after a failed read")
}

func TestDeviceID(t *testing.T) {
	dev, core := newDevice(t)
	core.SetReg(adxl345.RegDEVID, adxl345.DeviceIDValue)
	id, err := dev.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, uint8(0xE5), id)
}

type closer struct{ closed int }

func (c *closer) Close() error { c.closed++; return nil }

func TestRegistrationSlot(t *testing.T) {
	dev, _ := newDevice(t)
	assert.Nil(t, dev.Registration())
	require.NoError(t, dev.DropRegistration())

	reg := &closer{}
	dev.SetRegistration(reg)
	assert.Same(t, reg, dev.Registration())
	require.NoError(t, dev.DropRegistration())
	require.NoError(t, dev.DropRegistration())
	assert.Equal(t, 1, reg.closed)
	assert.Nil(t, dev.Registration())
}

func TestSampleWireForm(t *testing.T) {
	s := adxl345.Sample{X: 16, Y: -32, Z: 0x1234}
	buf := make([]byte, adxl345.SampleSize)
	s.Put(buf)
	assert.Equal(t, []byte{0x10, 0x00, 0xE0, 0xFF, 0x34, 0x12}, buf)
	assert.Equal(t, s, adxl345.ParseSample(buf))
}

// The register protocol against tinygo's mock device on the real bus core.
func TestRegistersOnMockBus(t *testing.T) {
	bus := tester.NewI2CBus(t)
	mock := tester.NewI2CDevice8(t, adxl345.DefaultAddress)
	bus.AddDevice(mock)
	mock.Registers[adxl345.RegDEVID] = adxl345.DeviceIDValue
	mock.Registers[adxl345.RegPOWER_CTL] = 0x08
	mock.Registers[adxl345.RegFIFO_CTL] = 0x9F

	core := i2ccore.New(nil)
	require.NoError(t, core.AddAdapter(adxl345.DefaultAdapter, "mock", bus, 0))
	client, err := i2c.NewClientDevice(core, adxl345.DefaultAdapter, i2c.NewBoardInfo(adxl345.DriverName, adxl345.DefaultAddress))
	require.NoError(t, err)
	dev := adxl345.New(client)

	id, err := dev.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, uint8(adxl345.DeviceIDValue), id)

	require.NoError(t, dev.SetDefaultConfig())
	assert.Equal(t, uint8(0x0B), mock.Registers[adxl345.RegDATA_FORMAT])
	assert.Equal(t, uint8(0x1F), mock.Registers[adxl345.RegFIFO_CTL])
	assert.Zero(t, mock.Registers[adxl345.RegPOWER_CTL])

	for _, v := range []uint8{0x01, 0x7F, 0x80, 0x00, 0x5A} {
		require.NoError(t, dev.WriteRegister(adxl345.RegOFSX, v))
		got, err := dev.ReadRegister(adxl345.RegOFSX)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	copy(mock.Registers[adxl345.RegDATAX0:], []byte{0x04, 0x00, 0x08, 0x00, 0x0C, 0x00})
	s, err := dev.ReadData()
	require.NoError(t, err)
	assert.Equal(t, adxl345.Sample{X: 16, Y: 32, Z: 48}, s)
}
