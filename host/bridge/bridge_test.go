package bridge_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"accelnode/accel"
	"accelnode/adxl345"
	"accelnode/chardev"
	"accelnode/host/bridge"
	"accelnode/host/i2ccore"
	"accelnode/host/mcu"
	"accelnode/host/sim"
)

type rig struct {
	part    *sim.ADXL345
	fw      *sim.MCU
	mcu     *mcu.MCU
	adapter *bridge.Adapter
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{part: sim.NewADXL345(), fw: sim.NewMCU(nil)}

	bus := sim.NewBus()
	bus.Attach(adxl345.DefaultAddress, r.part)
	r.fw.AddBus(0, bus)

	hostEnd, fwEnd := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.fw.Serve(ctx, fwEnd) }()

	r.mcu = mcu.New(hostEnd, nil)
	t.Cleanup(func() {
		r.mcu.Close()
		cancel()
		<-done
	})
	require.NoError(t, r.mcu.Identify(context.Background()))

	var err error
	r.adapter, err = bridge.New(r.mcu, bridge.Config{ResponseTimeout: 200 * time.Millisecond}, nil)
	require.NoError(t, err)
	return r
}

func TestRegisterAccess(t *testing.T) {
	r := newRig(t)

	var id [1]byte
	require.NoError(t, r.adapter.ReadRegister(adxl345.DefaultAddress, adxl345.RegDEVID, id[:]))
	assert.Equal(t, byte(adxl345.DeviceIDValue), id[0])

	require.NoError(t, r.adapter.WriteRegister(adxl345.DefaultAddress, adxl345.RegOFSX, []byte{5, 6}))
	assert.Equal(t, uint8(5), r.part.Register(adxl345.RegOFSX))
	assert.Equal(t, uint8(6), r.part.Register(adxl345.RegOFSX+1))

	var ofs [2]byte
	require.NoError(t, r.adapter.Tx(adxl345.DefaultAddress, []byte{adxl345.RegOFSX}, ofs[:]))
	assert.Equal(t, [2]byte{5, 6}, ofs)

	// Zero-length write, as an SMBus quick probe does.
	assert.NoError(t, r.adapter.Tx(adxl345.DefaultAddress, nil, nil))
}

func TestMissingDeviceShutsDownAndRecovers(t *testing.T) {
	r := newRig(t)

	var b [1]byte
	err := r.adapter.ReadRegister(0x42, 0x00, b[:])
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.ENXIO)
	assert.False(t, r.fw.IsShutdown(), "bridge resets the firmware")

	// Every object is set up again after the shutdown.
	require.NoError(t, r.adapter.ReadRegister(adxl345.DefaultAddress, adxl345.RegDEVID, b[:]))
	assert.Equal(t, byte(adxl345.DeviceIDValue), b[0])
}

func TestTransferLimits(t *testing.T) {
	r := newRig(t)
	assert.ErrorIs(t, r.adapter.Tx(adxl345.DefaultAddress, nil, make([]byte, bridge.MaxTransfer+1)), unix.EINVAL)
	assert.ErrorIs(t, r.adapter.Tx(adxl345.DefaultAddress, make([]byte, bridge.MaxTransfer+1), nil), unix.EINVAL)
	assert.ErrorIs(t, r.adapter.Tx(0x80, nil, nil), unix.EINVAL)
}

func TestNewNeedsDictionary(t *testing.T) {
	hostEnd, fwEnd := net.Pipe()
	defer fwEnd.Close()
	m := mcu.New(hostEnd, nil)
	defer m.Close()

	_, err := bridge.New(m, bridge.Config{}, nil)
	assert.ErrorIs(t, err, mcu.ErrNoDictionary)
}

func TestDriverOverBridge(t *testing.T) {
	r := newRig(t)
	r.part.Push(sim.Raw{X: 1, Y: 1, Z: 1})

	core := i2ccore.New(nil)
	require.NoError(t, core.AddAdapter(adxl345.DefaultAdapter, r.adapter.String(), r.adapter, 0))

	cfg := accel.DefaultConfig()
	cfg.Sampling.WakeDelay = 0
	cfg.Sampling.PollInterval = time.Millisecond
	table := chardev.NewTable()
	m, err := accel.Init(core, table, cfg)
	require.NoError(t, err)
	defer m.Exit()
	require.True(t, m.Bound())

	node, ok := table.Lookup(cfg.NodeName)
	require.True(t, ok)
	f, err := node.Open(unix.O_RDONLY)
	require.NoError(t, err)
	defer node.Release(f)

	r.part.Push(sim.Raw{X: 25, Y: 50, Z: 75})
	buf := make([]byte, adxl345.SampleSize*4)
	n, err := node.Read(context.Background(), f, buf)
	require.NoError(t, err)
	require.Equal(t, adxl345.SampleSize, n)
	assert.Equal(t, adxl345.Sample{X: 100, Y: 200, Z: 300}, adxl345.ParseSample(buf))
}
