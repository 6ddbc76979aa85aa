package mcu_test

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accelnode/host/mcu"
	"accelnode/host/sim"
	"accelnode/protocol"
)

func connect(t *testing.T) (*mcu.MCU, *sim.MCU) {
	t.Helper()
	hostEnd, fwEnd := net.Pipe()
	fw := sim.NewMCU(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fw.Serve(ctx, fwEnd) }()

	m := mcu.New(hostEnd, nil)
	t.Cleanup(func() {
		m.Close()
		cancel()
		assert.NoError(t, <-done)
	})
	return m, fw
}

func TestIdentify(t *testing.T) {
	m, _ := connect(t)
	ctx := context.Background()

	assert.ErrorIs(t, m.Send(ctx, "config_i2c", nil), mcu.ErrNoDictionary)

	require.NoError(t, m.Identify(ctx))
	d := m.Dictionary()
	require.NotNil(t, d)
	assert.Equal(t, "sim-0.1.0", d.Version)
	// Compressed, and longer than one identify chunk.
	raw := m.RawDictionary()
	assert.Equal(t, byte(0x78), raw[0])
	assert.Greater(t, len(raw), 40)

	id, ok := d.Command("identify")
	assert.True(t, ok)
	assert.Equal(t, uint32(mcu.IdentifyID), id)
	id, ok = d.Response("identify_response")
	assert.True(t, ok)
	assert.Equal(t, uint32(mcu.IdentifyResponseID), id)
	_, ok = d.Command("i2c_read")
	assert.True(t, ok)
	_, ok = d.Command("i2c_read_response")
	assert.False(t, ok, "responses are not commands")
}

func TestQueryAndSend(t *testing.T) {
	m, _ := connect(t)
	ctx := context.Background()
	require.NoError(t, m.Identify(ctx))

	resp, err := m.Query(ctx, "get_config", nil, "config", nil)
	require.NoError(t, err)
	var isConfig, crc, isShutdown, moves uint32
	require.NoError(t, protocol.DecodeArgs(&resp, &isConfig, &crc, &isShutdown, &moves))
	assert.Zero(t, isShutdown)

	assert.NoError(t, m.Send(ctx, "config_reset", nil))
	assert.ErrorIs(t, m.Send(ctx, "queue_step", nil), mcu.ErrUnknownCommand)
	_, err = m.Query(ctx, "get_config", nil, "stats", nil)
	assert.ErrorIs(t, err, mcu.ErrUnknownCommand)
}

func TestDictionarySummary(t *testing.T) {
	m, _ := connect(t)
	require.NoError(t, m.Identify(context.Background()))

	var sb strings.Builder
	m.Dictionary().Summary(&sb)
	out := sb.String()
	assert.Contains(t, out, "version: sim-0.1.0")
	assert.Contains(t, out, "config MCU = sim")
	assert.Contains(t, out, "command [1] identify offset=%u count=%c")
	assert.Contains(t, out, "response [0] identify_response offset=%u data=%*s")
}

func TestParseDictionary(t *testing.T) {
	d, err := mcu.ParseDictionary([]byte(`{"version":"v1","commands":{"reset":3},"responses":{"clock clock=%u":4}}`))
	require.NoError(t, err)
	id, ok := d.Command("reset")
	assert.True(t, ok)
	assert.Equal(t, uint32(3), id)
	id, ok = d.Response("clock")
	assert.True(t, ok)
	assert.Equal(t, uint32(4), id)

	enc, err := d.Encode()
	require.NoError(t, err)
	back, err := mcu.ParseDictionary(enc)
	require.NoError(t, err)
	assert.Equal(t, d, back)

	_, err = mcu.ParseDictionary([]byte{0x78, 0x9C, 0x00})
	assert.Error(t, err)
	_, err = mcu.ParseDictionary([]byte("not json"))
	assert.Error(t, err)
}
