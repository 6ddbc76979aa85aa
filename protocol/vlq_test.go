package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVLQInt(t *testing.T) {
	for _, v := range []int32{0, 1, -1, 31, -32, 95, 96, 127, -127, 128, -128, 1000, -1000, 65535, -65535, 1000000, -1000000, 1 << 30, -(1 << 30)} {
		data := AppendVLQInt(nil, v)
		got, err := DecodeVLQInt(&data)
		require.NoError(t, err, "value %d", v)
		assert.Equal(t, v, got)
		assert.Empty(t, data, "value %d left bytes", v)
	}
}

func TestVLQUint(t *testing.T) {
	for _, v := range []uint32{0, 1, 127, 128, 255, 1000, 65535, 1000000, 0xFFFFFFFF} {
		data := AppendVLQUint(nil, v)
		got, err := DecodeVLQUint(&data)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestVLQEncodedLength(t *testing.T) {
	tests := []struct {
		v    int32
		want []byte
	}{
		{0, []byte{0x00}},
		{95, []byte{0x5F}},
		{96, []byte{0x80, 0x60}},
		{-1, []byte{0x7F}},
		{-32, []byte{0x60}},
		{-33, []byte{0xFF, 0x5F}},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, AppendVLQInt(nil, tc.v), "value %d", tc.v)
	}
}

func TestVLQBytes(t *testing.T) {
	for _, b := range [][]byte{{}, {0x01}, {0x01, 0x02, 0x03}, {0xFF, 0xFE, 0xFD}, make([]byte, 50)} {
		data := AppendVLQBytes(nil, b)
		got, err := DecodeVLQBytes(&data)
		require.NoError(t, err)
		assert.Equal(t, b, got)
		assert.Empty(t, data)
	}
}

func TestVLQTruncated(t *testing.T) {
	data := []byte{0x80}
	_, err := DecodeVLQInt(&data)
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	data = nil
	_, err = DecodeVLQUint(&data)
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	data = []byte{0x05, 0x01, 0x02}
	_, err = DecodeVLQBytes(&data)
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestDecodeArgs(t *testing.T) {
	data := AppendVLQUint(nil, 3)
	data = AppendVLQUint(data, 400000)
	data = AppendVLQUint(data, 0x1D)

	var oid, rate, addr uint32
	require.NoError(t, DecodeArgs(&data, &oid, &rate, &addr))
	assert.Equal(t, []uint32{3, 400000, 0x1D}, []uint32{oid, rate, addr})

	assert.ErrorIs(t, DecodeArgs(&data, &oid), ErrBufferTooSmall)
}
