package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextSeq(t *testing.T) {
	assert.Equal(t, uint8(0x11), NextSeq(0x10))
	assert.Equal(t, uint8(0x10), NextSeq(0x1F))
}

func TestAppendFrame(t *testing.T) {
	frame, err := AppendFrame(nil, 0x13, []byte{0x01, 0x02})
	require.NoError(t, err)
	require.Len(t, frame, 7)
	assert.Equal(t, byte(7), frame[0])
	assert.Equal(t, byte(0x13), frame[1])
	crc := CRC16(frame[:4])
	assert.Equal(t, []byte{byte(crc >> 8), byte(crc), MessageValueSync}, frame[4:])

	_, err = AppendFrame(nil, 0x10, make([]byte, MessagePayloadMax+1))
	assert.ErrorIs(t, err, ErrFrameTooLong)

	assert.Len(t, Ack(0x11), MessageLengthMin)
}

func TestScannerSplitsStream(t *testing.T) {
	var stream []byte
	stream = append(stream, Ack(0x11)...)
	stream, _ = AppendFrame(stream, 0x11, []byte{9, 8, 7})

	var sc Scanner
	// Byte at a time, as a slow serial line delivers it.
	var got []Message
	for _, b := range stream {
		sc.Write([]byte{b})
		for {
			m, ok := sc.Next()
			if !ok {
				break
			}
			got = append(got, m)
		}
	}
	require.Len(t, got, 2)
	assert.True(t, got[0].IsAck())
	assert.Equal(t, uint8(0x11), got[0].Seq)
	assert.Equal(t, []byte{9, 8, 7}, got[1].Payload)
	assert.Zero(t, sc.Buffered())
	assert.Zero(t, sc.Dropped)
}

func TestScannerResyncs(t *testing.T) {
	good, _ := AppendFrame(nil, 0x12, []byte{0x42})
	corrupt := append([]byte(nil), good...)
	corrupt[2] ^= 0xFF

	var sc Scanner
	sc.Write([]byte{0x00, 0x01, 0x02})
	sc.Write(corrupt)
	sc.Write(good)

	m, ok := sc.Next()
	require.True(t, ok)
	assert.Equal(t, []byte{0x42}, m.Payload)
	assert.Equal(t, uint8(0x12), m.Seq)
	assert.Positive(t, sc.Dropped)

	_, ok = sc.Next()
	assert.False(t, ok)
}

func TestScannerRejectsForeignDest(t *testing.T) {
	frame, _ := AppendFrame(nil, 0x10, []byte{1})
	frame[1] = 0x20
	crc := CRC16(frame[:3])
	frame[3], frame[4] = byte(crc>>8), byte(crc)

	var sc Scanner
	sc.Write(frame)
	_, ok := sc.Next()
	assert.False(t, ok)
	assert.Equal(t, 1, sc.Dropped)
}
