// Package protocol implements the host side of the Klipper serial protocol
// used by Klipper protocol firmware: VLQ argument encoding, CRC16 framed
// messages and an acknowledged transport.
//
// A frame is
//
//	len seq payload... crc_hi crc_lo 0x7E
//
// where len counts the whole frame and seq carries MessageDest in its high
// nibble. A frame with an empty payload is an ACK (or NAK) naming the next
// sequence number the receiver expects.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePayloadMax  = MessageLengthMax - MessageLengthMin
	MessageValueSync   = 0x7E
	MessageDest        = 0x10
	MessageSeqMask     = 0x0F
)

var ErrFrameTooLong = errors.New("frame payload too long")

// NextSeq returns the sequence number following seq.
func NextSeq(seq uint8) uint8 {
	return (seq+1)&MessageSeqMask | MessageDest
}

// AppendFrame appends payload framed with seq.
func AppendFrame(dst []byte, seq uint8, payload []byte) ([]byte, error) {
	if len(payload) > MessagePayloadMax {
		return dst, fmt.Errorf("%d bytes: %w", len(payload), ErrFrameTooLong)
	}
	start := len(dst)
	dst = append(dst, byte(len(payload)+MessageLengthMin), seq&MessageSeqMask|MessageDest)
	dst = append(dst, payload...)
	crc := CRC16(dst[start:])
	return append(dst, byte(crc>>8), byte(crc), MessageValueSync), nil
}

// Ack returns the empty frame acknowledging everything before next.
func Ack(next uint8) []byte {
	b, _ := AppendFrame(nil, next, nil)
	return b
}

// Message is one decoded frame.
type Message struct {
	Seq     uint8
	Payload []byte
}

// IsAck reports whether m carries no commands.
func (m Message) IsAck() bool { return len(m.Payload) == 0 }

// Scanner splits a byte stream into frames. Garbage and corrupt frames are
// skipped by discarding input up to the next sync byte.
type Scanner struct {
	buf      []byte
	desynced bool

	// Dropped counts resynchronisations.
	Dropped int
}

func (s *Scanner) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes not yet consumed.
func (s *Scanner) Buffered() int { return len(s.buf) }

// Next returns the next complete frame, or false when more input is needed.
func (s *Scanner) Next() (Message, bool) {
	for {
		if s.desynced {
			i := bytes.IndexByte(s.buf, MessageValueSync)
			if i < 0 {
				s.buf = s.buf[:0]
				return Message{}, false
			}
			s.buf = s.buf[i+1:]
			s.desynced = false
		}
		for len(s.buf) > 0 && s.buf[0] == MessageValueSync {
			s.buf = s.buf[1:]
		}
		if len(s.buf) < MessageLengthMin {
			return Message{}, false
		}

		n := int(s.buf[0])
		seq := s.buf[1]
		if n < MessageLengthMin || n > MessageLengthMax || seq&^MessageSeqMask != MessageDest {
			s.resync()
			continue
		}
		if len(s.buf) < n {
			return Message{}, false
		}
		crc := uint16(s.buf[n-3])<<8 | uint16(s.buf[n-2])
		if s.buf[n-1] != MessageValueSync || crc != CRC16(s.buf[:n-MessageTrailerSize]) {
			s.resync()
			continue
		}

		m := Message{
			Seq:     seq,
			Payload: append([]byte(nil), s.buf[MessageHeaderSize:n-MessageTrailerSize]...),
		}
		s.buf = s.buf[n:]
		return m, true
	}
}

func (s *Scanner) resync() {
	s.desynced = true
	s.Dropped++
}
