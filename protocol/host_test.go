package protocol

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// peer plays firmware on the far end of a pipe: it acknowledges every frame
// with the next sequence and echoes payloads back as responses.
type peer struct {
	conn net.Conn

	mu       sync.Mutex
	received []Message
	// dropAcks swallows this many ACKs before behaving.
	dropAcks int
	// nakFirst answers the first frame with the current sequence.
	nakFirst bool
}

func (p *peer) run() {
	var sc Scanner
	buf := make([]byte, 128)
	for {
		n, err := p.conn.Read(buf)
		if err != nil {
			return
		}
		sc.Write(buf[:n])
		for {
			m, ok := sc.Next()
			if !ok {
				break
			}
			p.mu.Lock()
			p.received = append(p.received, m)
			drop := p.dropAcks > 0
			if drop {
				p.dropAcks--
			}
			nak := p.nakFirst
			p.nakFirst = false
			p.mu.Unlock()

			if nak {
				p.conn.Write(Ack(m.Seq))
				continue
			}
			next := NextSeq(m.Seq)
			resp, _ := AppendFrame(nil, next, m.Payload)
			p.conn.Write(resp)
			if !drop {
				p.conn.Write(Ack(next))
			}
		}
	}
}

func (p *peer) frames() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.received...)
}

func newLink(t *testing.T, configure func(*peer)) (*Host, *peer) {
	t.Helper()
	hostEnd, fwEnd := net.Pipe()
	p := &peer{conn: fwEnd}
	if configure != nil {
		configure(p)
	}
	go p.run()
	h := NewHost(hostEnd, nil)
	h.AckTimeout = 50 * time.Millisecond
	t.Cleanup(func() {
		h.Close()
		fwEnd.Close()
	})
	return h, p
}

func TestHostSequencing(t *testing.T) {
	h, p := newLink(t, nil)
	ctx := context.Background()

	for i := 0; i < 18; i++ {
		require.NoError(t, h.SendCommand(ctx, 5, AppendVLQUint(nil, uint32(i))))
		m, err := h.Receive(ctx)
		require.NoError(t, err)
		data := m.Payload
		var id, v uint32
		require.NoError(t, DecodeArgs(&data, &id, &v))
		assert.Equal(t, uint32(5), id)
		assert.Equal(t, uint32(i), v)
	}

	frames := p.frames()
	require.Len(t, frames, 18)
	assert.Equal(t, uint8(MessageDest), frames[0].Seq)
	assert.Equal(t, uint8(0x11), frames[1].Seq)
	// Wraps within the low nibble.
	assert.Equal(t, uint8(MessageDest), frames[16].Seq)
}

func TestHostRetransmitsOnLostAck(t *testing.T) {
	h, p := newLink(t, func(p *peer) { p.dropAcks = 1 })

	require.NoError(t, h.Send(context.Background(), []byte{1}))
	frames := p.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, frames[0], frames[1])
}

func TestHostRetransmitsOnNak(t *testing.T) {
	h, p := newLink(t, func(p *peer) { p.nakFirst = true })

	require.NoError(t, h.Send(context.Background(), []byte{1}))
	assert.Len(t, p.frames(), 2)
}

func TestHostGivesUp(t *testing.T) {
	h, p := newLink(t, func(p *peer) { p.dropAcks = 100 })
	h.Retries = 2

	err := h.Send(context.Background(), []byte{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ack")
	assert.Len(t, p.frames(), 3)
}

func TestHostSendHonoursContext(t *testing.T) {
	h, _ := newLink(t, func(p *peer) { p.dropAcks = 100 })
	h.AckTimeout = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Send(ctx, []byte{1}), context.DeadlineExceeded)

	// The echoed response is still queued.
	_, err := h.Receive(context.Background())
	assert.NoError(t, err)

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHostRejectsOversizedPayload(t *testing.T) {
	h, _ := newLink(t, nil)
	assert.ErrorIs(t, h.Send(context.Background(), make([]byte, MessagePayloadMax+1)), ErrFrameTooLong)
}

// eofPort reports EOF on every read, like a serial port whose read timed out.
type eofPort struct {
	closed chan struct{}
	once   sync.Once
}

func (p *eofPort) Read([]byte) (int, error) {
	select {
	case <-p.closed:
		return 0, io.ErrClosedPipe
	default:
		return 0, io.EOF
	}
}

func (p *eofPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *eofPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func TestHostSurvivesReadTimeouts(t *testing.T) {
	port := &eofPort{closed: make(chan struct{})}
	h := NewHost(port, nil)
	h.AckTimeout = 10 * time.Millisecond
	h.Retries = 1

	// Still running: the send fails for want of an ACK, not a dead reader.
	err := h.Send(context.Background(), []byte{1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrClosed)

	done := make(chan error, 1)
	go func() { done <- h.Close() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}

	assert.ErrorIs(t, h.Send(context.Background(), []byte{1}), ErrClosed)
}
