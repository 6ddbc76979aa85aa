package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("transport closed")

const (
	DefaultAckTimeout = 250 * time.Millisecond
	DefaultRetries    = 3
)

const responseQueue = 32

// Host is the host end of a link. Commands are sent one frame at a time and
// each waits for its ACK; response frames are queued for Receive.
type Host struct {
	port io.ReadWriteCloser
	log  *log.Entry

	// AckTimeout is how long a frame may go unacknowledged before it is
	// sent again, at most Retries times.
	AckTimeout time.Duration
	Retries    int

	sendMu sync.Mutex
	seq    uint8

	acks      chan uint8
	responses chan Message

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	errMu   sync.Mutex
	readErr error
}

// NewHost starts reading from port. The first frame goes out with sequence
// MessageDest, which the firmware takes as a link reset.
func NewHost(port io.ReadWriteCloser, logger *log.Entry) *Host {
	if logger == nil {
		logger = log.WithField("component", "protocol")
	}
	h := &Host{
		port:       port,
		log:        logger,
		AckTimeout: DefaultAckTimeout,
		Retries:    DefaultRetries,
		seq:        MessageDest,
		acks:       make(chan uint8, 8),
		responses:  make(chan Message, responseQueue),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	go h.readLoop()
	return h
}

// Send frames payload and waits until the firmware acknowledges it. The
// firmware acknowledges with the sequence number it expects next.
func (h *Host) Send(ctx context.Context, payload []byte) error {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	frame, err := AppendFrame(nil, h.seq, payload)
	if err != nil {
		return err
	}
	want := NextSeq(h.seq)

	h.drainAcks()
	if err := h.write(frame); err != nil {
		return err
	}

	timer := time.NewTimer(h.AckTimeout)
	defer timer.Stop()
	for attempt := 1; ; attempt++ {
		select {
		case seq := <-h.acks:
			if seq == want {
				h.seq = want
				return nil
			}
			// A NAK names the sequence the firmware is still waiting for.
			h.log.WithFields(log.Fields{"want": want, "got": seq}).Debug("nak")
		case <-timer.C:
			h.log.WithField("seq", h.seq).Debug("ack timeout")
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
			return h.closedErr()
		}
		if attempt > h.Retries {
			return fmt.Errorf("no ack for seq %#02x after %d attempts", h.seq, attempt)
		}
		if err := h.write(frame); err != nil {
			return err
		}
		timer.Reset(h.AckTimeout)
	}
}

// SendCommand encodes cmdID followed by already encoded args and sends it.
func (h *Host) SendCommand(ctx context.Context, cmdID uint32, args []byte) error {
	payload := AppendVLQUint(make([]byte, 0, 5+len(args)), cmdID)
	return h.Send(ctx, append(payload, args...))
}

// Receive returns the next response frame.
func (h *Host) Receive(ctx context.Context) (Message, error) {
	select {
	case m := <-h.responses:
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-h.done:
		return Message{}, h.closedErr()
	}
}

// Discard drops queued responses.
func (h *Host) Discard() {
	for {
		select {
		case <-h.responses:
		default:
			return
		}
	}
}

func (h *Host) drainAcks() {
	for {
		select {
		case <-h.acks:
		default:
			return
		}
	}
}

func (h *Host) write(frame []byte) error {
	if _, err := h.port.Write(frame); err != nil {
		select {
		case <-h.closing:
			return ErrClosed
		default:
		}
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (h *Host) readLoop() {
	defer close(h.done)

	var sc Scanner
	buf := make([]byte, 256)
	for {
		n, err := h.port.Read(buf)
		if n > 0 {
			sc.Write(buf[:n])
			for {
				m, ok := sc.Next()
				if !ok {
					break
				}
				h.dispatch(m)
			}
		}
		select {
		case <-h.closing:
			return
		default:
		}
		if err == nil {
			continue
		}
		// Serial ports report a read timeout as EOF with no data.
		if errors.Is(err, io.EOF) && n == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		h.errMu.Lock()
		h.readErr = err
		h.errMu.Unlock()
		h.log.WithError(err).Error("read failed")
		return
	}
}

func (h *Host) dispatch(m Message) {
	if m.IsAck() {
		select {
		case h.acks <- m.Seq:
		default:
		}
		return
	}
	select {
	case h.responses <- m:
	default:
		// Drop the oldest so a stalled reader sees recent traffic.
		select {
		case <-h.responses:
		default:
		}
		h.responses <- m
		h.log.Warn("response queue overflow")
	}
}

func (h *Host) closedErr() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	if h.readErr != nil {
		return fmt.Errorf("%w: %v", ErrClosed, h.readErr)
	}
	return ErrClosed
}

// Close closes the port and waits for the reader to stop.
func (h *Host) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closing)
		err = h.port.Close()
		<-h.done
	})
	return err
}
