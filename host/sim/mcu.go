package sim

import (
	"context"
	"errors"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
	"tinygo.org/x/drivers"

	"accelnode/host/mcu"
	"accelnode/protocol"
)

type mcuHandler func(m *MCU, args *[]byte) error

type mcuCommand struct {
	name    string
	format  string
	handler mcuHandler // nil for responses
}

// Message ids follow registration order, identify_response and identify
// first.
var mcuCommands []mcuCommand

func init() {
	mcuCommands = []mcuCommand{
		{"identify_response", "offset=%u data=%*s", nil},
		{"identify", "offset=%u count=%c", (*MCU).identify},
		{"get_config", "", (*MCU).getConfig},
		{"config", "is_config=%c crc=%u is_shutdown=%c move_count=%hu", nil},
		{"config_reset", "", (*MCU).configReset},
		{"config_i2c", "oid=%c", (*MCU).configI2C},
		{"i2c_set_bus", "oid=%c i2c_bus=%u rate=%u address=%u", (*MCU).i2cSetBus},
		{"i2c_write", "oid=%c data=%*s", (*MCU).i2cWrite},
		{"i2c_read", "oid=%c reg=%*s read_len=%u", (*MCU).i2cRead},
		{"i2c_read_response", "oid=%c response=%*s", nil},
	}
}

type mcuI2C struct {
	bus   drivers.I2C
	addr  uint16
	rate  uint32
	ready bool
}

// MCU simulates Klipper protocol firmware with I2C buses attached. A bus
// error puts it in shutdown, where I2C objects ignore commands until the bus
// is set again.
type MCU struct {
	log *log.Entry

	mu       sync.Mutex
	buses    map[uint32]drivers.I2C
	oids     map[uint8]*mcuI2C
	expect   uint8
	shutdown bool
	dict     []byte
	out      []byte

	// Mute drops outgoing frames it returns true for.
	Mute func(frame []byte) bool
}

func NewMCU(logger *log.Entry) *MCU {
	if logger == nil {
		logger = log.WithField("component", "sim-mcu")
	}
	d := &mcu.Dictionary{
		Version:       "sim-0.1.0",
		BuildVersions: "go",
		Config:        map[string]any{"MCU": "sim", "CLOCK_FREQ": 1000000},
		Commands:      make(map[string]int),
		Responses:     make(map[string]int),
	}
	for id, c := range mcuCommands {
		format := c.name
		if c.format != "" {
			format += " " + c.format
		}
		if c.handler != nil {
			d.Commands[format] = id
		} else {
			d.Responses[format] = id
		}
	}
	raw, err := d.Encode()
	if err != nil {
		panic(err)
	}
	return &MCU{
		log:    logger,
		buses:  make(map[uint32]drivers.I2C),
		oids:   make(map[uint8]*mcuI2C),
		expect: protocol.MessageDest,
		dict:   raw,
	}
}

// AddBus makes bus reachable as i2c_bus id.
func (m *MCU) AddBus(id uint32, bus drivers.I2C) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buses[id] = bus
}

// IsShutdown reports whether a bus error shut the firmware down.
func (m *MCU) IsShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Serve runs the firmware side of the link on rw until ctx is done or rw
// fails.
func (m *MCU) Serve(ctx context.Context, rw io.ReadWriteCloser) error {
	stop := context.AfterFunc(ctx, func() { rw.Close() })
	defer stop()

	var sc protocol.Scanner
	buf := make([]byte, 256)
	for {
		n, err := rw.Read(buf)
		if n > 0 {
			sc.Write(buf[:n])
			for {
				msg, ok := sc.Next()
				if !ok {
					break
				}
				if werr := m.flush(rw, m.receive(msg)); werr != nil {
					err = werr
					break
				}
			}
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}

func (m *MCU) flush(w io.Writer, frames [][]byte) error {
	for _, f := range frames {
		if m.Mute != nil && m.Mute(f) {
			continue
		}
		if _, err := w.Write(f); err != nil {
			return err
		}
	}
	return nil
}

// receive handles one frame and returns the frames to send back, responses
// first and the ACK last.
func (m *MCU) receive(msg protocol.Message) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.Seq == protocol.MessageDest && m.expect != protocol.MessageDest {
		m.log.Debug("host reset")
		m.expect = protocol.MessageDest
	}
	m.out = m.out[:0]
	var frames [][]byte
	if msg.Seq == m.expect {
		m.expect = protocol.NextSeq(msg.Seq)
		frames = m.dispatch(msg.Payload)
	}
	return append(frames, protocol.Ack(m.expect))
}

// dispatch must be called with m.mu held.
func (m *MCU) dispatch(payload []byte) [][]byte {
	var frames [][]byte
	for len(payload) > 0 {
		id, err := protocol.DecodeVLQUint(&payload)
		if err != nil || int(id) >= len(mcuCommands) || mcuCommands[id].handler == nil {
			m.log.WithField("id", id).Warn("bad command")
			break
		}
		if err := mcuCommands[id].handler(m, &payload); err != nil {
			m.log.WithError(err).WithField("command", mcuCommands[id].name).Warn("command failed")
			break
		}
		if len(m.out) > 0 {
			frame, err := protocol.AppendFrame(nil, m.expect, m.out)
			if err != nil {
				m.log.WithError(err).Warn("response dropped")
			} else {
				frames = append(frames, frame)
			}
			m.out = m.out[:0]
		}
	}
	return frames
}

// respond must be called with m.mu held.
func (m *MCU) respond(name string, args []byte) {
	for id, c := range mcuCommands {
		if c.name == name {
			m.out = protocol.AppendVLQUint(m.out, uint32(id))
			m.out = append(m.out, args...)
			return
		}
	}
}

func (m *MCU) identify(args *[]byte) error {
	var offset, count uint32
	if err := protocol.DecodeArgs(args, &offset, &count); err != nil {
		return err
	}
	count &= 0xFF
	var chunk []byte
	if offset < uint32(len(m.dict)) {
		end := min(offset+count, uint32(len(m.dict)))
		chunk = m.dict[offset:end]
	}
	resp := protocol.AppendVLQUint(nil, offset)
	m.respond("identify_response", protocol.AppendVLQBytes(resp, chunk))
	return nil
}

func (m *MCU) getConfig(*[]byte) error {
	var shutdown uint32
	if m.shutdown {
		shutdown = 1
	}
	resp := protocol.AppendVLQUint(nil, 0)
	resp = protocol.AppendVLQUint(resp, 0)
	resp = protocol.AppendVLQUint(resp, shutdown)
	m.respond("config", protocol.AppendVLQUint(resp, 0))
	return nil
}

func (m *MCU) configReset(*[]byte) error {
	m.shutdown = false
	return nil
}

func (m *MCU) configI2C(args *[]byte) error {
	var oid uint32
	if err := protocol.DecodeArgs(args, &oid); err != nil {
		return err
	}
	m.oids[uint8(oid)] = &mcuI2C{}
	return nil
}

func (m *MCU) i2cSetBus(args *[]byte) error {
	var oid, bus, rate, addr uint32
	if err := protocol.DecodeArgs(args, &oid, &bus, &rate, &addr); err != nil {
		return err
	}
	dev, ok := m.oids[uint8(oid)]
	if !ok {
		return nil
	}
	b, ok := m.buses[bus]
	if !ok {
		return errors.New("no such i2c bus")
	}
	*dev = mcuI2C{bus: b, addr: uint16(addr & 0x7F), rate: rate, ready: true}
	return nil
}

func (m *MCU) i2cWrite(args *[]byte) error {
	var oid uint32
	if err := protocol.DecodeArgs(args, &oid); err != nil {
		return err
	}
	data, err := protocol.DecodeVLQBytes(args)
	if err != nil {
		return err
	}
	dev, ok := m.oids[uint8(oid)]
	if !ok || !dev.ready {
		return nil
	}
	if err := dev.bus.Tx(dev.addr, data, nil); err != nil {
		m.shutdownI2C()
		return err
	}
	return nil
}

func (m *MCU) i2cRead(args *[]byte) error {
	var oid, n uint32
	if err := protocol.DecodeArgs(args, &oid); err != nil {
		return err
	}
	reg, err := protocol.DecodeVLQBytes(args)
	if err != nil {
		return err
	}
	if err := protocol.DecodeArgs(args, &n); err != nil {
		return err
	}
	dev, ok := m.oids[uint8(oid)]
	if !ok || !dev.ready {
		return nil
	}
	data := make([]byte, uint8(n))
	var w []byte
	if len(reg) > 0 {
		w = reg
	}
	if err := dev.bus.Tx(dev.addr, w, data); err != nil {
		m.shutdownI2C()
		return err
	}
	resp := protocol.AppendVLQUint(nil, oid)
	m.respond("i2c_read_response", protocol.AppendVLQBytes(resp, data))
	return nil
}

func (m *MCU) shutdownI2C() {
	m.shutdown = true
	for _, dev := range m.oids {
		dev.ready = false
	}
}
