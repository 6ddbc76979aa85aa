package sim

import (
	"encoding/binary"
	"math"
	"sync"

	"golang.org/x/sys/unix"

	"accelnode/adxl345"
)

// Raw is one queued measurement in device counts, before the driver's
// resolution shift.
type Raw struct {
	X, Y, Z int16
}

// Generator produces a measurement whenever the queue is empty.
type Generator func() Raw

// ADXL345 simulates the accelerometer's register file. DATA_READY is set
// while measuring and a measurement is available; reading from DATAX0 latches
// the next one into the data registers.
type ADXL345 struct {
	mu    sync.Mutex
	regs  [0x40]uint8
	queue []Raw
	gen   Generator
}

// NewADXL345 returns a part in its reset state.
func NewADXL345() *ADXL345 {
	s := &ADXL345{}
	s.regs[adxl345.RegDEVID] = adxl345.DeviceIDValue
	s.regs[adxl345.RegBW_RATE] = 0x0A
	s.regs[adxl345.RegINT_SOURCE] = 0x02
	return s
}

// Push queues measurements.
func (s *ADXL345) Push(samples ...Raw) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, samples...)
}

// Pending returns the number of queued measurements.
func (s *ADXL345) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// SetGenerator installs gen; nil removes it.
func (s *ADXL345) SetGenerator(gen Generator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen = gen
}

// Register returns the stored value of reg.
func (s *ADXL345) Register(reg uint8) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[reg]
}

// SetRegister overwrites reg.
func (s *ADXL345) SetRegister(reg, v uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[reg] = v
}

func (s *ADXL345) measuring() bool {
	return s.regs[adxl345.RegPOWER_CTL]&(1<<3) != 0
}

func (s *ADXL345) available() bool {
	return len(s.queue) > 0 || s.gen != nil
}

func (s *ADXL345) latch() {
	var m Raw
	switch {
	case len(s.queue) > 0:
		m = s.queue[0]
		s.queue = s.queue[1:]
	case s.gen != nil:
		m = s.gen()
	default:
		return
	}
	binary.LittleEndian.PutUint16(s.regs[adxl345.RegDATAX0:], uint16(m.X))
	binary.LittleEndian.PutUint16(s.regs[adxl345.RegDATAY0:], uint16(m.Y))
	binary.LittleEndian.PutUint16(s.regs[adxl345.RegDATAZ0:], uint16(m.Z))
}

func (s *ADXL345) ReadRegister(reg uint8, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(reg)+len(buf) > len(s.regs) {
		return unix.EIO
	}
	if reg == adxl345.RegDATAX0 && s.measuring() {
		s.latch()
	}
	for i := range buf {
		r := reg + uint8(i)
		if r == adxl345.RegINT_SOURCE {
			v := s.regs[r] &^ 0x80
			if s.measuring() && s.available() {
				v |= 0x80
			}
			buf[i] = v
			continue
		}
		buf[i] = s.regs[r]
	}
	return nil
}

func (s *ADXL345) WriteRegister(reg uint8, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(reg)+len(buf) > len(s.regs) {
		return unix.EIO
	}
	for i, v := range buf {
		r := reg + uint8(i)
		switch r {
		case adxl345.RegDEVID, adxl345.RegINT_SOURCE, adxl345.RegFIFO_STATUS,
			adxl345.RegDATAX0, adxl345.RegDATAX1, adxl345.RegDATAY0,
			adxl345.RegDATAY1, adxl345.RegDATAZ0, adxl345.RegDATAZ1:
			// read-only
			continue
		}
		s.regs[r] = v
	}
	return nil
}

// Wave returns a generator tracing a slow rotation with the given amplitude
// in device counts, one step per measurement.
func Wave(amplitude float64, step float64) Generator {
	var phase float64
	return func() Raw {
		phase += step
		return Raw{
			X: int16(amplitude * math.Sin(phase)),
			Y: int16(amplitude * math.Cos(phase)),
			Z: int16(amplitude * math.Sin(phase/2)),
		}
	}
}
