package chardev

import (
	"sync"

	"accelnode/adxl345"
)

// DefaultFilterThreshold is the smallest per-axis change, in raw units, that
// gets a sample delivered.
const DefaultFilterThreshold = 50

// Filter drops samples that barely differ from the one observed before them.
type Filter struct {
	threshold int32

	mu   sync.Mutex
	last adxl345.Sample
}

func NewFilter(threshold int) *Filter {
	return &Filter{threshold: int32(threshold)}
}

// Reset sets the baseline back to the zero sample.
func (f *Filter) Reset() {
	f.mu.Lock()
	f.last = adxl345.Sample{}
	f.mu.Unlock()
}

// Baseline returns the last observed sample.
func (f *Filter) Baseline() adxl345.Sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// Accept reports whether s moved by more than the threshold on any axis.
// s becomes the new baseline whether or not it is accepted.
func (f *Filter) Accept(s adxl345.Sample) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.last
	f.last = s
	return absDiff(s.X, prev.X) > f.threshold ||
		absDiff(s.Y, prev.Y) > f.threshold ||
		absDiff(s.Z, prev.Z) > f.threshold
}

func absDiff(a, b int16) int32 {
	d := int32(a) - int32(b)
	if d < 0 {
		return -d
	}
	return d
}
