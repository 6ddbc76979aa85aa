package chardev

import (
	"fmt"
	"sync"

	"accelnode/adxl345"
	"accelnode/errno"
)

// Registry points at the active device. It is filled when a probe completes
// and emptied when removal starts.
type Registry struct {
	mu  sync.RWMutex
	dev *adxl345.Shared
}

func NewRegistry() *Registry { return &Registry{} }

// Publish makes dev the active device.
func (r *Registry) Publish(dev *adxl345.Shared) {
	r.mu.Lock()
	r.dev = dev
	r.mu.Unlock()
}

// Clear empties the registry and returns what it held.
func (r *Registry) Clear() *adxl345.Shared {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev := r.dev
	r.dev = nil
	return dev
}

// Device returns the active device, or ErrInvalidState if there is none.
func (r *Registry) Device() (*adxl345.Shared, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.dev == nil {
		return nil, fmt.Errorf("no active device: %w", errno.ErrInvalidState)
	}
	return r.dev, nil
}
