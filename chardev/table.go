package chardev

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"accelnode/errno"
	"accelnode/i2c"
)

// Table holds the registered nodes by name.
type Table struct {
	mu      sync.Mutex
	nodes   map[string]*Registration
	changed chan struct{}
}

func NewTable() *Table {
	return &Table{
		nodes:   make(map[string]*Registration),
		changed: make(chan struct{}),
	}
}

// Changed returns a channel that is closed on the next registration or
// deregistration.
func (t *Table) Changed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changed
}

// notify must be called with t.mu held.
func (t *Table) notify() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// Lookup finds a node by name.
func (t *Table) Lookup(name string) (*Registration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.nodes[name]
	return r, ok
}

// Nodes returns the registered nodes sorted by name.
func (t *Table) Nodes() []*Registration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Registration, 0, len(t.nodes))
	for _, r := range t.nodes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Registration is a node in a Table. Close removes it.
type Registration struct {
	table *Table
	name  string
	minor uint16
	owner *i2c.Module
	ops   Operations

	mu     sync.Mutex
	closed bool
}

// Register adds a node called name backed by ops.
func Register(t *Table, name string, minorStart uint16, owner *i2c.Module, ops Operations) (*Registration, error) {
	if name == "" || ops == nil {
		return nil, fmt.Errorf("register node %q: %w", name, errno.ErrInvalidArgument)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodes[name]; ok {
		return nil, fmt.Errorf("register node %q: %w", name, unix.EBUSY)
	}
	r := &Registration{table: t, name: name, minor: minorStart, owner: owner, ops: ops}
	t.nodes[name] = r
	t.notify()
	return r, nil
}

func (r *Registration) Name() string       { return r.name }
func (r *Registration) Minor() uint16      { return r.minor }
func (r *Registration) Owner() *i2c.Module { return r.owner }

// Closed reports whether the node has been removed.
func (r *Registration) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Open opens the node with the given open(2) flags.
func (r *Registration) Open(flags int) (*File, error) {
	if r.Closed() {
		return nil, fmt.Errorf("open %s: %w", r.name, unix.ENODEV)
	}
	f := NewFile(flags)
	if err := r.ops.Open(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (r *Registration) Read(ctx context.Context, f *File, buf []byte) (int, error) {
	return r.ops.Read(ctx, f, buf)
}

func (r *Registration) Release(f *File) {
	r.ops.Release(f)
}

// Close removes the node from its table. Files already open stay usable.
func (r *Registration) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	t := r.table
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nodes[r.name] == r {
		delete(t.nodes, r.name)
		t.notify()
	}
	return nil
}
