// Package chardev models the read-only accelerometer character node: its
// registration in a node table, the per-open file, and the sampling pipeline
// serving open, read and release.
package chardev

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// File is one open instance of a node.
type File struct {
	id    uuid.UUID
	flags int

	nonseekable atomic.Bool
}

// NewFile returns a file opened with the given open(2) flags.
func NewFile(flags int) *File {
	return &File{id: uuid.New(), flags: flags}
}

func (f *File) ID() uuid.UUID { return f.id }
func (f *File) Flags() int    { return f.flags }

// AccessMode returns O_RDONLY, O_WRONLY or O_RDWR.
func (f *File) AccessMode() int { return f.flags & unix.O_ACCMODE }

func (f *File) NonBlocking() bool { return f.flags&unix.O_NONBLOCK != 0 }

func (f *File) SetNonSeekable() { f.nonseekable.Store(true) }
func (f *File) Seekable() bool  { return !f.nonseekable.Load() }
func (f *File) String() string  { return f.id.String() }

// Operations is the behaviour behind a node.
type Operations interface {
	Open(f *File) error
	Read(ctx context.Context, f *File, buf []byte) (int, error)
	Release(f *File)
}
