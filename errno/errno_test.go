package errno

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"invalid argument", ErrInvalidArgument, -int(unix.EINVAL)},
		{"wrapped invalid state", fmt.Errorf("probe: %w", ErrInvalidState), -int(unix.EINVAL)},
		{"would block", ErrWouldBlock, -int(unix.EAGAIN)},
		{"permission", ErrPermission, -int(unix.EPERM)},
		{"invalid data", ErrInvalidData, -int(unix.EINVAL)},
		{"native io", &IOError{Op: "read", Errno: unix.ENXIO}, -int(unix.ENXIO)},
		{"bare errno", unix.EBUSY, -int(unix.EBUSY)},
		{"canceled", context.Canceled, -int(unix.EINTR)},
		{"unknown", errors.New("boom"), -int(unix.EIO)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}

func TestFromRet(t *testing.T) {
	assert.NoError(t, FromRet("op", 0))
	assert.NoError(t, FromRet("op", 6))

	err := FromRet("smbus read", -int(unix.EREMOTEIO))
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, unix.EREMOTEIO)
	assert.Equal(t, -int(unix.EREMOTEIO), Code(err))
	assert.Contains(t, err.Error(), "smbus read")
}

func TestFromCode(t *testing.T) {
	assert.ErrorIs(t, FromCode("open", -int(unix.EPERM)), ErrPermission)
	assert.ErrorIs(t, FromCode("read", -int(unix.EAGAIN)), ErrWouldBlock)
	assert.ErrorIs(t, FromCode("read", -int(unix.EINVAL)), ErrInvalidArgument)
	assert.ErrorIs(t, FromCode("read", -int(unix.EIO)), ErrIO)
	assert.NoError(t, FromCode("read", 12))
}

func TestAsIO(t *testing.T) {
	assert.NoError(t, AsIO("x", nil))

	orig := &IOError{Op: "x", Errno: unix.ETIMEDOUT}
	assert.Same(t, orig, AsIO("y", orig).(*IOError))

	err := AsIO("enable", errors.New("adapter gone"))
	assert.ErrorIs(t, err, ErrIO)
	assert.Equal(t, -int(unix.EIO), Code(err))

	err = AsIO("read data", fmt.Errorf("short: %w", ErrInvalidData))
	assert.ErrorIs(t, err, ErrIO)
	assert.Equal(t, -int(unix.EIO), Code(err))
	assert.Contains(t, err.Error(), "short")
}

func TestAsIOKeepsCause(t *testing.T) {
	cause := fmt.Errorf("short block: %w", ErrInvalidData)
	err := AsIO("read data", cause)

	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, ErrInvalidData)
	assert.ErrorIs(t, err, unix.EIO)
	assert.EqualError(t, err, "read data: short block: invalid data: i/o error: input/output error")

	var ioErr *IOError
	assert.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "read data", ioErr.Op)
	assert.Same(t, cause, ioErr.Err)
}
