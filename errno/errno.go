// Package errno holds the error kinds shared by the bus, driver and node layers
// and their translation to the negative integer codes used at the bus ABI.
package errno

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Error kinds
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrWouldBlock      = errors.New("operation would block")
	ErrInvalidState    = errors.New("invalid state")
	ErrPermission      = errors.New("permission denied")
	ErrInvalidData     = errors.New("invalid data")
	ErrIO              = errors.New("i/o error")
)

// IOError is a transport failure carrying the native error code.
type IOError struct {
	Op    string
	Errno unix.Errno
	// Err is the failure that was reported as I/O, if any.
	Err error
}

func (e *IOError) Error() string {
	msg := fmt.Sprintf("i/o error: %v", e.Errno)
	if e.Err != nil {
		msg = fmt.Sprintf("%v: %s", e.Err, msg)
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

// Is makes every IOError match ErrIO.
func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

func (e *IOError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Errno}
	}
	return []error{e.Errno, e.Err}
}

// FromRet converts a C-style return value into an error.
// Non-negative values are success.
func FromRet(op string, ret int) error {
	if ret >= 0 {
		return nil
	}
	return &IOError{Op: op, Errno: unix.Errno(-ret)}
}

// Code translates err into the negative errno convention. nil maps to 0.
func Code(err error) int {
	if err == nil {
		return 0
	}

	var ioErr *IOError
	if errors.As(err, &ioErr) && ioErr.Errno != 0 {
		return -int(ioErr.Errno)
	}

	switch {
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrInvalidData):
		return -int(unix.EINVAL)
	case errors.Is(err, ErrWouldBlock):
		return -int(unix.EAGAIN)
	case errors.Is(err, ErrPermission):
		return -int(unix.EPERM)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return -int(unix.EINTR)
	}

	var en unix.Errno
	if errors.As(err, &en) && en != 0 {
		return -int(en)
	}
	return -int(unix.EIO)
}

// FromCode is the inverse of Code for the kinds that have a dedicated code.
// Anything else becomes an IOError.
func FromCode(op string, code int) error {
	if code >= 0 {
		return nil
	}
	switch unix.Errno(-code) {
	case unix.EINVAL:
		return fmt.Errorf("%s: %w", op, ErrInvalidArgument)
	case unix.EAGAIN:
		return fmt.Errorf("%s: %w", op, ErrWouldBlock)
	case unix.EPERM:
		return fmt.Errorf("%s: %w", op, ErrPermission)
	}
	return &IOError{Op: op, Errno: unix.Errno(-code)}
}

// AsIO reports any failure as an I/O error. Transport errors keep their
// native code, everything else becomes EIO.
func AsIO(op string, err error) error {
	if err == nil {
		return nil
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return err
	}
	return &IOError{Op: op, Errno: unix.EIO, Err: err}
}
