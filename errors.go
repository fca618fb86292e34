//go:build linux
// +build linux

package libevfibers

import "github.com/pkg/errors"

// ErrorCode enumerates operation errors recorded on the context.
type ErrorCode int

const (
	Success ErrorCode = iota
	EInvalid
	ENoFiber
)

var (
	// ErrInvalid is returned for out-of-range arguments, e.g. an argument
	// vector over MaxArgNum or a cond wait on an unlocked mutex.
	ErrInvalid = errors.New("libevfibers: invalid argument")

	// ErrNoFiber is returned when the target fiber has been reclaimed.
	ErrNoFiber = errors.New("libevfibers: no such fiber")
)

// Strerror renders an error code.
func Strerror(code ErrorCode) string {
	switch code {
	case Success:
		return "Success"
	case EInvalid:
		return "Invalid argument"
	case ENoFiber:
		return "No such fiber"
	}
	return "Unknown error"
}

// LastError returns the code recorded by the most recent operation of this
// context.
func (c *Context) LastError() ErrorCode { return c.errCode }

func (c *Context) setError(code ErrorCode) error {
	c.errCode = code
	switch code {
	case EInvalid:
		return ErrInvalid
	case ENoFiber:
		return ErrNoFiber
	}
	return nil
}
