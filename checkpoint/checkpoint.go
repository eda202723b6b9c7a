// Package checkpoint decorates errors with the location they passed through,
// so an error returned from deep inside the engine reads like a short trace.
// A checkpoint can carry a kind (a sentinel error) next to its cause: both
// stay reachable through errors.Is and errors.As.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
)

// passThrough reports errors which must never be decorated because callers
// compare them by identity (https://github.com/golang/go/issues/39155).
func passThrough(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF
}

// From adds the caller location to err.
// It returns nil if err is nil.
func From(err error) error {
	if err == nil || passThrough(err) {
		return err
	}

	return newCheckpoint(err, nil, 2)
}

// Wrap adds the caller location to cause and tags it with kind.
// It returns nil if cause is nil, so it can be used directly on return values:
//  data, err := v.access(sector, accessRead)
//  return checkpoint.Wrap(err, ErrDevice)
// Afterwards errors.Is(err, ErrDevice) holds, as does errors.Is for the
// original cause.
func Wrap(cause, kind error) error {
	if cause == nil || passThrough(cause) {
		return cause
	}

	return newCheckpoint(cause, kind, 2)
}

// Wrapf is like Wrap but formats an additional message which is attached to kind.
func Wrapf(cause, kind error, format string, args ...interface{}) error {
	if cause == nil || passThrough(cause) {
		return cause
	}

	return newCheckpoint(cause, fmt.Errorf("%w: "+format, append([]interface{}{kind}, args...)...), 2)
}

// New creates a checkpoint without a separate cause. It is used when the
// engine itself detects the problem, for example an out of range cluster.
func New(kind error, format string, args ...interface{}) error {
	return newCheckpoint(fmt.Errorf(format, args...), kind, 2)
}

func newCheckpoint(cause, kind error, skip int) *checkpoint {
	_, file, line, ok := runtime.Caller(skip)
	return &checkpoint{
		kind:     kind,
		cause:    cause,
		callerOk: ok,
		file:     filepath.Base(file),
		line:     line,
	}
}

type checkpoint struct {
	kind  error
	cause error

	callerOk bool
	file     string
	line     int
}

func (c *checkpoint) location() string {
	if !c.callerOk {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", c.file, c.line)
}

func (c *checkpoint) Error() string {
	causeString := c.cause.Error()
	if _, ok := c.cause.(*checkpoint); !ok {
		causeString = "at unknown\n\t" + strings.ReplaceAll(causeString, "\n", "\n\t")
	}

	if c.kind == nil {
		return fmt.Sprintf("at %s\n%v", c.location(), causeString)
	}
	return fmt.Sprintf("at %s\n\t%v\n%v", c.location(), c.kind, causeString)
}

func (c *checkpoint) Unwrap() error {
	return c.cause
}

func (c *checkpoint) Is(target error) bool {
	return c.kind != nil && errors.Is(c.kind, target)
}

func (c *checkpoint) As(target interface{}) bool {
	return c.kind != nil && errors.As(c.kind, target)
}
