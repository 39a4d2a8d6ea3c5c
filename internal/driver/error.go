package driver

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceNotFound is returned when no matching device is present after a bounded discovery scan
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceLost is returned when an open device fails with an I/O error and must be reopened
	ErrDeviceLost = errors.New("device lost")

	// ErrTimeout is returned when a blocking read does not complete within its read timeout
	ErrTimeout = errors.New("read timeout")

	// ErrStaleFix is reported when no position fix is fresh enough to pair with a sample
	ErrStaleFix = errors.New("stale position fix")
)

// ParseError is a custom error type for a single line that could not be parsed.
// It is never fatal: the reader discards the line and keeps reading.
type ParseError struct {
	Line string
	Err  error
}

func NewParseError(line string, err error) *ParseError {
	return &ParseError{Line: line, Err: err}
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %q: %s", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// PersistenceError is a custom error type for failures writing to durable storage
type PersistenceError struct {
	Path string
	Err  error
}

func NewPersistenceError(path string, err error) *PersistenceError {
	return &PersistenceError{Path: path, Err: err}
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("writing to %s: %s", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Lost wraps err so that it matches ErrDeviceLost while keeping the cause.
func Lost(err error) error {
	return fmt.Errorf("%w: %w", ErrDeviceLost, err)
}

// NotFound wraps err so that it matches ErrDeviceNotFound while keeping the cause.
func NotFound(err error) error {
	return fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
}
