package internal

import (
	"errors"
	"fmt"
)

var (
	ErrPresetNotFound = errors.New("preset not found")
	ErrChannelCount   = errors.New("channel count mismatch")
	ErrSessionClosed  = errors.New("session closed")
	ErrQueueFull      = errors.New("session queue full")
)

// ProtocolError is a frame that could not be parsed. It ends the session.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// DriverError is a failed fixture call. It aborts only the current message.
type DriverError struct {
	Op  string
	Err error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver %v: %v", e.Op, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// StorageError is a failed preset read or write. It aborts only the current message.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %v: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Fatal reports whether err should end the session that produced it.
func Fatal(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr) || errors.Is(err, ErrSessionClosed)
}
