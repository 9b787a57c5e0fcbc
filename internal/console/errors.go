package console

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceNotFound   = errors.New("no matching device found")
	ErrConnection       = errors.New("connection failed")
	ErrWriteFailure     = errors.New("chunk write failed")
	ErrParseFailure     = errors.New("telemetry is not a JSON object")
	ErrAlreadyConnected = errors.New("session already connected")
	ErrNotConnected     = errors.New("not connected")
)

// ConnectStep names the stage of Connect that failed.
type ConnectStep string

const (
	StepConnect        ConnectStep = "connect"
	StepService        ConnectStep = "service"
	StepCharacteristic ConnectStep = "characteristic"
	StepNotifications  ConnectStep = "notifications"
)

// ConnectionError is returned when a device was found but the GATT link or the
// lookup of the service and characteristic failed.
type ConnectionError struct {
	Step    ConnectStep
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s failed at %s step: %v", e.Address, e.Step, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// PartialFailureError reports a send that stopped at chunk ChunkIndex
// (zero based). Chunks before it were written; none after it were attempted.
type PartialFailureError struct {
	ChunkIndex   int
	ChunkCount   int
	BytesWritten int
	Err          error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("send aborted at chunk %d of %d after %d bytes: %v", e.ChunkIndex+1, e.ChunkCount, e.BytesWritten, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

func (e *PartialFailureError) Is(target error) bool { return target == ErrWriteFailure }

// ParseFailureError carries the text of a notification that could not be
// decoded.
type ParseFailureError struct {
	Payload string
	Err     error
}

func (e *ParseFailureError) Error() string {
	return fmt.Sprintf("%v: %q", e.Err, e.Payload)
}

func (e *ParseFailureError) Unwrap() error { return e.Err }

func (e *ParseFailureError) Is(target error) bool { return target == ErrParseFailure }
