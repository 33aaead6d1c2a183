// Package proto holds the error taxonomy shared by every protocol engine.
package proto

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter = errors.New("proto: invalid parameter")
	ErrOutOfRange       = errors.New("proto: address out of range")
	ErrBusy             = errors.New("proto: transmission in progress")
	ErrNotInitialized   = errors.New("proto: not initialized")
	ErrBufferOverflow   = errors.New("proto: frame exceeds buffer capacity")
	ErrHardwareInit     = errors.New("proto: hardware init failed")
	ErrTimeout          = errors.New("proto: timed out")
)

// InitError reports which peripheral could not be acquired at boot.
type InitError struct {
	Resource string
	Err      error
}

func (e *InitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Resource, ErrHardwareInit)
	}
	return fmt.Sprintf("%s: %v: %v", e.Resource, ErrHardwareInit, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrHardwareInit) match any InitError.
func (e *InitError) Is(target error) bool { return target == ErrHardwareInit }

// NewInitError wraps err as a boot failure of resource.
func NewInitError(resource string, err error) error {
	return &InitError{Resource: resource, Err: err}
}
