package sdr

import (
	"errors"
	"fmt"
)

var (
	// ErrOpenFailed means the device could not be opened or initialized.
	ErrOpenFailed = errors.New("device open failed")
	// ErrStartFailed means streaming could not begin.
	ErrStartFailed = errors.New("device start failed")
	// ErrTuneFailed means the device rejected a frequency change.
	ErrTuneFailed = errors.New("device tune failed")
	// ErrInvalidState means the operation is not valid in the current lifecycle state.
	ErrInvalidState = errors.New("invalid state")
	// ErrBusy is returned by drivers when a device is already open.
	ErrBusy = errors.New("device busy")
)

const (
	CodeSuccess  = 0
	CodeError    = -1
	CodeNotFound = -5
	CodeBusy     = -6
)

// DriverError carries the error code reported by the native driver.
type DriverError struct {
	Op   string
	Code int
	Err  error
}

func (e *DriverError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: driver error %d: %s", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: driver error %d", e.Op, e.Code)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// Code returns the driver error code found in err's chain, CodeError if err is
// not nil but carries no code and CodeSuccess for nil.
func Code(err error) int {
	if err == nil {
		return CodeSuccess
	}
	var de *DriverError
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeError
}
