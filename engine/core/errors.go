package core

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrNoDevice is returned once device creation failed on both the configured
	// and the default adapter. The render thread refuses to start.
	ErrNoDevice = errors.New("no GPU device was created")
	// ErrDeviceLost marks failures where the native API reported the device gone.
	ErrDeviceLost = errors.New("GPU device lost")
	ErrUnknown    = errors.New("unknown")
)
