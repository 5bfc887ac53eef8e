package plugin

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownPlugin = errors.New("unknown plugin id")
	ErrMissingBinary = errors.New("plugin binary not found")
	ErrABIMismatch   = errors.New("incompatible plugin ABI version")
	ErrBadSymbol     = errors.New("plugin entry point missing or of wrong type")
	ErrDuplicateID   = errors.New("plugin id already registered")
	ErrWrongState    = errors.New("plugin host in wrong state")
)

// LoadError reports a processor that could not be instantiated.
type LoadError struct {
	ID   string
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("load plugin %s (%s): %v", e.ID, e.Path, e.Err)
	}
	return fmt.Sprintf("load plugin %s: %v", e.ID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ActivationError reports a processor that refused to activate.
type ActivationError struct {
	ID         string
	SampleRate float64
	BlockSize  int
	Err        error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activate plugin %s at %.0f Hz / %d frames: %v", e.ID, e.SampleRate, e.BlockSize, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// ProcessFault reports a Process call that returned an error or panicked.
// Exactly one of Err and Panic is set.
type ProcessFault struct {
	ID    string
	Err   error
	Panic any
}

func (e *ProcessFault) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("plugin %s panicked during process: %v", e.ID, e.Panic)
	}
	return fmt.Sprintf("plugin %s process failed: %v", e.ID, e.Err)
}

func (e *ProcessFault) Unwrap() error { return e.Err }
