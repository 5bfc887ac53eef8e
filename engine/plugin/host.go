package plugin

import (
	"fmt"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a Host.
type State int32

const (
	StateUnloaded State = iota
	StateLoaded
	StateActive
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateActive:
		return "active"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Loader turns a descriptor into an Instance.
type Loader interface {
	Open(desc Descriptor) (Instance, error)
}

// SlowFunc is called on the audio thread when a Process call exceeds the
// host budget. It must not block.
type SlowFunc func(h *Host, elapsed time.Duration)

// HostOption configures a Host.
type HostOption func(*Host)

// WithBudget sets the soft time budget for one Process call.
func WithBudget(d time.Duration) HostOption {
	return func(h *Host) { h.budget = d }
}

// WithSlowFunc installs the overrun side channel.
func WithSlowFunc(fn SlowFunc) HostOption {
	return func(h *Host) { h.onSlow = fn }
}

// Host owns one processor instance. Load, Activate, Deactivate and Unload
// belong to the control goroutine. Process and Reset run on the audio
// thread; the node is not reachable from the audio thread before Activate
// or after it has been retired, so the two sides never overlap on the
// lifecycle calls.
type Host struct {
	loader Loader
	desc   Descriptor
	inst   Instance

	state     atomic.Int32
	activated atomic.Bool

	sampleRate float64
	blockSize  int

	loadErr error

	// written by the audio thread, read by NodeStatus on the control side
	fault   atomic.Pointer[ProcessFault]
	faults  atomic.Uint64
	slow    atomic.Uint64
	lastDur atomic.Int64

	budget time.Duration
	onSlow SlowFunc
}

// NewHost creates an unloaded host.
func NewHost(l Loader, opts ...HostOption) *Host {
	h := &Host{loader: l}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetSlowFunc replaces the overrun side channel. Call before the host is
// reachable from the audio thread.
func (h *Host) SetSlowFunc(fn SlowFunc) { h.onSlow = fn }

// Descriptor returns the descriptor the host was loaded with, refined by
// the instance once loaded.
func (h *Host) Descriptor() Descriptor { return h.desc }

// Instance returns the wrapped processor, or nil.
func (h *Host) Instance() Instance { return h.inst }

// State returns the current lifecycle state.
func (h *Host) State() State { return State(h.state.Load()) }

// Faulted reports whether the host must be skipped.
func (h *Host) Faulted() bool { return h.State() == StateFaulted }

// Faults returns how many Process faults have occurred.
func (h *Host) Faults() uint64 { return h.faults.Load() }

// SlowCalls returns how many Process calls exceeded the budget.
func (h *Host) SlowCalls() uint64 { return h.slow.Load() }

// LastDuration returns the duration of the latest Process call.
func (h *Host) LastDuration() time.Duration { return time.Duration(h.lastDur.Load()) }

// Load instantiates the processor. On failure the host stays faulted and
// the returned error is a *LoadError.
func (h *Host) Load(desc Descriptor) error {
	if h.State() != StateUnloaded {
		return &LoadError{ID: desc.ID, Path: desc.Path, Err: ErrWrongState}
	}
	h.desc = desc
	if h.loader == nil {
		return h.failLoad(&LoadError{ID: desc.ID, Path: desc.Path, Err: ErrUnknownPlugin})
	}
	inst, err := h.loader.Open(desc)
	if err != nil {
		le, ok := err.(*LoadError)
		if !ok {
			le = &LoadError{ID: desc.ID, Path: desc.Path, Err: err}
		}
		return h.failLoad(le)
	}
	h.inst = inst
	if d := inst.Descriptor(); d.ID != "" {
		d.Path = desc.Path
		h.desc = d
	}
	h.state.Store(int32(StateLoaded))
	return nil
}

func (h *Host) failLoad(err *LoadError) error {
	h.loadErr = err
	h.state.Store(int32(StateFaulted))
	return err
}

// Activate prepares the processor for the given stream format.
func (h *Host) Activate(sampleRate float64, maxBlockSize int) error {
	if h.State() != StateLoaded {
		return &ActivationError{ID: h.desc.ID, SampleRate: sampleRate, BlockSize: maxBlockSize, Err: ErrWrongState}
	}
	h.sampleRate, h.blockSize = sampleRate, maxBlockSize
	if err := h.inst.Activate(sampleRate, maxBlockSize); err != nil {
		ae := &ActivationError{ID: h.desc.ID, SampleRate: sampleRate, BlockSize: maxBlockSize, Err: err}
		h.loadErr = ae
		h.state.Store(int32(StateFaulted))
		return ae
	}
	h.activated.Store(true)
	h.state.Store(int32(StateActive))
	return nil
}

// Process runs one block. A returned error is always a *ProcessFault and
// leaves the host faulted. Only a faulting call allocates.
func (h *Host) Process(ctx *ProcessContext) (err error) {
	if h.State() != StateActive {
		return nil
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			f := &ProcessFault{ID: h.desc.ID, Panic: r}
			h.markFaulted(f)
			err = f
		}
		elapsed := time.Since(start)
		h.lastDur.Store(int64(elapsed))
		if h.budget > 0 && elapsed > h.budget {
			h.slow.Add(1)
			if h.onSlow != nil {
				h.onSlow(h, elapsed)
			}
		}
	}()
	if perr := h.inst.Process(ctx); perr != nil {
		f := &ProcessFault{ID: h.desc.ID, Err: perr}
		h.markFaulted(f)
		return f
	}
	return nil
}

func (h *Host) markFaulted(f *ProcessFault) {
	h.fault.Store(f)
	h.faults.Add(1)
	h.state.Store(int32(StateFaulted))
}

// Reset clears a process fault so the node runs again from the next block.
// Hosts that failed to load or activate cannot be reset. Reset runs on the
// audio thread.
func (h *Host) Reset() bool {
	if !h.activated.Load() {
		return false
	}
	if r, ok := h.inst.(Resetter); ok {
		r.Reset()
	}
	h.fault.Store(nil)
	h.state.Store(int32(StateActive))
	return true
}

// Err returns the load, activation or latest process error, or nil.
func (h *Host) Err() error {
	if h.loadErr != nil {
		return h.loadErr
	}
	if f := h.fault.Load(); f != nil && h.Faulted() {
		c := *f
		return &c
	}
	return nil
}

// Deactivate stops processing. The host returns to the loaded state.
func (h *Host) Deactivate() {
	if h.activated.Swap(false) {
		h.inst.Deactivate()
	}
	if h.inst != nil {
		h.state.Store(int32(StateLoaded))
	}
}

// Unload deactivates if needed and releases the processor.
func (h *Host) Unload() {
	h.Deactivate()
	if h.inst != nil {
		h.inst.Release()
		h.inst = nil
	}
	h.state.Store(int32(StateUnloaded))
}
