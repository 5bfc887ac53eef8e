// Package param holds the real-time readable copy of plugin and mixer
// parameter values.
//
// The control goroutine is the only writer. Every slot carries a version
// counter: writers bump it to an odd value, store the value bits and bump it
// back to even. Readers on the audio thread re-check the version around the
// load so they never observe a half-finished update.
package param

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Scale describes how a parameter maps between plain and normalized values.
type Scale uint8

const (
	ScaleLinear Scale = iota
	ScaleLog
	ScaleDiscrete
)

func (s Scale) String() string {
	switch s {
	case ScaleLinear:
		return "linear"
	case ScaleLog:
		return "log"
	case ScaleDiscrete:
		return "discrete"
	default:
		return fmt.Sprintf("scale(%d)", uint8(s))
	}
}

// Info describes one parameter of a node.
type Info struct {
	Index   int     `json:"index"`
	Name    string  `json:"name"`
	Unit    string  `json:"unit,omitempty"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Default float64 `json:"default"`
	Scale   Scale   `json:"scale"`
	Steps   int     `json:"steps,omitempty"` // discrete parameters only
}

// Clamp limits v to [Min, Max] and snaps discrete values.
func (p Info) Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return p.Default
	}
	if v < p.Min {
		v = p.Min
	} else if v > p.Max {
		v = p.Max
	}
	if p.Scale == ScaleDiscrete {
		v = math.Round(v)
	}
	return v
}

// Normalize converts a plain value to [0, 1].
func (p Info) Normalize(plain float64) float64 {
	if p.Max <= p.Min {
		return 0
	}
	plain = p.Clamp(plain)
	if p.Scale == ScaleLog && p.Min > 0 {
		return math.Log(plain/p.Min) / math.Log(p.Max/p.Min)
	}
	return (plain - p.Min) / (p.Max - p.Min)
}

// Denormalize converts a [0, 1] value to plain units.
func (p Info) Denormalize(norm float64) float64 {
	if norm < 0 {
		norm = 0
	} else if norm > 1 {
		norm = 1
	}
	if p.Scale == ScaleLog && p.Min > 0 {
		return p.Clamp(p.Min * math.Pow(p.Max/p.Min, norm))
	}
	return p.Clamp(p.Min + norm*(p.Max-p.Min))
}

type slot struct {
	version atomic.Uint64
	bits    atomic.Uint64
}

// Bank is the fixed set of parameter slots owned by one node. Its length
// never changes after creation, so the audio thread can index it freely.
type Bank struct {
	infos []Info
	slots []slot
}

// NewBank creates a bank with every slot set to its default value.
func NewBank(infos []Info) *Bank {
	b := &Bank{infos: append([]Info(nil), infos...), slots: make([]slot, len(infos))}
	for i := range b.infos {
		b.infos[i].Index = i
		b.slots[i].bits.Store(math.Float64bits(b.infos[i].Clamp(b.infos[i].Default)))
	}
	return b
}

// Len returns the number of parameters.
func (b *Bank) Len() int {
	if b == nil {
		return 0
	}
	return len(b.slots)
}

// Info returns the descriptor of parameter i.
func (b *Bank) Info(i int) (Info, bool) {
	if b == nil || i < 0 || i >= len(b.infos) {
		return Info{}, false
	}
	return b.infos[i], true
}

// Infos returns a copy of all descriptors.
func (b *Bank) Infos() []Info {
	if b == nil {
		return nil
	}
	return append([]Info(nil), b.infos...)
}

// Value returns the latest fully written value of parameter i, or 0 for an
// unknown index. Safe on the audio thread: no locks, no allocation.
func (b *Bank) Value(i int) float64 {
	if b == nil || i < 0 || i >= len(b.slots) {
		return 0
	}
	s := &b.slots[i]
	for {
		v1 := s.version.Load()
		if v1&1 == 1 {
			continue
		}
		bits := s.bits.Load()
		if s.version.Load() == v1 {
			return math.Float64frombits(bits)
		}
	}
}

// Version returns the write counter of parameter i; it changes by two per write.
func (b *Bank) Version(i int) uint64 {
	if b == nil || i < 0 || i >= len(b.slots) {
		return 0
	}
	return b.slots[i].version.Load()
}

// set stores a clamped value. Callers serialize writers (see Store).
func (b *Bank) set(i int, v float64) float64 {
	v = b.infos[i].Clamp(v)
	s := &b.slots[i]
	s.version.Add(1)
	s.bits.Store(math.Float64bits(v))
	s.version.Add(1)
	return v
}
