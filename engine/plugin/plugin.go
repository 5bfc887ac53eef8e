// Package plugin is the boundary between the engine and audio processors.
//
// An Instance is the processor itself: built into the binary, provided by the
// mixer, or loaded from a native Go plugin file. The engine never calls an
// Instance directly; it goes through a Host, which owns the lifecycle state,
// turns panics and errors from Process into faults and measures how long each
// call takes.
package plugin

import (
	"fmt"

	"github.com/shaban/audiocore/engine/param"
)

// HostABIVersion is the layout version of Instance and ProcessContext.
// Descriptors built against another version are refused at load time.
const HostABIVersion = 3

// Kind classifies what a node does in the graph.
type Kind uint8

const (
	KindEffect Kind = iota
	KindInstrument
	KindBus
	KindInput
	KindOutput
)

var kindNames = [...]string{
	KindEffect:     "effect",
	KindInstrument: "instrument",
	KindBus:        "bus",
	KindInput:      "input",
	KindOutput:     "output",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("plugin: unknown kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Descriptor identifies a processor and its static shape.
type Descriptor struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Vendor     string       `json:"vendor,omitempty"`
	Version    string       `json:"version,omitempty"`
	ABIVersion int          `json:"abiVersion,omitempty"`
	Kind       Kind         `json:"kind"`
	AudioIn    int          `json:"audioIn"`
	AudioOut   int          `json:"audioOut"`
	EventIn    int          `json:"eventIn"`
	EventOut   int          `json:"eventOut"`
	Params     []param.Info `json:"params,omitempty"`
	Path       string       `json:"path,omitempty"` // native plugin file, empty for built-ins
}

// Bus is one audio port: planar channel buffers of the block length.
type Bus [][]float32

// Zero clears every channel.
func (b Bus) Zero() {
	for _, ch := range b {
		clear(ch)
	}
}

// CopyFrom copies src channel by channel. Missing source channels are
// zeroed.
func (b Bus) CopyFrom(src Bus) {
	for c, ch := range b {
		if c < len(src) {
			copy(ch, src[c])
		} else {
			clear(ch)
		}
	}
}

// TransportInfo is the read-only view of the transport for one block.
type TransportInfo struct {
	Sample    int64
	Tempo     float64
	Beats     float64
	Playing   bool
	Recording bool
	Looping   bool
	LoopStart int64
	LoopEnd   int64
}

// ProcessContext carries everything one Process call may touch. The engine
// owns every buffer; instances must not retain any of them past the call.
type ProcessContext struct {
	Inputs     []Bus
	Outputs    []Bus
	InEvents   *EventList
	OutEvents  *EventList
	Frames     int
	SampleRate float64
	Params     *param.Bank
	Transport  TransportInfo

	// Device holds the hardware input of this block. Only input nodes read it.
	Device Bus
}

// Instance is a processor. Activate and Deactivate run on the control
// goroutine; Process runs on the audio thread and must not allocate, lock
// or block.
type Instance interface {
	Descriptor() Descriptor
	Activate(sampleRate float64, maxBlockSize int) error
	Process(ctx *ProcessContext) error
	Deactivate()
	Release()
}

// Resetter is implemented by instances that can clear their DSP state when
// a faulted node is reset.
type Resetter interface {
	Reset()
}
