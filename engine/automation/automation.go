// Package automation plays recorded parameter curves back as
// sample-accurate parameter events.
package automation

import (
	"fmt"
	"math"
	"sort"

	"github.com/shaban/audiocore/engine/plugin"
)

// Stride is the distance in samples between two evaluations of a lane.
const Stride = 32

// Curve shapes the segment that starts at a point.
type Curve uint8

const (
	Linear Curve = iota
	Step
	Bezier
	Exponential
	Logarithmic
)

var curveNames = [...]string{"linear", "step", "bezier", "exponential", "logarithmic"}

func (c Curve) String() string {
	if int(c) < len(curveNames) {
		return curveNames[c]
	}
	return fmt.Sprintf("curve(%d)", uint8(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c Curve) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Curve) UnmarshalText(b []byte) error {
	for i, n := range curveNames {
		if n == string(b) {
			*c = Curve(i)
			return nil
		}
	}
	return fmt.Errorf("automation: unknown curve %q", b)
}

// Point is one breakpoint. Tension only affects Bezier segments.
type Point struct {
	Sample  int64   `json:"sample"`
	Value   float64 `json:"value"`
	Curve   Curve   `json:"curve"`
	Tension float64 `json:"tension,omitempty"`
}

// Lane drives one parameter of one node.
type Lane struct {
	Node    uint32  `json:"node"`
	Param   int     `json:"param"`
	Default float64 `json:"default"`
	Points  []Point `json:"points"`
}

// NewLane copies and sorts points by position.
func NewLane(node uint32, index int, def float64, points []Point) *Lane {
	ps := append([]Point(nil), points...)
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Sample < ps[j].Sample })
	return &Lane{Node: node, Param: index, Default: def, Points: ps}
}

// ValueAt returns the lane value at sample. Before the first point the
// first value holds, after the last point the last value holds, and an
// empty lane yields Default.
func (l *Lane) ValueAt(sample int64) float64 {
	n := len(l.Points)
	if n == 0 {
		return l.Default
	}
	// index of the first point after sample
	lo, hi := 0, n
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if l.Points[mid].Sample <= sample {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	switch {
	case lo == 0:
		return l.Points[0].Value
	case lo == n:
		return l.Points[n-1].Value
	}
	return interpolate(l.Points[lo-1], l.Points[lo], sample)
}

func interpolate(prev, next Point, sample int64) float64 {
	t := float64(sample-prev.Sample) / float64(next.Sample-prev.Sample)
	d := next.Value - prev.Value
	switch prev.Curve {
	case Step:
		return prev.Value
	case Bezier:
		mt := 1 - t
		p2 := prev.Value + d*prev.Tension
		p3 := next.Value - d*prev.Tension
		return mt*mt*mt*prev.Value + 3*mt*mt*t*p2 + 3*mt*t*t*p3 + t*t*t*next.Value
	case Exponential:
		return prev.Value + d*t*t
	case Logarithmic:
		return prev.Value + d*math.Sqrt(t)
	default:
		return prev.Value + d*t
	}
}

// Cursor is the audio-side playback state of one lane.
type Cursor struct {
	Lane *Lane

	// Clamp, when set, limits every emitted value to the parameter range.
	Clamp func(float64) float64

	last   float64
	primed bool
}

// Rewind forces the next evaluation to emit.
func (c *Cursor) Rewind() { c.primed = false }

// Emit evaluates the lane every Stride samples over n frames that start at
// transport position start and block offset offset, pushing a parameter
// event whenever the value changes. It does not allocate.
func (c *Cursor) Emit(start int64, offset, n int, out *plugin.EventList) {
	if c.Lane == nil {
		return
	}
	for i := 0; i < n; i += Stride {
		v := c.Lane.ValueAt(start + int64(i))
		if c.Clamp != nil {
			v = c.Clamp(v)
		}
		if c.primed && v == c.last {
			continue
		}
		c.last, c.primed = v, true
		out.Push(plugin.ParamChange(uint32(offset+i), c.Lane.Param, v))
	}
}
