package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// DefaultPPQ is the tick resolution of a quarter note.
const DefaultPPQ = 960

var (
	ErrInvalidTempo    = errors.New("transport: tempo must be greater than zero")
	ErrInvalidTempoMap = errors.New("transport: invalid tempo map")
)

// TempoChange sets the tempo from Sample onwards.
type TempoChange struct {
	Sample int64   `json:"sample"`
	BPM    float64 `json:"bpm"`
}

// TimeSignature is a meter such as 4/4 or 6/8.
type TimeSignature struct {
	Numerator   int `json:"numerator"`
	Denominator int `json:"denominator"`
}

// CommonTime is 4/4.
var CommonTime = TimeSignature{Numerator: 4, Denominator: 4}

// Musical is a bar/beat/tick position. Bar and Beat count from one.
type Musical struct {
	Bar  int `json:"bar"`
	Beat int `json:"beat"`
	Tick int `json:"tick"`
}

func (m Musical) String() string { return fmt.Sprintf("%d.%d.%03d", m.Bar, m.Beat, m.Tick) }

// TempoMap converts between sample positions and musical time. It is
// immutable; a new map is published to replace it.
type TempoMap struct {
	sampleRate float64
	changes    []TempoChange
	beats      []float64 // quarter-note position of each change
	sig        TimeSignature
	ppq        int
}

// NewTempoMap validates and builds a map. Changes may be given in any
// order; two changes at the same sample are rejected. A zero signature or
// ppq selects 4/4 and DefaultPPQ.
func NewTempoMap(sampleRate float64, changes []TempoChange, sig TimeSignature, ppq int) (*TempoMap, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %v", ErrInvalidTempoMap, sampleRate)
	}
	if len(changes) == 0 {
		return nil, fmt.Errorf("%w: no tempo", ErrInvalidTempoMap)
	}
	if sig == (TimeSignature{}) {
		sig = CommonTime
	}
	if sig.Numerator <= 0 || sig.Denominator <= 0 || sig.Denominator&(sig.Denominator-1) != 0 {
		return nil, fmt.Errorf("%w: time signature %d/%d", ErrInvalidTempoMap, sig.Numerator, sig.Denominator)
	}
	if ppq == 0 {
		ppq = DefaultPPQ
	}
	if ppq < 0 || (ppq*4)%sig.Denominator != 0 {
		return nil, fmt.Errorf("%w: ppq %d", ErrInvalidTempoMap, ppq)
	}

	cs := append([]TempoChange(nil), changes...)
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].Sample < cs[j].Sample })
	for i, c := range cs {
		if !(c.BPM > 0) || math.IsInf(c.BPM, 0) {
			return nil, fmt.Errorf("%w: %v bpm at sample %d", ErrInvalidTempo, c.BPM, c.Sample)
		}
		if c.Sample < 0 {
			return nil, fmt.Errorf("%w: negative position %d", ErrInvalidTempoMap, c.Sample)
		}
		if i > 0 && cs[i-1].Sample == c.Sample {
			return nil, fmt.Errorf("%w: two tempo changes at sample %d", ErrInvalidTempoMap, c.Sample)
		}
	}

	m := &TempoMap{sampleRate: sampleRate, changes: cs, beats: make([]float64, len(cs)), sig: sig, ppq: ppq}
	m.beats[0] = float64(cs[0].Sample) * m.perSample(0)
	for i := 1; i < len(cs); i++ {
		m.beats[i] = m.beats[i-1] + float64(cs[i].Sample-cs[i-1].Sample)*m.perSample(i-1)
	}
	return m, nil
}

// ConstantTempo builds a single-tempo 4/4 map.
func ConstantTempo(sampleRate, bpm float64) (*TempoMap, error) {
	return NewTempoMap(sampleRate, []TempoChange{{Sample: 0, BPM: bpm}}, CommonTime, DefaultPPQ)
}

// WithTempo returns a copy of m holding a single tempo.
func (m *TempoMap) WithTempo(bpm float64) (*TempoMap, error) {
	return NewTempoMap(m.sampleRate, []TempoChange{{Sample: 0, BPM: bpm}}, m.sig, m.ppq)
}

func (m *TempoMap) perSample(i int) float64 {
	return m.changes[i].BPM / (60 * m.sampleRate)
}

// segment returns the index of the last change at or before sample, or -1.
func (m *TempoMap) segment(sample int64) int {
	return sort.Search(len(m.changes), func(i int) bool { return m.changes[i].Sample > sample }) - 1
}

// SampleRate returns the rate the map was built for.
func (m *TempoMap) SampleRate() float64 { return m.sampleRate }

// Signature returns the time signature.
func (m *TempoMap) Signature() TimeSignature { return m.sig }

// PPQ returns ticks per quarter note.
func (m *TempoMap) PPQ() int { return m.ppq }

// Changes returns a copy of the tempo changes in position order.
func (m *TempoMap) Changes() []TempoChange { return append([]TempoChange(nil), m.changes...) }

// TempoAt returns the tempo in effect at sample. Positions before the first
// change use the first tempo.
func (m *TempoMap) TempoAt(sample int64) float64 {
	i := m.segment(sample)
	if i < 0 {
		i = 0
	}
	return m.changes[i].BPM
}

// BeatsAt returns the quarter-note position of sample, interpolating
// linearly inside the bracketing tempo segment and extrapolating at the last
// tempo beyond the final change.
func (m *TempoMap) BeatsAt(sample int64) float64 {
	i := m.segment(sample)
	if i < 0 {
		return float64(sample) * m.perSample(0)
	}
	return m.beats[i] + float64(sample-m.changes[i].Sample)*m.perSample(i)
}

// SampleAt is the inverse of BeatsAt, rounded to the nearest sample.
func (m *TempoMap) SampleAt(beats float64) int64 {
	i := sort.Search(len(m.beats), func(i int) bool { return m.beats[i] > beats }) - 1
	if i < 0 {
		return int64(math.Round(beats / m.perSample(0)))
	}
	return m.changes[i].Sample + int64(math.Round((beats-m.beats[i])/m.perSample(i)))
}

// Musical returns the bar/beat/tick position of sample.
func (m *TempoMap) Musical(sample int64) Musical {
	ticks := int64(math.Floor(m.BeatsAt(sample) * float64(m.ppq)))
	if ticks < 0 {
		ticks = 0
	}
	perBeat := int64(m.ppq * 4 / m.sig.Denominator)
	perBar := perBeat * int64(m.sig.Numerator)
	return Musical{
		Bar:  int(ticks/perBar) + 1,
		Beat: int(ticks%perBar/perBeat) + 1,
		Tick: int(ticks % perBeat),
	}
}

type tempoMapJSON struct {
	SampleRate float64       `json:"sampleRate"`
	Changes    []TempoChange `json:"changes"`
	Signature  TimeSignature `json:"signature"`
	PPQ        int           `json:"ppq"`
}

// MarshalJSON implements json.Marshaler.
func (m *TempoMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(tempoMapJSON{SampleRate: m.sampleRate, Changes: m.changes, Signature: m.sig, PPQ: m.ppq})
}

// UnmarshalJSON implements json.Unmarshaler and validates the result.
func (m *TempoMap) UnmarshalJSON(b []byte) error {
	var raw tempoMapJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v, err := NewTempoMap(raw.SampleRate, raw.Changes, raw.Signature, raw.PPQ)
	if err != nil {
		return err
	}
	*m = *v
	return nil
}
