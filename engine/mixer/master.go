package mixer

import (
	"math"
	"sync/atomic"

	"github.com/shaban/audiocore/engine/graph"
)

// MaxMeterChannels bounds the channels a Meter reports.
const MaxMeterChannels = 8

// Meter is the level of the master output over one callback.
type Meter struct {
	Sample   int64                     `json:"sample"`
	Channels int                       `json:"channels"`
	Peak     [MaxMeterChannels]float32 `json:"peak"`
	RMS      [MaxMeterChannels]float32 `json:"rms"`
	Clipped  bool                      `json:"clipped"`
}

// PeakDB returns the peak of channel c in decibels.
func (m Meter) PeakDB(c int) float64 {
	if c < 0 || c >= m.Channels {
		return MinDB
	}
	return GainToDB(float64(m.Peak[c]))
}

// Master sums every output node into the interleaved device buffer.
// Mix and TakeMeter run on the audio thread; SetGainDB may be called from
// any goroutine.
type Master struct {
	channels int
	gain     atomic.Uint64

	peak    [MaxMeterChannels]float32
	sumSq   [MaxMeterChannels]float64
	frames  int
	clipped bool
}

// NewMaster creates a master section at unity gain.
func NewMaster(channels int) *Master {
	m := &Master{channels: channels}
	m.gain.Store(math.Float64bits(1))
	return m
}

// Channels returns the device channel count.
func (m *Master) Channels() int { return m.channels }

// SetGain sets the master gain as a linear factor.
func (m *Master) SetGain(g float64) { m.gain.Store(math.Float64bits(g)) }

// Gain returns the linear master gain.
func (m *Master) Gain() float64 { return math.Float64frombits(m.gain.Load()) }

// SetGainDB sets the master gain.
func (m *Master) SetGainDB(db float64) { m.gain.Store(math.Float64bits(DBToGain(db))) }

// GainDB returns the master gain.
func (m *Master) GainDB() float64 { return GainToDB(math.Float64frombits(m.gain.Load())) }

// Mix writes frames of interleaved output. Output nodes are summed in
// snapshot order, scaled by the master gain and limited to [-1, 1].
func (m *Master) Mix(s *graph.Snapshot, out []float32, frames int) {
	n := frames * m.channels
	if n > len(out) {
		n = len(out) - len(out)%m.channels
		frames = n / m.channels
	}
	clear(out[:n])
	if s != nil {
		for _, idx := range s.Outputs {
			st := &s.Steps[idx]
			if len(st.Outputs) == 0 {
				continue
			}
			bus := st.Outputs[0]
			for c := 0; c < m.channels && c < len(bus); c++ {
				src := bus[c]
				for i := 0; i < frames; i++ {
					out[i*m.channels+c] += src[i]
				}
			}
		}
	}
	g := float32(math.Float64frombits(m.gain.Load()))
	for i := 0; i < n; i++ {
		v := out[i] * g
		c := i % m.channels
		if c < MaxMeterChannels {
			a := v
			if a < 0 {
				a = -a
			}
			if a > m.peak[c] {
				m.peak[c] = a
			}
			m.sumSq[c] += float64(v) * float64(v)
		}
		if v > 1 {
			v, m.clipped = 1, true
		} else if v < -1 {
			v, m.clipped = -1, true
		}
		out[i] = v
	}
	m.frames += frames
}

// TakeMeter returns the levels accumulated since the last call and resets
// them.
func (m *Master) TakeMeter(sample int64) Meter {
	mt := Meter{Sample: sample, Channels: min(m.channels, MaxMeterChannels), Peak: m.peak, Clipped: m.clipped}
	if m.frames > 0 {
		for c := 0; c < mt.Channels; c++ {
			mt.RMS[c] = float32(math.Sqrt(m.sumSq[c] / float64(m.frames)))
		}
	}
	m.peak = [MaxMeterChannels]float32{}
	m.sumSq = [MaxMeterChannels]float64{}
	m.frames = 0
	m.clipped = false
	return mt
}
