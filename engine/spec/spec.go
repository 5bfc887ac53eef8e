// Package spec resolves the user's audio preferences into the fixed stream
// format of one engine session.
package spec

import "fmt"

// LatencyClass is a coarse latency preference.
type LatencyClass string

const (
	LatencyLow    LatencyClass = "low"
	LatencyMedium LatencyClass = "medium"
	LatencyHigh   LatencyClass = "high"
)

// Preferences is what a user or config file asks for. Zero fields fall
// back to defaults.
type Preferences struct {
	PreferredSampleRate float64      `json:"preferredSampleRate,omitempty"`
	LatencyHint         LatencyClass `json:"latencyHint,omitempty"`
	BufferSize          int          `json:"bufferSize,omitempty"`
	ChannelCount        int          `json:"channelCount,omitempty"`
	BitDepth            int          `json:"bitDepth,omitempty"`
}

// AudioSpec is the concrete stream format. It is fixed for a session;
// changing it requires a stop and restart of the engine.
type AudioSpec struct {
	SampleRate   float64 `json:"sampleRate"`
	BufferSize   int     `json:"bufferSize"`
	ChannelCount int     `json:"channelCount"`
	BitDepth     int     `json:"bitDepth"`
}

// Validate rejects formats the engine cannot run.
func (s AudioSpec) Validate() error {
	switch {
	case s.SampleRate < 8000 || s.SampleRate > 384000:
		return fmt.Errorf("spec: sample rate %v out of range", s.SampleRate)
	case s.BufferSize < 16 || s.BufferSize > 8192:
		return fmt.Errorf("spec: buffer size %d out of range", s.BufferSize)
	case s.ChannelCount < 1 || s.ChannelCount > 32:
		return fmt.Errorf("spec: channel count %d out of range", s.ChannelCount)
	}
	return nil
}

// Period returns the duration of one block in seconds.
func (s AudioSpec) Period() float64 { return float64(s.BufferSize) / s.SampleRate }

// MapLatencyToBuffer maps a latency class to a buffer size in frames.
func MapLatencyToBuffer(c LatencyClass) int {
	switch c {
	case LatencyLow:
		return 256
	case LatencyHigh:
		return 1024
	default:
		return 512
	}
}

// Default returns the format used when nothing is configured.
func Default() AudioSpec { return Resolve(Preferences{}) }

// Resolve converts preferences into a concrete AudioSpec. An explicit
// BufferSize wins over LatencyHint.
func Resolve(p Preferences) AudioSpec {
	rate := p.PreferredSampleRate
	if rate <= 0 {
		rate = 48000
	}

	buf := p.BufferSize
	if buf <= 0 {
		buf = MapLatencyToBuffer(p.LatencyHint)
	}

	ch := p.ChannelCount
	if ch <= 0 {
		ch = 2
	}
	bd := p.BitDepth
	if bd <= 0 {
		bd = 32
	}

	return AudioSpec{
		SampleRate:   rate,
		BufferSize:   buf,
		ChannelCount: ch,
		BitDepth:     bd,
	}
}
