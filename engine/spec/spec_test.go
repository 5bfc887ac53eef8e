package spec

import (
	"testing"
)

func TestResolve_Defaults(t *testing.T) {
	got := Resolve(Preferences{})
	if got.SampleRate != 48000 {
		t.Fatalf("rate: want 48000 got %v", got.SampleRate)
	}
	if got.BufferSize != 512 {
		t.Fatalf("buf: want 512 got %v", got.BufferSize)
	}
	if got.ChannelCount != 2 {
		t.Fatalf("ch: want 2 got %v", got.ChannelCount)
	}
	if got.BitDepth != 32 {
		t.Fatalf("bd: want 32 got %v", got.BitDepth)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("default spec invalid: %v", err)
	}
}

func TestResolve_Overrides(t *testing.T) {
	got := Resolve(Preferences{PreferredSampleRate: 96000, LatencyHint: LatencyLow, ChannelCount: 1, BitDepth: 24})
	if got.SampleRate != 96000 {
		t.Fatalf("rate: want 96000 got %v", got.SampleRate)
	}
	if got.BufferSize != 256 {
		t.Fatalf("buf: want 256 got %v", got.BufferSize)
	}
	if got.ChannelCount != 1 {
		t.Fatalf("ch: want 1 got %v", got.ChannelCount)
	}
	if got.BitDepth != 24 {
		t.Fatalf("bd: want 24 got %v", got.BitDepth)
	}
}

func TestResolve_BufferSizeBeatsHint(t *testing.T) {
	got := Resolve(Preferences{LatencyHint: LatencyHigh, BufferSize: 64})
	if got.BufferSize != 64 {
		t.Fatalf("buf: want 64 got %v", got.BufferSize)
	}
	if MapLatencyToBuffer(LatencyHigh) != 1024 {
		t.Fatalf("high latency should map to 1024")
	}
}

func TestValidate_Rejects(t *testing.T) {
	for _, s := range []AudioSpec{
		{SampleRate: 0, BufferSize: 512, ChannelCount: 2},
		{SampleRate: 48000, BufferSize: 4, ChannelCount: 2},
		{SampleRate: 48000, BufferSize: 512, ChannelCount: 0},
	} {
		if err := s.Validate(); err == nil {
			t.Fatalf("want error for %+v", s)
		}
	}
}
