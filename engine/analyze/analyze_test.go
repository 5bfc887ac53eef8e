package analyze

import (
	"math"
	"testing"

	"github.com/shaban/audiocore/engine/mixer"
	"github.com/shaban/audiocore/engine/plugin"
)

func sineWave(frames, delay int, amp float64) []float32 {
	out := make([]float32, frames)
	for i := delay; i < frames; i++ {
		out[i] = float32(amp * math.Sin(2*math.Pi*440*float64(i-delay)/48000))
	}
	return out
}

func TestMeasure(t *testing.T) {
	m := Measure([]float32{0, 0, 0.5, -1}, 0.1)
	if m.Peak != 1 {
		t.Fatalf("peak: want 1 got %v", m.Peak)
	}
	if m.Onset != 2 {
		t.Fatalf("onset: want 2 got %d", m.Onset)
	}
	if want := math.Sqrt((0.25 + 1) / 4); math.Abs(m.RMS-want) > 1e-9 {
		t.Fatalf("rms: want %v got %v", want, m.RMS)
	}
	if Measure(nil, 0.1).Onset != -1 {
		t.Fatalf("empty buffer should have no onset")
	}
}

func TestVerifySignalPath_DelayedCopy(t *testing.T) {
	cfg := DefaultAnalysisConfig()
	in := plugin.Bus{sineWave(4800, 0, 0.5)}
	out := plugin.Bus{sineWave(4800, 48, 0.25)}

	a, err := VerifySignalPath(in, out, cfg)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if a.LatencyFrames != 48 {
		t.Fatalf("latency frames: want 48 got %d", a.LatencyFrames)
	}
	if a.Latency.Milliseconds() != 1 {
		t.Fatalf("latency: want 1ms got %v", a.Latency)
	}
	if math.Abs(a.GainChange-(-6.02)) > 0.1 {
		t.Fatalf("gain change: want about -6 dB got %.2f", a.GainChange)
	}
	if err := ValidatePathAnalysis(a, true, cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestVerifySignalPath_Silence(t *testing.T) {
	cfg := DefaultAnalysisConfig()
	a, err := VerifySignalPath(plugin.Bus{make([]float32, 256)}, plugin.Bus{make([]float32, 256)}, cfg)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if err := ValidatePathAnalysis(a, false, cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := ValidatePathAnalysis(a, true, cfg); err == nil {
		t.Fatalf("silence must fail a signal expectation")
	}
	if _, err := VerifySignalPath(nil, nil, cfg); err == nil {
		t.Fatalf("want error for empty buses")
	}
}

func TestAnalyzeMonoToStereo_ConstantPower(t *testing.T) {
	cfg := DefaultAnalysisConfig()
	mono := sineWave(4800, 0, 0.5)
	for _, pan := range []float32{-1, -0.5, 0, 0.5, 1} {
		l, r := mixer.PanGains(float64(pan), mixer.ConstantPower)
		stereo := plugin.Bus{make([]float32, len(mono)), make([]float32, len(mono))}
		for i, v := range mono {
			stereo[0][i] = v * l
			stereo[1][i] = v * r
		}
		a, err := AnalyzeMonoToStereo(mono, stereo, cfg)
		if err != nil {
			t.Fatalf("pan %v: %v", pan, err)
		}
		if err := ValidateStereoAnalysis(a, pan, cfg); err != nil {
			t.Fatalf("pan %v: %v", pan, err)
		}
		if math.Abs(a.TotalRMS-Measure(mono, 0).RMS) > 1e-3 {
			t.Fatalf("pan %v: constant power should keep total level, got %v", pan, a.TotalRMS)
		}
	}
}

func TestAnalyzePluginChainAndSends(t *testing.T) {
	cfg := DefaultAnalysisConfig()
	in := plugin.Bus{sineWave(1024, 0, 0.5), sineWave(1024, 0, 0.5)}
	out := plugin.Bus{sineWave(1024, 0, 0.25), sineWave(1024, 0, 0.25)}

	c, err := AnalyzePluginChain(in, out, cfg)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if err := ValidateChainAnalysis(c, true, cfg); err != nil {
		t.Fatalf("validate chain: %v", err)
	}
	if err := ValidateGain(c.GainChange, -6, cfg); err != nil {
		t.Fatalf("gain: %v", err)
	}

	s, err := AnalyzeBusSends(in, []plugin.Bus{out, in}, []float32{0.5, 1}, cfg)
	if err != nil {
		t.Fatalf("sends: %v", err)
	}
	if math.Abs(s.SendEfficiency[0]-1) > 0.01 || math.Abs(s.SendEfficiency[1]-1) > 0.01 {
		t.Fatalf("send efficiency: %v", s.SendEfficiency)
	}
	if _, err := AnalyzeBusSends(in, []plugin.Bus{out}, nil, cfg); err == nil {
		t.Fatalf("want length mismatch error")
	}
}

func TestDeinterleave(t *testing.T) {
	b := Deinterleave([]float32{1, 2, 3, 4, 5, 6}, 2)
	if len(b) != 2 || len(b[0]) != 3 {
		t.Fatalf("shape: %v", b)
	}
	if b[1][2] != 6 || b[0][1] != 3 {
		t.Fatalf("values: %v", b)
	}
}
