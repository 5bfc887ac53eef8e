// Package analyze provides high-level audio analysis primitives for testing
// signal paths, mono→stereo panning, processor chains, and bus sends over
// rendered buffers.
package analyze

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shaban/audiocore/engine/plugin"
)

// Metrics summarizes one buffer.
type Metrics struct {
	RMS        float64
	Peak       float64
	FrameCount int
	// Onset is the first frame whose magnitude reaches the signal
	// threshold, or -1.
	Onset int
}

// PathAnalysis contains results of signal path verification
type PathAnalysis struct {
	InputDetected   bool          // Signal present at input
	OutputDetected  bool          // Signal present at output
	Latency         time.Duration // Time from input to output
	LatencyFrames   int
	SignalIntegrity bool    // Output correlates with input
	Correlation     float64 // Normalized correlation at the measured latency
	InputRMS        float64 // Input signal level
	OutputRMS       float64 // Output signal level
	GainChange      float64 // dB change from input to output
}

// StereoAnalysis contains results of mono→stereo conversion analysis
type StereoAnalysis struct {
	LeftChannelRMS  float64 // Left channel level
	RightChannelRMS float64 // Right channel level
	PanPosition     float32 // Pan derived from the measured levels (-1.0 to 1.0)
	StereoWidth     float64 // How "wide" the stereo image is
	MonoCompatible  bool    // Sums to mono correctly
	TotalRMS        float64 // Combined RMS level
	Balance         float64 // L/R balance (-1.0 to 1.0)
}

// ChainAnalysis contains results of processor chain analysis
type ChainAnalysis struct {
	InputRMS      float64 // Input signal level
	OutputRMS     float64 // Output signal level
	GainChange    float64 // dB change through chain
	IsProcessing  bool    // Chain is actively processing
	FramesIn      int     // Frames at input
	FramesOut     int     // Frames at output
	LatencyFrames int     // Processing latency in frames
}

// SendAnalysis contains results of bus send analysis
type SendAnalysis struct {
	ChannelLevel    float64         // Main channel level
	SendLevels      map[int]float64 // Level at each bus input
	SendRatios      map[int]float32 // Actual vs channel send ratios
	TotalSendEnergy float64         // Sum of all send energy
	SendEfficiency  map[int]float64 // How well each send is working
}

// AnalysisConfig tunes detection thresholds.
type AnalysisConfig struct {
	SampleRate     float64 // Used to express latency as a duration
	MinSignalLevel float64 // Minimum RMS to consider as signal
	MaxLatency     time.Duration
	ToleranceDB    float64 // Tolerance for level comparisons (dB)
	PanTolerance   float32 // Tolerance for pan position
	MinCorrelation float64
}

// DefaultAnalysisConfig returns sensible defaults for audio analysis
func DefaultAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{
		SampleRate:     48000,
		MinSignalLevel: 0.001, // -60dB
		MaxLatency:     10 * time.Millisecond,
		ToleranceDB:    1.0,
		PanTolerance:   0.1,
		MinCorrelation: 0.9,
	}
}

var errEmpty = errors.New("analyze: empty buffer")

// Measure computes the metrics of one channel.
func Measure(samples []float32, threshold float64) Metrics {
	m := Metrics{FrameCount: len(samples), Onset: -1}
	if len(samples) == 0 {
		return m
	}
	var sum float64
	for i, v := range samples {
		a := math.Abs(float64(v))
		sum += a * a
		m.Peak = max(m.Peak, a)
		if m.Onset < 0 && a >= threshold && threshold > 0 {
			m.Onset = i
		}
	}
	m.RMS = math.Sqrt(sum / float64(len(samples)))
	return m
}

// MeasureBus measures all channels of b together.
func MeasureBus(b plugin.Bus, threshold float64) Metrics {
	if len(b) == 0 {
		return Metrics{Onset: -1}
	}
	out := Metrics{FrameCount: len(b[0]), Onset: -1}
	var sum float64
	for _, ch := range b {
		m := Measure(ch, threshold)
		sum += m.RMS * m.RMS
		out.Peak = max(out.Peak, m.Peak)
		if m.Onset >= 0 && (out.Onset < 0 || m.Onset < out.Onset) {
			out.Onset = m.Onset
		}
	}
	out.RMS = math.Sqrt(sum / float64(len(b)))
	return out
}

// Deinterleave splits an interleaved buffer into a planar bus.
func Deinterleave(buf []float32, channels int) plugin.Bus {
	if channels <= 0 {
		return nil
	}
	frames := len(buf) / channels
	b := make(plugin.Bus, channels)
	for c := range b {
		b[c] = make([]float32, frames)
		for i := 0; i < frames; i++ {
			b[c][i] = buf[i*channels+c]
		}
	}
	return b
}

// ToDB converts a linear level to decibels, floored at -120.
func ToDB(level float64) float64 {
	if level <= 1e-6 {
		return -120
	}
	return 20 * math.Log10(level)
}

func gainChange(in, out float64) float64 {
	if in > 0 && out > 0 {
		return 20 * math.Log10(out/in)
	}
	return 0
}

// correlation returns the normalized correlation of a against b shifted by
// lag frames.
func correlation(a, b []float32, lag int) float64 {
	var ab, aa, bb float64
	for i := 0; i+lag < len(b) && i < len(a); i++ {
		x, y := float64(a[i]), float64(b[i+lag])
		ab += x * y
		aa += x * x
		bb += y * y
	}
	if aa == 0 || bb == 0 {
		return 0
	}
	return math.Abs(ab) / math.Sqrt(aa*bb)
}

// VerifySignalPath checks if audio flows correctly from input to output
func VerifySignalPath(input, output plugin.Bus, config AnalysisConfig) (*PathAnalysis, error) {
	if len(input) == 0 || len(output) == 0 {
		return nil, fmt.Errorf("invalid parameters: input and output buses cannot be empty: %w", errEmpty)
	}
	inM := MeasureBus(input, config.MinSignalLevel)
	outM := MeasureBus(output, config.MinSignalLevel)

	analysis := &PathAnalysis{
		InputDetected:  inM.RMS >= config.MinSignalLevel,
		OutputDetected: outM.RMS >= config.MinSignalLevel,
		InputRMS:       inM.RMS,
		OutputRMS:      outM.RMS,
		GainChange:     gainChange(inM.RMS, outM.RMS),
	}
	if analysis.InputDetected && analysis.OutputDetected && inM.Onset >= 0 && outM.Onset >= 0 {
		lag := max(outM.Onset-inM.Onset, 0)
		analysis.LatencyFrames = lag
		if config.SampleRate > 0 {
			analysis.Latency = time.Duration(math.Round(float64(lag) / config.SampleRate * float64(time.Second)))
		}
		analysis.Correlation = correlation(input[0], output[0], lag)
		analysis.SignalIntegrity = analysis.Correlation >= config.MinCorrelation
	}
	return analysis, nil
}

// AnalyzeMonoToStereo measures how a mono source was spread over a stereo
// bus and derives the pan position from the constant-power law.
func AnalyzeMonoToStereo(mono []float32, stereo plugin.Bus, config AnalysisConfig) (*StereoAnalysis, error) {
	if len(stereo) < 2 {
		return nil, fmt.Errorf("invalid parameters: stereo output needs two channels, got %d", len(stereo))
	}
	monoM := Measure(mono, config.MinSignalLevel)
	left := Measure(stereo[0], config.MinSignalLevel).RMS
	right := Measure(stereo[1], config.MinSignalLevel).RMS
	total := math.Sqrt(left*left + right*right)

	a := &StereoAnalysis{
		LeftChannelRMS:  left,
		RightChannelRMS: right,
		TotalRMS:        total,
		StereoWidth:     math.Abs(left - right),
	}
	if left > 0 || right > 0 {
		theta := math.Atan2(right, left)
		a.PanPosition = float32(theta*4/math.Pi - 1)
		a.Balance = (right - left) / (right + left)
	}

	// a mono fold-down must keep the source level
	if monoM.RMS > config.MinSignalLevel {
		sum := make([]float32, len(stereo[0]))
		for i := range sum {
			sum[i] = stereo[0][i] + stereo[1][i]
		}
		a.MonoCompatible = Measure(sum, 0).RMS > config.MinSignalLevel
	} else {
		a.MonoCompatible = total <= config.MinSignalLevel
	}
	return a, nil
}

// AnalyzePluginChain analyzes processor chain processing
func AnalyzePluginChain(input, output plugin.Bus, config AnalysisConfig) (*ChainAnalysis, error) {
	if len(input) == 0 || len(output) == 0 {
		return nil, fmt.Errorf("invalid parameters: chain input and output cannot be empty: %w", errEmpty)
	}
	inM := MeasureBus(input, config.MinSignalLevel)
	outM := MeasureBus(output, config.MinSignalLevel)
	a := &ChainAnalysis{
		InputRMS:     inM.RMS,
		OutputRMS:    outM.RMS,
		GainChange:   gainChange(inM.RMS, outM.RMS),
		IsProcessing: outM.FrameCount > 0 && outM.RMS >= config.MinSignalLevel,
		FramesIn:     inM.FrameCount,
		FramesOut:    outM.FrameCount,
	}
	if inM.Onset >= 0 && outM.Onset >= 0 {
		a.LatencyFrames = max(outM.Onset-inM.Onset, 0)
	}
	return a, nil
}

// AnalyzeBusSends analyzes bus send routing and levels
func AnalyzeBusSends(channel plugin.Bus, buses []plugin.Bus, expectedSendLevels []float32, config AnalysisConfig) (*SendAnalysis, error) {
	if len(channel) == 0 {
		return nil, fmt.Errorf("invalid parameters: channel output cannot be empty: %w", errEmpty)
	}
	if len(buses) != len(expectedSendLevels) {
		return nil, fmt.Errorf("bus inputs and send levels must have the same length")
	}
	ch := MeasureBus(channel, config.MinSignalLevel)
	a := &SendAnalysis{
		ChannelLevel:   ch.RMS,
		SendLevels:     make(map[int]float64, len(buses)),
		SendRatios:     make(map[int]float32, len(buses)),
		SendEfficiency: make(map[int]float64, len(buses)),
	}
	for i, b := range buses {
		m := MeasureBus(b, config.MinSignalLevel)
		a.SendLevels[i] = m.RMS
		a.TotalSendEnergy += m.RMS
		if ch.RMS > 0 {
			ratio := float32(m.RMS / ch.RMS)
			a.SendRatios[i] = ratio
			if expectedSendLevels[i] > 0 {
				a.SendEfficiency[i] = float64(ratio / expectedSendLevels[i])
			}
		}
	}
	return a, nil
}

// Helper functions for analysis validation

// ValidatePathAnalysis checks if a path analysis meets expectations
func ValidatePathAnalysis(analysis *PathAnalysis, expectSignal bool, config AnalysisConfig) error {
	if expectSignal {
		if !analysis.InputDetected {
			return fmt.Errorf("expected signal at input but none detected (RMS: %.6f)", analysis.InputRMS)
		}
		if !analysis.OutputDetected {
			return fmt.Errorf("expected signal at output but none detected (RMS: %.6f)", analysis.OutputRMS)
		}
		if !analysis.SignalIntegrity {
			return fmt.Errorf("signal integrity check failed (correlation %.3f)", analysis.Correlation)
		}
		if config.MaxLatency > 0 && analysis.Latency > config.MaxLatency {
			return fmt.Errorf("latency %v exceeds %v", analysis.Latency, config.MaxLatency)
		}
	} else {
		if analysis.InputDetected {
			return fmt.Errorf("expected no signal at input but detected (RMS: %.6f)", analysis.InputRMS)
		}
		if analysis.OutputDetected {
			return fmt.Errorf("expected no signal at output but detected (RMS: %.6f)", analysis.OutputRMS)
		}
	}
	return nil
}

// ValidateStereoAnalysis checks if stereo analysis meets pan expectations
func ValidateStereoAnalysis(analysis *StereoAnalysis, expectedPan float32, config AnalysisConfig) error {
	if analysis.TotalRMS <= config.MinSignalLevel {
		return nil
	}
	if !analysis.MonoCompatible {
		return fmt.Errorf("signal processing failed - mono fold-down lost the signal")
	}
	panDiff := math.Abs(float64(analysis.PanPosition - expectedPan))
	if panDiff > float64(config.PanTolerance) {
		return fmt.Errorf("pan position mismatch: expected %.2f, got %.2f (diff: %.2f)",
			expectedPan, analysis.PanPosition, panDiff)
	}
	left, right := analysis.LeftChannelRMS, analysis.RightChannelRMS
	switch {
	case expectedPan < -0.8 && left <= right:
		return fmt.Errorf("expected left dominance for pan %.2f, measured L:%.6f R:%.6f", expectedPan, left, right)
	case expectedPan > 0.8 && right <= left:
		return fmt.Errorf("expected right dominance for pan %.2f, measured L:%.6f R:%.6f", expectedPan, left, right)
	}
	return nil
}

// ValidateChainAnalysis checks if processor chain analysis shows processing
func ValidateChainAnalysis(analysis *ChainAnalysis, expectProcessing bool, config AnalysisConfig) error {
	if expectProcessing {
		if !analysis.IsProcessing {
			return fmt.Errorf("expected processor chain to be processing but it's not")
		}
		if analysis.FramesOut == 0 {
			return fmt.Errorf("expected output frames but got none")
		}
	} else if analysis.IsProcessing && analysis.OutputRMS >= config.MinSignalLevel {
		return fmt.Errorf("expected no processing but chain is active")
	}
	return nil
}

// ValidateGain checks a measured gain change against want within the
// configured tolerance.
func ValidateGain(measuredDB, wantDB float64, config AnalysisConfig) error {
	if math.Abs(measuredDB-wantDB) > config.ToleranceDB {
		return fmt.Errorf("gain %.2f dB, want %.2f dB ±%.2f", measuredDB, wantDB, config.ToleranceDB)
	}
	return nil
}
