package mixer

import "math"

// Law is a pan law.
type Law int

const (
	// ConstantPower keeps L²+R² constant; the centre sits at -3 dB.
	ConstantPower Law = iota
	// Linear keeps L+R constant; the centre sits at -6 dB.
	Linear
)

// PanGains returns the left and right factors for pan in [-1, 1].
func PanGains(pan float64, law Law) (left, right float32) {
	if pan < -1 {
		pan = -1
	} else if pan > 1 {
		pan = 1
	}
	if law == Linear {
		return float32((1 - pan) / 2), float32((1 + pan) / 2)
	}
	theta := (pan + 1) * math.Pi / 4
	return float32(math.Cos(theta)), float32(math.Sin(theta))
}

// DBToGain converts decibels to a linear factor. Anything at or below
// MinDB is silence.
func DBToGain(db float64) float64 {
	if db <= MinDB {
		return 0
	}
	return math.Pow(10, db/20)
}

// GainToDB converts a linear factor to decibels, floored at MinDB.
func GainToDB(g float64) float64 {
	if g <= 0 {
		return MinDB
	}
	return math.Max(MinDB, 20*math.Log10(g))
}
