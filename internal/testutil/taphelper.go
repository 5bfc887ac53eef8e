package testutil

import (
	"math"
	"testing"
	"time"
)

// RMS returns the root mean square of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// AssertRMSAbove polls level until it reports at least minRMS or the
// timeout expires.
func AssertRMSAbove(t *testing.T, level func() float64, minRMS float64, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	last := 0.0
	for time.Now().Before(deadline) {
		if last = level(); last >= minRMS {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("signal below threshold: wanted >= %.6f within %s, last %.6f", minRMS, timeout, last)
}

// Eventually polls cond until it holds or the timeout expires.
func Eventually(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}
