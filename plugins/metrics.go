package plugins

import "time"

// MetricsHook observes catalog scans and cache use. Implementers can log,
// aggregate metrics or emit traces.
type MetricsHook interface {
	OnQuickScanDone(duration time.Duration, count int, scanned bool)
	OnDetailsFetchDone(id string, duration time.Duration, success bool)
	OnCacheHit(id string)
	OnCacheMiss(id string)
	OnRefreshQuickDiff(added, removed, changed int, duration time.Duration)
	OnWarmProgress(total, completed int)
}

type nopHook struct{}

func (nopHook) OnQuickScanDone(time.Duration, int, bool) {}
func (nopHook) OnDetailsFetchDone(string, time.Duration, bool) {}
func (nopHook) OnCacheHit(string) {}
func (nopHook) OnCacheMiss(string) {}
func (nopHook) OnRefreshQuickDiff(int, int, int, time.Duration) {}
func (nopHook) OnWarmProgress(int, int) {}
