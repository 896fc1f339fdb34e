package service

import (
	"sort"
	"time"

	"segarb/internal/domain/model"
)

// Median returns the median of values; ok is false for an empty input.
// The input slice is not modified.
func Median(values []float64) (float64, bool) {
	n := len(values)
	if n == 0 {
		return 0, false
	}
	s := make([]float64, n)
	copy(s, values)
	sort.Float64s(s)
	if n%2 == 1 {
		return s[n/2], true
	}
	return (s[n/2-1] + s[n/2]) / 2, true
}

// WindowMedian computes the median of the samples that fall inside the
// trailing window ending at now. It returns the number of samples used and
// ok=false when fewer than minSamples qualify or when the newest sample is
// older than the window (a gap wider than the window).
func WindowMedian(samples []model.Sample, window time.Duration, minSamples int, now time.Time) (median float64, n int, ok bool) {
	from := now.Add(-window)
	values := make([]float64, 0, len(samples))
	var newest time.Time
	for _, s := range samples {
		if s.Timestamp.Before(from) || s.Timestamp.After(now) {
			continue
		}
		values = append(values, s.Value)
		if s.Timestamp.After(newest) {
			newest = s.Timestamp
		}
	}
	n = len(values)
	if n == 0 || n < minSamples {
		return 0, n, false
	}
	if now.Sub(newest) > window {
		return 0, n, false
	}
	median, ok = Median(values)
	return median, n, ok
}
