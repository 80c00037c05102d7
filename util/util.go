// Package util contains misc internal utilities.
package util

import (
	"context"
	"math"
	"time"
)

// Clamp returns x bounded to low <= x <= high.
func Clamp(x, low, high float64) float64 {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}

// NormalizeDeg maps an angle in degrees onto [0, 360).
func NormalizeDeg(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// AngularDistance returns the smallest absolute separation between two
// angles in degrees, in [0, 180].
func AngularDistance(a, b float64) float64 {
	d := math.Abs(NormalizeDeg(a) - NormalizeDeg(b))
	if d > 180 {
		d = 360 - d
	}
	return d
}

// Linspace returns n evenly spaced values from start to stop, inclusive on
// both ends.  n < 2 returns []float64{start}.
func Linspace(start, stop float64, n int) []float64 {
	if n < 2 {
		return []float64{start}
	}
	out := make([]float64, n)
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

// SecsToDuration converts a float number of seconds to a time.Duration
func SecsToDuration(s float64) time.Duration {
	return time.Duration(s * 1e9)
}

// SleepCtx sleeps for d or until the context is canceled, whichever comes
// first, returning the context's error in the latter case.
func SleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
