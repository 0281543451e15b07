// Package lfp produces and stores the downsampled companion of the
// consolidated recording.
package lfp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/window"

	"github.com/phys-data/consolidate/internal/rec"
)

// kernelTapsPerFactor sets the anti-aliasing filter length: this many taps
// per unit of decimation, plus the center tap.
const kernelTapsPerFactor = 20

// Decimate low-pass filters x and keeps every factor-th sample. The filter
// is a Hamming-windowed sinc with cutoff at half the output bandwidth,
// applied center-aligned so the output is zero-phase, with edge samples
// replicated. Output i is anchored at input i*factor, and the output length
// is len(x)/factor rounded down. A factor of 1 copies the input.
func Decimate(x []float64, factor int) ([]float64, error) {
	if factor < 1 {
		return nil, fmt.Errorf("%w: decimation factor %d is not positive", rec.ErrFormat, factor)
	}
	if factor == 1 {
		out := make([]float64, len(x))
		copy(out, x)
		return out, nil
	}
	outLen := len(x) / factor
	if outLen == 0 {
		return nil, nil
	}

	h := lowpassKernel(factor)
	center := len(h) / 2
	last := len(x) - 1
	out := make([]float64, outLen)
	for i := range out {
		pos := i * factor
		var acc float64
		for k, w := range h {
			j := pos + k - center
			if j < 0 {
				j = 0
			} else if j > last {
				j = last
			}
			acc += w * x[j]
		}
		out[i] = acc
	}
	return out, nil
}

// lowpassKernel designs the windowed-sinc anti-aliasing filter for one
// decimation factor, normalized to unit DC gain.
func lowpassKernel(factor int) []float64 {
	taps := kernelTapsPerFactor*factor + 1
	center := taps / 2
	fc := 1.0 / (2.0 * float64(factor))

	h := make([]float64, taps)
	for n := range h {
		t := float64(n - center)
		if t == 0 {
			h[n] = 2 * fc
		} else {
			h[n] = math.Sin(2*math.Pi*fc*t) / (math.Pi * t)
		}
	}
	window.Hamming(h)

	var sum float64
	for _, v := range h {
		sum += v
	}
	for n := range h {
		h[n] /= sum
	}
	return h
}
