// Package powerline removes the periodic electrical-mains artifact from
// separated channels. All operations work on the widened signed
// representation and shared trigger edge indices; callers handle file I/O
// and sample narrowing.
package powerline

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/phys-data/consolidate/internal/rec"
)

// DefaultMainsHz is the powerline frequency assumed when none is
// configured.
const DefaultMainsHz = 60.0

// CalibrationTolerance is the accepted fractional deviation between the
// detected edge count and the count expected from the run duration.
const CalibrationTolerance = 0.2

// DetectEdges classifies sig against its mean and returns the index just
// before each rising threshold crossing, in order.
func DetectEdges(sig []int64) []int {
	if len(sig) == 0 {
		return nil
	}
	f := make([]float64, len(sig))
	for i, v := range sig {
		f[i] = float64(v)
	}
	mean := stat.Mean(f, nil)

	var edges []int
	above := f[0] > mean
	for i := 1; i < len(f); i++ {
		now := f[i] > mean
		if now && !above {
			edges = append(edges, i-1)
		}
		above = now
	}
	return edges
}

// CheckCalibration compares the detected edge count against the count
// expected for the run duration at the mains frequency. A deviation beyond
// CalibrationTolerance fails the run.
func CheckCalibration(edgeCount int, totalSamples int64, sampleRate int, mainsHz float64) error {
	if sampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d is not positive", rec.ErrFormat, sampleRate)
	}
	if mainsHz <= 0 {
		return fmt.Errorf("%w: mains frequency %.1f is not positive", rec.ErrFormat, mainsHz)
	}
	seconds := float64(totalSamples) / float64(sampleRate)
	expected := seconds * mainsHz
	if math.Abs(float64(edgeCount)-expected) > expected*CalibrationTolerance {
		return fmt.Errorf("%w: detected %d trigger edges, expected %.0f over %.1f s at %.1f Hz",
			rec.ErrPowerlineCalibration, edgeCount, expected, seconds, mainsHz)
	}
	return nil
}

// BuildTemplate averages sig over every fully observed artifact cycle. The
// cycle length is the shortest inter-edge gap, so the template never spans
// two triggers. The template is demeaned so subtracting it preserves the
// channel's offset. Returns nil when fewer than two edges exist or no full
// cycle fits in the signal.
func BuildTemplate(sig []int64, edges []int) []int64 {
	if len(edges) < 2 {
		return nil
	}
	cycle := edges[1] - edges[0]
	for i := 2; i < len(edges); i++ {
		if g := edges[i] - edges[i-1]; g < cycle {
			cycle = g
		}
	}
	if cycle <= 0 {
		return nil
	}

	sums := make([]int64, cycle)
	var cycles int64
	for _, e := range edges {
		if e >= 0 && e+cycle <= len(sig) {
			for j := 0; j < cycle; j++ {
				sums[j] += sig[e+j]
			}
			cycles++
		}
	}
	if cycles == 0 {
		return nil
	}

	tmpl := make([]int64, cycle)
	var total int64
	for j := range sums {
		tmpl[j] = sums[j] / cycles
		total += tmpl[j]
	}
	mean := total / int64(cycle)
	for j := range tmpl {
		tmpl[j] -= mean
	}
	return tmpl
}

// Subtract removes the template from sig in place: once per inter-edge
// interval, truncated to the shorter of the interval and the template, and
// once from the tail after the last edge.
func Subtract(sig []int64, edges []int, template []int64) {
	for i, start := range edges {
		if start < 0 || start >= len(sig) {
			continue
		}
		end := len(sig)
		if i+1 < len(edges) && edges[i+1] < end {
			end = edges[i+1]
		}
		if start+len(template) < end {
			end = start + len(template)
		}
		for j := start; j < end; j++ {
			sig[j] -= template[j-start]
		}
	}
}

// Remove builds the cycle template from sig at the shared trigger edges and
// subtracts it in place. It reports false, leaving sig untouched, when the
// signal is too short to observe a full cycle.
func Remove(sig []int64, edges []int) bool {
	tmpl := BuildTemplate(sig, edges)
	if tmpl == nil {
		return false
	}
	Subtract(sig, edges, tmpl)
	return true
}
