package reconstruction

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// ringTracker maintains the auxiliary ring-artifact state of the
// Group-Huber fidelity: a per-detector-row offset vector r with its
// momentum-extrapolated companion rx, both [Detectors x Slices]
// (flat, d*Slices + z). Inert when lambda is zero.
type ringTracker struct {
	r      []float64
	rx     []float64
	rOld   []float64
	lambda float64
	alpha  float64
}

func newRingTracker(detectors, slices int, lambda, alpha float64) *ringTracker {
	n := detectors * slices
	return &ringTracker{
		r:      make([]float64, n),
		rx:     make([]float64, n),
		rOld:   make([]float64, n),
		lambda: lambda,
		alpha:  alpha,
	}
}

// active reports whether ring tracking participates in the run.
func (rt *ringTracker) active() bool { return rt.lambda > 0 }

// begin snapshots r into rOld at the start of an outer iteration.
func (rt *ringTracker) begin() { copy(rt.rOld, rt.r) }

// update applies the gradient step on the ring vector followed by
// elementwise soft-thresholding: r = soft(rx - vec/L, lambda). vec is
// the residual summed across angles per detector row.
func (rt *ringTracker) update(vec []float64, lipschitz float64) {
	if !rt.active() {
		return
	}
	for i := range rt.r {
		rNew := rt.rx[i] - vec[i]/lipschitz
		rt.r[i] = softThreshold(rNew, rt.lambda)
	}
}

// extrapolate advances rx with the same momentum coefficients as the
// main iterate: rx = r + ((tOld-1)/t)(r - rOld).
func (rt *ringTracker) extrapolate(tOld, t float64) {
	if !rt.active() {
		return
	}
	beta := (tOld - 1) / t
	copy(rt.rx, rt.r)
	floats.AddScaled(rt.rx, beta, rt.r)
	floats.AddScaled(rt.rx, -beta, rt.rOld)
}

// softThreshold is the scalar shrinkage operator
// sign(v) * max(|v| - lambda, 0).
func softThreshold(v, lambda float64) float64 {
	m := math.Abs(v) - lambda
	if m <= 0 {
		return 0
	}
	return math.Copysign(m, v)
}
