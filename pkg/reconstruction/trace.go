package reconstruction

import "math"

// monitor records the per-iteration objective value and, when a ground
// truth is supplied, the RMSE restricted to the region-of-interest
// mask. Neither trace is guaranteed monotone: FISTA's objective can
// oscillate under momentum extrapolation.
type monitor struct {
	objective []float64
	errTrace  []float64
	phantom   *Volume
	roi       []bool
}

func newMonitor(iterations int, phantom *Volume, roi []bool) *monitor {
	m := &monitor{
		objective: make([]float64, iterations),
		phantom:   phantom,
		roi:       roi,
	}
	if phantom != nil {
		m.errTrace = make([]float64, iterations)
	}
	return m
}

// record stores iteration i's objective and, with ground truth
// present, the masked RMSE of the iterate.
func (m *monitor) record(i int, objective float64, x *Volume) {
	m.objective[i] = objective
	if m.phantom == nil {
		return
	}
	m.errTrace[i] = maskedRMSE(x.Data, m.phantom.Data, m.roi)
}

// maskedRMSE is the root mean square error over the masked voxels.
// A nil mask means all voxels.
func maskedRMSE(x, ref []float64, mask []bool) float64 {
	var sum float64
	var n int
	for i := range x {
		if mask != nil && !mask[i] {
			continue
		}
		d := x[i] - ref[i]
		sum += d * d
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}
