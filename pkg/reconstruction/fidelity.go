package reconstruction

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// fidelityEvaluator computes the data-consistency residual to
// backproject and the scalar objective contribution for the active
// fidelity mode. The mode is fixed at validation time; no string is
// ever compared inside the loop.
type fidelityEvaluator struct {
	mode      FidelityMode
	alphaRing float64
	studentT  StudentTFunc
}

// evaluate consumes the forward-projected estimate est, the measured
// data meas and the weights w, all of identical shape (the full angle
// set or one subset). rx is the momentum-extrapolated ring vector
// ([Detectors x Slices] flat) and is only read in Group-Huber mode.
// ringAccum, when non-nil, receives the residual summed across angles
// per detector row.
//
// The returned objective is a contribution to accumulate, except in
// Student-t mode where setObjective tells the caller to overwrite the
// iteration's objective with it.
func (fe *fidelityEvaluator) evaluate(est, meas, w *Sinogram, rx, ringAccum []float64) (residual *Sinogram, objective float64, setObjective bool, err error) {
	residual = NewSinogram(est.Detectors, est.Angles, est.Slices)

	switch fe.mode {
	case FidelityLS:
		for i := range residual.Data {
			residual.Data[i] = w.Data[i] * (est.Data[i] - meas.Data[i])
		}
		// Vector norm, not squared norm. The squared form appears only
		// in the Group-Huber branch; the two are kept distinct on
		// purpose.
		objective = 0.5 * floats.Norm(residual.Data, 2)
		return residual, objective, false, nil

	case FidelityGroupHuber:
		slices := est.Slices
		var sum float64
		for d := 0; d < est.Detectors; d++ {
			for a := 0; a < est.Angles; a++ {
				base := est.Index(d, a, 0)
				for z := 0; z < slices; z++ {
					i := base + z
					offset := meas.Data[i] - fe.alphaRing*rx[d*slices+z]
					res := w.Data[i] * (est.Data[i] - offset)
					residual.Data[i] = res
					sum += res * res
					if ringAccum != nil {
						ringAccum[d*slices+z] += res
					}
				}
			}
		}
		objective = 0.5 * sum
		return residual, objective, false, nil

	case FidelityStudentT:
		for i := range residual.Data {
			residual.Data[i] = w.Data[i] * (est.Data[i] - meas.Data[i])
		}
		// The robust loss operates per slice on the flattened
		// [Detectors x Angles] residual; its gradient surrogate
		// replaces the residual before backprojection. With several
		// slices the reported loss is the last slice's, matching the
		// reference behavior of setting rather than accumulating.
		for z := 0; z < est.Slices; z++ {
			vec := residual.ExtractSlice(z)
			loss, grad := fe.studentT(vec, 1)
			if err := residual.SetSlice(z, grad); err != nil {
				return nil, 0, false, err
			}
			objective = loss
		}
		return residual, objective, true, nil
	}
	return nil, 0, false, configErrorf("fidelity", "unknown fidelity mode %d", int(fe.mode))
}

// StudentT is the built-in robust-loss primitive: the negative
// log-likelihood of a zero-location Student-t with the given degrees
// of freedom, and its gradient with respect to the residual. The scale
// is estimated from the residual itself as 1.4826 x MAD, falling back
// to one for a (numerically) all-zero residual.
func StudentT(residual []float64, dof float64) (loss float64, grad []float64) {
	s := madScale(residual)
	grad = make([]float64, len(residual))
	nu := dof
	for i, r := range residual {
		loss += (nu + 1) / 2 * math.Log1p(r*r/(nu*s*s))
		grad[i] = (nu + 1) * r / (nu*s*s + r*r)
	}
	return loss, grad
}

// madScale estimates a robust scale as 1.4826 times the median
// absolute deviation from the median.
func madScale(v []float64) float64 {
	if len(v) == 0 {
		return 1
	}
	tmp := make([]float64, len(v))
	copy(tmp, v)
	sort.Float64s(tmp)
	med := stat.Quantile(0.5, stat.Empirical, tmp, nil)
	for i, x := range v {
		tmp[i] = math.Abs(x - med)
	}
	sort.Float64s(tmp)
	mad := stat.Quantile(0.5, stat.Empirical, tmp, nil)
	s := 1.4826 * mad
	if s < 1e-12 {
		return 1
	}
	return s
}
