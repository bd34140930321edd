package reconstruction

import (
	"fmt"
	"math"

	"github.com/valyala/fastrand"
	"gonum.org/v1/gonum/floats"
)

// Power-iteration counts. 3D geometries use fewer rounds because each
// whole-volume operator application is far more expensive.
const (
	powerIters2D = 15
	powerIters3D = 8
)

// estimateLipschitz estimates the largest singular value of the
// weighted composition W^{1/2} F via power iteration, where F is the
// forward projector and W the statistical weights. For 2D beam models
// the estimate runs on one representative slice (the middle slice of
// the weight map); for 3D models it runs on the whole volume.
func (r *Reconstructor) estimateLipschitz() (float64, error) {
	sqw := r.weights.Clone()
	for i, w := range sqw.Data {
		sqw.Data[i] = math.Sqrt(w)
	}
	pg := r.params.Projection
	vg := r.params.Volume

	if pg.Beam.Is3D() {
		x1 := NewVolume(vg)
		fillRandom(x1.Data)
		y, err := r.projector.ForwardVolume(x1, pg, vg)
		if err != nil {
			return 0, fmt.Errorf("power iteration forward call: %w", err)
		}
		mulElem(y.Data, sqw.Data)
		var s float64
		for i := 0; i < powerIters3D; i++ {
			mulElem(y.Data, sqw.Data)
			x1, err = r.projector.BackprojectVolume(y, pg, vg)
			if err != nil {
				return 0, fmt.Errorf("power iteration adjoint call: %w", err)
			}
			s = floats.Norm(x1.Data, 2)
			if s == 0 {
				return 0, nil
			}
			floats.Scale(1/s, x1.Data)
			y, err = r.projector.ForwardVolume(x1, pg, vg)
			if err != nil {
				return 0, fmt.Errorf("power iteration forward call: %w", err)
			}
			mulElem(y.Data, sqw.Data)
		}
		return s, nil
	}

	// Representative middle slice of the weight map for 2D models.
	z := vg.Slices / 2
	sqwSlice := sqw.ExtractSlice(z)
	x1 := make([]float64, vg.N*vg.N)
	fillRandom(x1)
	y, err := r.projector.ForwardSlice(x1, pg, vg)
	if err != nil {
		return 0, fmt.Errorf("power iteration forward call: %w", err)
	}
	mulElem(y, sqwSlice)
	var s float64
	for i := 0; i < powerIters2D; i++ {
		mulElem(y, sqwSlice)
		x1, err = r.projector.BackprojectSlice(y, pg, vg)
		if err != nil {
			return 0, fmt.Errorf("power iteration adjoint call: %w", err)
		}
		s = floats.Norm(x1, 2)
		if s == 0 {
			return 0, nil
		}
		floats.Scale(1/s, x1)
		y, err = r.projector.ForwardSlice(x1, pg, vg)
		if err != nil {
			return 0, fmt.Errorf("power iteration forward call: %w", err)
		}
		mulElem(y, sqwSlice)
	}
	return s, nil
}

// fillRandom fills v with uniform values in [0, 1). A nonnegative
// start keeps the iteration away from sign-cancellation dead spots.
func fillRandom(v []float64) {
	var rng fastrand.RNG
	rng.Seed(0x9E3779B9)
	for i := range v {
		v[i] = float64(rng.Uint32()) / float64(math.MaxUint32)
	}
}

func mulElem(dst, src []float64) {
	for i := range dst {
		dst[i] *= src[i]
	}
}
