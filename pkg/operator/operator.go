// Package operator provides reference implementations of the
// reconstruction collaborator contracts: a projector backed by an
// explicit system matrix, a scaled-identity stub, and a smoothing
// proximal stub. They exist for tests, demos and callers that hold an
// explicit system matrix; production projectors and regularizers are
// external services and out of scope here.
package operator

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"tomofista/pkg/geometry"
	"tomofista/pkg/reconstruction"
)

// MatrixProjector implements the Projector contract with an explicit
// dense system matrix A of shape [Detectors*Angles x N*N], applied per
// slice: forward is A*x, the adjoint is Aᵀ*y. Subset geometries are
// supported by row selection against the full angle schedule.
type MatrixProjector struct {
	a *mat.Dense

	// fullAngles is the complete angle schedule the matrix rows were
	// built for; subset geometries are matched against it by value.
	fullAngles []float64
}

// NewMatrixProjector wraps a system matrix built for the given full
// angle schedule. The matrix must have detectors*len(angles) rows.
func NewMatrixProjector(a *mat.Dense, fullAngles []float64) *MatrixProjector {
	return &MatrixProjector{a: a, fullAngles: fullAngles}
}

// angleRows maps the geometry's (possibly subset) angles back to row
// blocks of the full matrix.
func (p *MatrixProjector) angleRows(pg *geometry.Projection) ([]int, error) {
	rows := make([]int, len(pg.Angles))
	for i, a := range pg.Angles {
		found := -1
		for j, fa := range p.fullAngles {
			if fa == a {
				found = j
				break
			}
		}
		if found < 0 {
			return nil, fmt.Errorf("angle %g is not part of the projector's schedule", a)
		}
		rows[i] = found
	}
	return rows, nil
}

// ForwardSlice computes the sinogram slice A*x restricted to the
// geometry's angles, in [Detectors x Angles] row-major layout.
func (p *MatrixProjector) ForwardSlice(slice []float64, pg *geometry.Projection, vg geometry.Volume) ([]float64, error) {
	if len(slice) != vg.N*vg.N {
		return nil, fmt.Errorf("slice has %d voxels, want %d", len(slice), vg.N*vg.N)
	}
	rows, err := p.angleRows(pg)
	if err != nil {
		return nil, err
	}
	var y mat.VecDense
	y.MulVec(p.a, mat.NewVecDense(len(slice), slice))

	angles := len(pg.Angles)
	out := make([]float64, pg.Detectors*angles)
	for d := 0; d < pg.Detectors; d++ {
		for j, a := range rows {
			// Matrix rows are blocked by angle: row a*Detectors + d.
			out[d*angles+j] = y.AtVec(a*pg.Detectors + d)
		}
	}
	return out, nil
}

// BackprojectSlice computes Aᵀ*y for a [Detectors x Angles] sinogram
// slice restricted to the geometry's angles.
func (p *MatrixProjector) BackprojectSlice(sino []float64, pg *geometry.Projection, vg geometry.Volume) ([]float64, error) {
	angles := len(pg.Angles)
	if len(sino) != pg.Detectors*angles {
		return nil, fmt.Errorf("sinogram slice has %d elements, want %d", len(sino), pg.Detectors*angles)
	}
	rows, err := p.angleRows(pg)
	if err != nil {
		return nil, err
	}
	nRows, _ := p.a.Dims()
	full := make([]float64, nRows)
	for d := 0; d < pg.Detectors; d++ {
		for j, a := range rows {
			full[a*pg.Detectors+d] = sino[d*angles+j]
		}
	}
	var x mat.VecDense
	x.MulVec(p.a.T(), mat.NewVecDense(nRows, full))
	out := make([]float64, vg.N*vg.N)
	for i := range out {
		out[i] = x.AtVec(i)
	}
	return out, nil
}

// ForwardVolume applies the per-slice matrix to every slice; it serves
// 3D beam tags in tests even though the matrix itself is 2D.
func (p *MatrixProjector) ForwardVolume(vol *reconstruction.Volume, pg *geometry.Projection, vg geometry.Volume) (*reconstruction.Sinogram, error) {
	out := reconstruction.NewSinogram(pg.Detectors, len(pg.Angles), vol.Slices)
	for z := 0; z < vol.Slices; z++ {
		s, err := p.ForwardSlice(vol.Slice(z), pg, vg)
		if err != nil {
			return nil, err
		}
		if err := out.SetSlice(z, s); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// BackprojectVolume applies the per-slice adjoint to every slice.
func (p *MatrixProjector) BackprojectVolume(sino *reconstruction.Sinogram, pg *geometry.Projection, vg geometry.Volume) (*reconstruction.Volume, error) {
	out := reconstruction.NewVolume(vg)
	for z := 0; z < sino.Slices; z++ {
		slice, err := p.BackprojectSlice(sino.ExtractSlice(z), pg, vg)
		if err != nil {
			return nil, err
		}
		copy(out.Slice(z), slice)
	}
	return out, nil
}
