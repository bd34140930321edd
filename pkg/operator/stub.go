package operator

import (
	"fmt"
	"math"

	"tomofista/pkg/geometry"
	"tomofista/pkg/reconstruction"
)

// ScaledIdentity is an identity-like projector stub: forward and
// adjoint both multiply the field by Scale, so the weighted
// composition has operator norm Scale². It requires
// Detectors*Angles == N*N and exists for driver and estimator tests.
type ScaledIdentity struct {
	Scale float64
}

func (p ScaledIdentity) check(pg *geometry.Projection, vg geometry.Volume) error {
	if pg.Detectors*len(pg.Angles) != vg.N*vg.N {
		return fmt.Errorf("identity stub needs Detectors*Angles == N*N, got %d x %d vs %d",
			pg.Detectors, len(pg.Angles), vg.N*vg.N)
	}
	return nil
}

func (p ScaledIdentity) ForwardSlice(slice []float64, pg *geometry.Projection, vg geometry.Volume) ([]float64, error) {
	if err := p.check(pg, vg); err != nil {
		return nil, err
	}
	out := make([]float64, len(slice))
	for i, v := range slice {
		out[i] = p.Scale * v
	}
	return out, nil
}

func (p ScaledIdentity) BackprojectSlice(sino []float64, pg *geometry.Projection, vg geometry.Volume) ([]float64, error) {
	if err := p.check(pg, vg); err != nil {
		return nil, err
	}
	out := make([]float64, len(sino))
	for i, v := range sino {
		out[i] = p.Scale * v
	}
	return out, nil
}

func (p ScaledIdentity) ForwardVolume(vol *reconstruction.Volume, pg *geometry.Projection, vg geometry.Volume) (*reconstruction.Sinogram, error) {
	if err := p.check(pg, vg); err != nil {
		return nil, err
	}
	out := reconstruction.NewSinogram(pg.Detectors, len(pg.Angles), vol.Slices)
	for i, v := range vol.Data {
		out.Data[i] = p.Scale * v
	}
	return out, nil
}

func (p ScaledIdentity) BackprojectVolume(sino *reconstruction.Sinogram, pg *geometry.Projection, vg geometry.Volume) (*reconstruction.Volume, error) {
	if err := p.check(pg, vg); err != nil {
		return nil, err
	}
	out := reconstruction.NewVolume(vg)
	for i, v := range sino.Data {
		out.Data[i] = p.Scale * v
	}
	return out, nil
}

// SmoothDenoiser is a proximal stub: each inner iteration blends every
// voxel with its 4-neighborhood mean, with blend weight
// strength/(1+strength). It reports the discrete isotropic TV of its
// output as the energy. Demo and test double only; it approximates no
// particular regularizer family.
type SmoothDenoiser struct{}

func (SmoothDenoiser) Denoise2D(slice []float64, n int, req reconstruction.DenoiseRequest) ([]float64, float64, error) {
	out := make([]float64, len(slice))
	copy(out, slice)
	w := req.Strength / (1 + req.Strength)
	tmp := make([]float64, len(slice))
	for it := 0; it < req.Iterations; it++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				i := y*n + x
				sum, cnt := 0.0, 0
				if x > 0 {
					sum += out[i-1]
					cnt++
				}
				if x < n-1 {
					sum += out[i+1]
					cnt++
				}
				if y > 0 {
					sum += out[i-n]
					cnt++
				}
				if y < n-1 {
					sum += out[i+n]
					cnt++
				}
				tmp[i] = (1-w)*out[i] + w*sum/float64(cnt)
			}
		}
		out, tmp = tmp, out
	}
	return out, tvEnergy(out, n), nil
}

func (d SmoothDenoiser) Denoise3D(vol *reconstruction.Volume, req reconstruction.DenoiseRequest) (*reconstruction.Volume, float64, error) {
	out := vol.Clone()
	var energy float64
	for z := 0; z < vol.Slices; z++ {
		slice, e, err := d.Denoise2D(out.Slice(z), out.N, req)
		if err != nil {
			return nil, 0, err
		}
		copy(out.Slice(z), slice)
		energy += e
	}
	return out, energy, nil
}

// tvEnergy is the discrete isotropic total variation of an n x n field.
func tvEnergy(f []float64, n int) float64 {
	var tv float64
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			var dx, dy float64
			if x < n-1 {
				dx = f[y*n+x+1] - f[y*n+x]
			}
			if y < n-1 {
				dy = f[(y+1)*n+x] - f[y*n+x]
			}
			tv += math.Sqrt(dx*dx + dy*dy)
		}
	}
	return tv
}
