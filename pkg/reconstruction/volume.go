package reconstruction

import (
	"fmt"

	"tomofista/pkg/geometry"
)

// Volume is a reconstruction-space field: an N x N x Slices grid
// stored as a flat row-major array, slice-major so that each in-plane
// slice is contiguous. The iterate X, warm starts and ground-truth
// phantoms all use this layout.
type Volume struct {
	// Data holds the voxels as [z][y][x] in row-major order.
	Data []float64

	// N is the in-plane grid side length.
	N int

	// Slices is the number of slices along the rotation axis.
	Slices int
}

// NewVolume allocates a zero-valued volume for the given grid.
func NewVolume(g geometry.Volume) *Volume {
	return &Volume{
		Data:   make([]float64, g.Voxels()),
		N:      g.N,
		Slices: g.Slices,
	}
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := &Volume{Data: make([]float64, len(v.Data)), N: v.N, Slices: v.Slices}
	copy(out.Data, v.Data)
	return out
}

// Slice returns the z-th in-plane slice as a view into Data.
// Mutating the returned slice mutates the volume.
func (v *Volume) Slice(z int) []float64 {
	size := v.N * v.N
	return v.Data[z*size : (z+1)*size]
}

// Matches reports whether the volume has the given logical shape.
func (v *Volume) Matches(g geometry.Volume) bool {
	return v != nil && v.N == g.N && v.Slices == g.Slices && len(v.Data) == g.Voxels()
}

// Sinogram is a projection-space field of shape
// [Detectors x Angles x Slices], stored row-major as
// (d*Angles + a)*Slices + z. Measured data, statistical weights and
// forward-projection estimates share this layout.
type Sinogram struct {
	Data      []float64
	Detectors int
	Angles    int
	Slices    int
}

// NewSinogram allocates a zero-valued sinogram of the given shape.
func NewSinogram(detectors, angles, slices int) *Sinogram {
	return &Sinogram{
		Data:      make([]float64, detectors*angles*slices),
		Detectors: detectors,
		Angles:    angles,
		Slices:    slices,
	}
}

// OnesSinogram allocates a sinogram with every element set to one.
// It is the default weight map.
func OnesSinogram(detectors, angles, slices int) *Sinogram {
	s := NewSinogram(detectors, angles, slices)
	for i := range s.Data {
		s.Data[i] = 1
	}
	return s
}

// Clone returns a deep copy of the sinogram.
func (s *Sinogram) Clone() *Sinogram {
	out := &Sinogram{Data: make([]float64, len(s.Data)), Detectors: s.Detectors, Angles: s.Angles, Slices: s.Slices}
	copy(out.Data, s.Data)
	return out
}

// Index returns the flat offset of element (d, a, z).
func (s *Sinogram) Index(d, a, z int) int {
	return (d*s.Angles+a)*s.Slices + z
}

// At returns element (d, a, z).
func (s *Sinogram) At(d, a, z int) float64 { return s.Data[s.Index(d, a, z)] }

// SameShape reports whether two sinograms have identical dimensions.
func (s *Sinogram) SameShape(o *Sinogram) bool {
	return o != nil && s.Detectors == o.Detectors && s.Angles == o.Angles && s.Slices == o.Slices
}

// ExtractSlice copies slice z into a [Detectors x Angles] row-major
// array (d*Angles + a), the layout used for per-slice projector calls.
func (s *Sinogram) ExtractSlice(z int) []float64 {
	out := make([]float64, s.Detectors*s.Angles)
	for d := 0; d < s.Detectors; d++ {
		for a := 0; a < s.Angles; a++ {
			out[d*s.Angles+a] = s.Data[s.Index(d, a, z)]
		}
	}
	return out
}

// SetSlice writes a [Detectors x Angles] array back into slice z.
func (s *Sinogram) SetSlice(z int, data []float64) error {
	if len(data) != s.Detectors*s.Angles {
		return fmt.Errorf("slice data has %d elements, want %d", len(data), s.Detectors*s.Angles)
	}
	for d := 0; d < s.Detectors; d++ {
		for a := 0; a < s.Angles; a++ {
			s.Data[s.Index(d, a, z)] = data[d*s.Angles+a]
		}
	}
	return nil
}

// ExtractAngles copies the given global angle indices into a new
// sinogram with len(indices) angles, preserving their order. Used to
// restrict measured data and weights to an ordered subset.
func (s *Sinogram) ExtractAngles(indices []int) *Sinogram {
	out := NewSinogram(s.Detectors, len(indices), s.Slices)
	for d := 0; d < s.Detectors; d++ {
		for j, a := range indices {
			for z := 0; z < s.Slices; z++ {
				out.Data[out.Index(d, j, z)] = s.Data[s.Index(d, a, z)]
			}
		}
	}
	return out
}

// ScatterAngles writes a subset sinogram back into the receiver at the
// given global angle indices. The subset must have len(indices) angles
// and matching detector and slice counts.
func (s *Sinogram) ScatterAngles(sub *Sinogram, indices []int) {
	for d := 0; d < s.Detectors; d++ {
		for j, a := range indices {
			for z := 0; z < s.Slices; z++ {
				s.Data[s.Index(d, a, z)] = sub.Data[sub.Index(d, j, z)]
			}
		}
	}
}
