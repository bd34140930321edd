// Package geometry describes the acquisition and reconstruction grids
// used by the tomographic driver: the shape of the reconstructed
// volume and the beam model plus angle schedule of the scanner.
//
// Beam models are parsed once into a tagged enumeration so that the
// iteration loop never branches on strings.
package geometry

import (
	"fmt"
	"math"
)

// BeamModel identifies the projection beam geometry.
type BeamModel int

const (
	// BeamParallel is a 2D parallel-beam geometry processed slice by slice.
	BeamParallel BeamModel = iota

	// BeamFanFlat is a 2D fan-beam geometry with a flat detector.
	BeamFanFlat

	// BeamFanFlatVec is the vectorized form of the flat fan-beam geometry.
	BeamFanFlatVec

	// BeamCone is a 3D cone-beam geometry projected as a whole volume.
	BeamCone

	// BeamParallel3D is a 3D parallel-beam geometry.
	BeamParallel3D

	// BeamParallel3DVec is the vectorized 3D parallel-beam geometry.
	BeamParallel3DVec

	// BeamConeVec is the vectorized cone-beam geometry.
	BeamConeVec
)

var beamNames = map[BeamModel]string{
	BeamParallel:      "parallel",
	BeamFanFlat:       "fanflat",
	BeamFanFlatVec:    "fanflat_vec",
	BeamCone:          "cone",
	BeamParallel3D:    "parallel3d",
	BeamParallel3DVec: "parallel3d_vec",
	BeamConeVec:       "cone_vec",
}

// ParseBeamModel converts a configuration tag into a BeamModel.
// Unknown tags are an error; the driver treats them as fatal before
// any iteration begins.
func ParseBeamModel(tag string) (BeamModel, error) {
	for b, name := range beamNames {
		if name == tag {
			return b, nil
		}
	}
	return 0, fmt.Errorf("unknown beam model %q", tag)
}

func (b BeamModel) String() string {
	if name, ok := beamNames[b]; ok {
		return name
	}
	return fmt.Sprintf("BeamModel(%d)", int(b))
}

// Is3D reports whether the beam model requires whole-volume projector
// calls. 2D models are projected slice by slice instead.
func (b BeamModel) Is3D() bool {
	switch b {
	case BeamCone, BeamParallel3D, BeamParallel3DVec, BeamConeVec:
		return true
	}
	return false
}

// Volume is the logical shape of the reconstructed object: an N x N
// grid of Slices slices. Immutable for the duration of a run.
type Volume struct {
	// N is the side length of the square in-plane grid in voxels.
	N int

	// Slices is the number of slices along the rotation axis.
	Slices int
}

// Voxels returns the total voxel count of the grid.
func (v Volume) Voxels() int { return v.N * v.N * v.Slices }

// Validate checks that the grid is well formed.
func (v Volume) Validate() error {
	if v.N <= 0 {
		return fmt.Errorf("volume grid size must be positive, got %d", v.N)
	}
	if v.Slices <= 0 {
		return fmt.Errorf("volume slice count must be positive, got %d", v.Slices)
	}
	return nil
}

// Projection holds the beam model, the ordered projection angle
// sequence in radians, and the detector count per angle.
type Projection struct {
	Beam      BeamModel
	Angles    []float64
	Detectors int
}

// Validate checks that the projection description is usable.
func (p *Projection) Validate() error {
	if p == nil {
		return fmt.Errorf("projection geometry is required")
	}
	if len(p.Angles) == 0 {
		return fmt.Errorf("projection geometry has no angles")
	}
	if p.Detectors <= 0 {
		return fmt.Errorf("detector count must be positive, got %d", p.Detectors)
	}
	return nil
}

// Subset returns a projection geometry restricted to the given angle
// indices, in the given order. The detector count and beam model are
// shared; the angle slice is freshly allocated.
func (p *Projection) Subset(indices []int) *Projection {
	angles := make([]float64, len(indices))
	for i, idx := range indices {
		angles[i] = p.Angles[idx]
	}
	return &Projection{Beam: p.Beam, Angles: angles, Detectors: p.Detectors}
}

// Linspace returns count evenly spaced angles from start to stop
// inclusive, in radians. It is the usual way to build an angle
// schedule for a full or partial scan.
func Linspace(start, stop float64, count int) []float64 {
	if count <= 0 {
		return nil
	}
	angles := make([]float64, count)
	if count == 1 {
		angles[0] = start
		return angles
	}
	step := (stop - start) / float64(count-1)
	for i := range angles {
		angles[i] = start + float64(i)*step
	}
	return angles
}

// Degrees converts an angle schedule from degrees to radians in place
// and returns it, for configurations that specify angles in degrees.
func Degrees(angles []float64) []float64 {
	for i, a := range angles {
		angles[i] = a * math.Pi / 180
	}
	return angles
}
