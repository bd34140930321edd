package reconstruction

import (
	"fmt"

	"tomofista/pkg/geometry"
)

// Projector is the external forward/adjoint projection service. The
// driver never looks inside it: CPU or GPU execution, kernel choice
// and internal parallelism are the implementation's business.
//
// For 2D beam models the driver calls the slice methods once per
// reconstruction slice; for 3D beam models it calls the volume methods
// once per (sub-)iteration. The projection geometry passed in may be
// restricted to an ordered subset of the full angle schedule.
//
// Implementations must release any transient per-call scratch (device
// buffers, plan handles) before returning, on every path including
// errors.
type Projector interface {
	// ForwardSlice projects one N x N reconstruction slice into a
	// [Detectors x Angles] sinogram slice (row-major, d*Angles+a).
	ForwardSlice(slice []float64, pg *geometry.Projection, vg geometry.Volume) ([]float64, error)

	// BackprojectSlice applies the adjoint to one sinogram slice,
	// producing an N x N reconstruction slice.
	BackprojectSlice(sino []float64, pg *geometry.Projection, vg geometry.Volume) ([]float64, error)

	// ForwardVolume projects the whole volume for 3D beam models.
	ForwardVolume(vol *Volume, pg *geometry.Projection, vg geometry.Volume) (*Sinogram, error)

	// BackprojectVolume applies the adjoint to a whole sinogram.
	BackprojectVolume(sino *Sinogram, pg *geometry.Projection, vg geometry.Volume) (*Volume, error)
}

// Device selects where an external denoiser runs.
type Device int

const (
	DeviceCPU Device = iota
	DeviceGPU
)

// ParseDevice converts a configuration tag into a Device.
func ParseDevice(tag string) (Device, error) {
	switch tag {
	case "", "cpu":
		return DeviceCPU, nil
	case "gpu":
		return DeviceGPU, nil
	}
	return 0, fmt.Errorf("unknown device %q", tag)
}

// RegFamily identifies a proximal regularizer family. Enabled families
// are applied in the fixed order of these constants, composing
// sequentially on the same iterate.
type RegFamily int

const (
	RegROFTV RegFamily = iota
	RegFGPTV
	RegSBTV
	RegDiffusion
	RegDiffusion4
	RegTGV
)

func (f RegFamily) String() string {
	switch f {
	case RegROFTV:
		return "ROF-TV"
	case RegFGPTV:
		return "FGP-TV"
	case RegSBTV:
		return "SB-TV"
	case RegDiffusion:
		return "diffusion"
	case RegDiffusion4:
		return "diffusion4"
	case RegTGV:
		return "TGV"
	}
	return fmt.Sprintf("RegFamily(%d)", int(f))
}

// ParseRegFamily converts a configuration tag into a RegFamily.
func ParseRegFamily(tag string) (RegFamily, error) {
	switch tag {
	case "rof-tv", "ROF_TV":
		return RegROFTV, nil
	case "fgp-tv", "FGP_TV":
		return RegFGPTV, nil
	case "sb-tv", "SB_TV":
		return RegSBTV, nil
	case "diffusion", "NDF":
		return RegDiffusion, nil
	case "diffusion4", "Diff4th":
		return RegDiffusion4, nil
	case "tgv", "TGV":
		return RegTGV, nil
	}
	return 0, fmt.Errorf("unknown regularizer family %q", tag)
}

// IsTV reports whether the family reports a TV energy that contributes
// to the objective trace. Diffusion families do not.
func (f RegFamily) IsTV() bool {
	return f == RegROFTV || f == RegFGPTV || f == RegSBTV
}

// DiffPenalty selects the edge-stopping penalty of the diffusion
// regularizer families.
type DiffPenalty int

const (
	PenaltyHuber DiffPenalty = iota
	PenaltyPeronaMalik
	PenaltyTukey
)

// ParseDiffPenalty converts a configuration tag into a DiffPenalty.
// An unknown tag is fatal at validation time.
func ParseDiffPenalty(tag string) (DiffPenalty, error) {
	switch tag {
	case "", "huber":
		return PenaltyHuber, nil
	case "perona", "perona-malik":
		return PenaltyPeronaMalik, nil
	case "tukey":
		return PenaltyTukey, nil
	}
	return 0, fmt.Errorf("unknown diffusion penalty %q", tag)
}

// DenoiseRequest carries one regularization stage's parameters to the
// external denoiser.
type DenoiseRequest struct {
	Family     RegFamily
	Strength   float64
	Iterations int

	// Tolerance is the denoiser's own inner stopping tolerance. The
	// driver forwards it unchanged; it plays no role in the outer loop.
	Tolerance float64

	Device Device

	// EdgeParameter and Penalty apply to the diffusion families.
	EdgeParameter float64
	Penalty       DiffPenalty

	// Alpha0 and Alpha1 are the TGV weights.
	Alpha0, Alpha1 float64
}

// Denoiser is the external proximal regularization service. Denoise2D
// operates on a single N x N slice, Denoise3D on the whole volume; the
// choice is the stage's dimensionality mode. The returned energy is
// the regularizer's TV energy for TV families and zero otherwise.
type Denoiser interface {
	Denoise2D(slice []float64, n int, req DenoiseRequest) (out []float64, energy float64, err error)
	Denoise3D(vol *Volume, req DenoiseRequest) (out *Volume, energy float64, err error)
}

// StudentTFunc is the robust-loss primitive for the Student-t fidelity
// mode: given a flat residual vector and the degrees of freedom, it
// returns the negative log-likelihood value and its gradient surrogate
// with respect to the residual.
type StudentTFunc func(residual []float64, dof float64) (loss float64, grad []float64)
