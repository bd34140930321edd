package reconstruction

import (
	"fmt"
	"io"
	"runtime"

	"github.com/pbnjay/memory"

	"tomofista/pkg/geometry"
)

// FidelityMode selects the data-consistency model.
type FidelityMode int

const (
	// FidelityLS is plain weighted least squares (the default).
	FidelityLS FidelityMode = iota

	// FidelityGroupHuber is the ring-removal fidelity with the
	// auxiliary per-detector-row ring vector.
	FidelityGroupHuber

	// FidelityStudentT is the heavy-tailed robust fidelity.
	FidelityStudentT
)

// ParseFidelityMode converts a configuration tag into a FidelityMode.
func ParseFidelityMode(tag string) (FidelityMode, error) {
	switch tag {
	case "", "LS", "ls":
		return FidelityLS, nil
	case "GH", "group-huber":
		return FidelityGroupHuber, nil
	case "studentt", "student-t":
		return FidelityStudentT, nil
	}
	return 0, fmt.Errorf("unknown fidelity mode %q", tag)
}

func (m FidelityMode) String() string {
	switch m {
	case FidelityLS:
		return "LS"
	case FidelityGroupHuber:
		return "group-huber"
	case FidelityStudentT:
		return "studentt"
	}
	return fmt.Sprintf("FidelityMode(%d)", int(m))
}

// RegStage configures one enabled regularizer family. Stages apply in
// the fixed family order regardless of their order in this slice.
type RegStage struct {
	Family     RegFamily
	Strength   float64
	Iterations int

	// ThreeD applies the stage to the whole volume at once instead of
	// independently per slice.
	ThreeD bool

	Device Device

	// Diffusion extras.
	EdgeParameter float64
	Penalty       DiffPenalty

	// TGV extras.
	Alpha0, Alpha1 float64
}

// Params configures a reconstruction run. Geometry and sinogram are
// required; everything else has a stated default. The struct is
// validated once by NewReconstructor; nothing re-checks field presence
// inside the iteration loop.
type Params struct {
	// Projection describes the beam model and angle schedule.
	Projection *geometry.Projection

	// Volume describes the reconstruction grid.
	Volume geometry.Volume

	// Sinogram is the measured data, [Detectors x Angles x Slices].
	Sinogram *Sinogram

	// Weights are the non-negative statistical weights, same shape as
	// the sinogram. Nil means all ones.
	Weights *Sinogram

	// Iterations is the fixed outer iteration count (iterFISTA).
	// Zero means the default of 20.
	Iterations int

	// Subsets enables ordered subsets when greater than 1.
	Subsets int

	// Lipschitz is the Lipschitz constant of the weighted
	// forward-adjoint composition. Zero requests a power-iteration
	// estimate.
	Lipschitz float64

	// Tolerance is forwarded to the denoiser's inner stopping rule.
	// The outer loop never tests it.
	Tolerance float64

	// Fidelity selects the data term.
	Fidelity FidelityMode

	// LambdaRing is the ring-removal soft-threshold weight. Zero
	// disables the ring tracker. Only meaningful with the Group-Huber
	// fidelity; setting it selects that fidelity implicitly.
	LambdaRing float64

	// AlphaRing scales the ring offset in the Group-Huber residual.
	// Zero means the default of 1.
	AlphaRing float64

	// Regularizers lists the enabled proximal stages.
	Regularizers []RegStage

	// Initial warm-starts the iterate; nil means a zero start. Its
	// dimensions must match Volume.
	Initial *Volume

	// Phantom is an optional ground truth; when present the monitor
	// records an RMSE trace restricted to ROI.
	Phantom *Volume

	// ROI masks the error metric, one flag per voxel. Nil means the
	// whole volume.
	ROI []bool

	// StudentT overrides the built-in robust-loss primitive.
	StudentT StudentTFunc

	// Log receives per-iteration progress output. Nil silences it.
	Log io.Writer

	// Workers bounds per-slice regularization parallelism in 2D mode.
	// Zero picks a bound from CPU count and available memory.
	Workers int
}

// defaultWorkers sizes the per-slice worker pool: never more than the
// CPU count or the slice count, and never more slices in flight than
// 7/10 of physical memory can hold.
func defaultWorkers(g geometry.Volume) int {
	workers := runtime.GOMAXPROCS(0)
	if g.Slices < workers {
		workers = g.Slices
	}
	sliceBytes := uint64(g.N*g.N) * 8
	if sliceBytes > 0 {
		budget := memory.TotalMemory() * 7 / 10
		if byMem := int(budget / (sliceBytes * 2)); byMem > 0 && byMem < workers {
			workers = byMem
		}
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

// validate performs the single up-front configuration pass of the
// error-handling design: every recognized option is checked and
// defaulted here, and the iteration loop trusts the result.
func (p *Params) validate() error {
	if p.Projection == nil {
		return configErrorf("projection", "projection geometry is required")
	}
	if err := p.Projection.Validate(); err != nil {
		return configErrorf("projection", "%v", err)
	}
	if err := p.Volume.Validate(); err != nil {
		return configErrorf("volume", "%v", err)
	}
	if p.Sinogram == nil {
		return configErrorf("sinogram", "measured sinogram is required")
	}
	if p.Sinogram.Detectors != p.Projection.Detectors ||
		p.Sinogram.Angles != len(p.Projection.Angles) ||
		p.Sinogram.Slices != p.Volume.Slices {
		return configErrorf("sinogram", "shape [%d x %d x %d] does not match geometry [%d x %d x %d]",
			p.Sinogram.Detectors, p.Sinogram.Angles, p.Sinogram.Slices,
			p.Projection.Detectors, len(p.Projection.Angles), p.Volume.Slices)
	}
	if p.Weights != nil && !p.Sinogram.SameShape(p.Weights) {
		return configErrorf("weights", "shape does not match sinogram")
	}
	if p.Weights != nil {
		for _, w := range p.Weights.Data {
			if w < 0 {
				return configErrorf("weights", "weights must be non-negative")
			}
		}
	}
	if p.Iterations < 0 {
		return configErrorf("iterations", "must not be negative, got %d", p.Iterations)
	}
	if p.Iterations == 0 {
		p.Iterations = 20
	}
	if p.Subsets < 0 {
		return configErrorf("subsets", "must not be negative, got %d", p.Subsets)
	}
	if p.Subsets == 0 {
		p.Subsets = 1
	}
	if p.Subsets > len(p.Projection.Angles) {
		return configErrorf("subsets", "%d subsets exceed %d angles", p.Subsets, len(p.Projection.Angles))
	}
	if p.Lipschitz < 0 {
		return configErrorf("lipschitz", "must not be negative, got %g", p.Lipschitz)
	}
	if p.LambdaRing < 0 {
		return configErrorf("lambdaRing", "must not be negative, got %g", p.LambdaRing)
	}
	if p.LambdaRing > 0 {
		p.Fidelity = FidelityGroupHuber
	}
	if p.AlphaRing == 0 {
		p.AlphaRing = 1
	}
	if p.Initial != nil && !p.Initial.Matches(p.Volume) {
		return configErrorf("initial", "warm-start volume [%d x %d x %d] does not match grid [%d x %d x %d]",
			p.Initial.N, p.Initial.N, p.Initial.Slices, p.Volume.N, p.Volume.N, p.Volume.Slices)
	}
	if p.Phantom != nil && !p.Phantom.Matches(p.Volume) {
		return configErrorf("phantom", "ground-truth volume does not match grid")
	}
	if p.ROI != nil && len(p.ROI) != p.Volume.Voxels() {
		return configErrorf("roi", "mask has %d entries, want %d", len(p.ROI), p.Volume.Voxels())
	}
	for _, st := range p.Regularizers {
		if st.Strength < 0 {
			return configErrorf("regularizers", "%s strength must not be negative", st.Family)
		}
		if st.Iterations < 0 {
			return configErrorf("regularizers", "%s iteration count must not be negative", st.Family)
		}
	}
	if p.StudentT == nil {
		p.StudentT = StudentT
	}
	if p.Workers == 0 {
		p.Workers = defaultWorkers(p.Volume)
	}
	if p.Workers < 1 {
		return configErrorf("workers", "must be positive, got %d", p.Workers)
	}
	return nil
}
