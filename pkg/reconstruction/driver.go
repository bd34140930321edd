// Package reconstruction implements the iterative optimization driver
// for model-based tomographic image reconstruction: an accelerated
// proximal-gradient method (FISTA) with an optional ordered-subsets
// variant, ring-artifact modeling via an auxiliary soft-thresholded
// ring vector, and a choice of least-squares, Group-Huber or Student-t
// data fidelity.
//
// The driver owns the iterate and orchestrates the external
// collaborators: a forward/adjoint Projector, a proximal Denoiser and
// a robust-loss primitive. It implements none of their mathematics;
// see the Projector and Denoiser contracts in contracts.go.
package reconstruction

import (
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"tomofista/pkg/geometry"
)

// Result is what a completed run returns: the final iterate, the
// per-iteration objective trace, the RMSE trace when ground truth was
// supplied (nil otherwise), and the Lipschitz constant that set the
// step size, whether supplied or estimated. The volume can warm-start
// a subsequent run via Params.Initial.
type Result struct {
	Volume    *Volume
	Objective []float64
	Error     []float64
	Lipschitz float64
	Stats     Stats
}

// Stats counts external operator applications and wall time.
type Stats struct {
	ForwardCalls int
	AdjointCalls int
	Runtime      time.Duration
}

// Reconstructor is the FISTA / OS-FISTA state machine. It exclusively
// owns the iterate and the ring vector for the duration of a run; no
// concurrent mutation is permitted.
type Reconstructor struct {
	params    *Params
	projector Projector
	denoiser  Denoiser
	weights   *Sinogram
	fidelity  *fidelityEvaluator
	stages    []RegStage
	plan      *SubsetPlan
	log       io.Writer

	stats Stats

	// Momentum sequence state: t0 = 1, t monotonically increasing.
	t, tOld float64
}

// NewReconstructor validates the configuration in a single pass and
// returns a ready driver. The denoiser may be nil when no regularizer
// stage is enabled. All configuration errors surface here, before any
// iteration work.
func NewReconstructor(p *Params, projector Projector, denoiser Denoiser) (*Reconstructor, error) {
	if projector == nil {
		return nil, configErrorf("projector", "a projector is required")
	}
	params := *p // own a copy so defaulting never mutates the caller's struct
	if err := params.validate(); err != nil {
		return nil, err
	}
	if len(params.Regularizers) > 0 && denoiser == nil {
		return nil, configErrorf("denoiser", "regularizers enabled but no denoiser supplied")
	}

	r := &Reconstructor{
		params:    &params,
		projector: projector,
		denoiser:  denoiser,
		log:       params.Log,
	}

	r.weights = params.Weights
	if r.weights == nil {
		s := params.Sinogram
		r.weights = OnesSinogram(s.Detectors, s.Angles, s.Slices)
	}

	r.fidelity = &fidelityEvaluator{
		mode:      params.Fidelity,
		alphaRing: params.AlphaRing,
		studentT:  params.StudentT,
	}

	// Stages apply in fixed family order regardless of configuration
	// order; sequential composition on the single owned iterate.
	r.stages = append(r.stages, params.Regularizers...)
	sort.SliceStable(r.stages, func(i, j int) bool { return r.stages[i].Family < r.stages[j].Family })

	if params.Subsets > 1 {
		plan, err := PlanSubsets(params.Projection.Angles, params.Subsets)
		if err != nil {
			return nil, configErrorf("subsets", "%v", err)
		}
		r.plan = plan
	}
	return r, nil
}

// Run executes the fixed outer iteration count and returns the result.
// There is no tolerance-based early exit: Params.Tolerance is only
// forwarded to the denoiser's inner stopping rule. A collaborator
// failure aborts the run and propagates unchanged.
func (r *Reconstructor) Run() (*Result, error) {
	start := time.Now()
	p := r.params

	lipschitz := p.Lipschitz
	if lipschitz == 0 {
		r.logf("estimating Lipschitz constant via power iteration...\n")
		est, err := r.estimateLipschitz()
		if err != nil {
			return nil, err
		}
		lipschitz = est
		r.logf("estimated Lipschitz constant: %.6g\n", lipschitz)
	}
	if lipschitz <= 0 {
		return nil, configErrorf("lipschitz", "constant is zero; the gradient step size 1/L is undefined")
	}

	x := NewVolume(p.Volume)
	if p.Initial != nil {
		copy(x.Data, p.Initial.Data)
	}
	xt := x.Clone()
	xOld := x.Clone()

	ring := newRingTracker(p.Sinogram.Detectors, p.Volume.Slices, p.LambdaRing, p.AlphaRing)
	mon := newMonitor(p.Iterations, p.Phantom, p.ROI)
	r.t, r.tOld = 1, 1

	var err error
	if r.plan == nil {
		err = r.runFISTA(x, xt, xOld, ring, mon, lipschitz)
	} else {
		err = r.runOSFISTA(x, xt, xOld, ring, mon, lipschitz)
	}
	if err != nil {
		return nil, err
	}

	r.stats.Runtime = time.Since(start)
	return &Result{
		Volume:    x,
		Objective: mon.objective,
		Error:     mon.errTrace,
		Lipschitz: lipschitz,
		Stats:     r.stats,
	}, nil
}

// runFISTA is the non-OS path: one gradient step on the full angle set
// per outer iteration.
func (r *Reconstructor) runFISTA(x, xt, xOld *Volume, ring *ringTracker, mon *monitor, lipschitz float64) error {
	p := r.params
	pg := p.Projection

	for i := 0; i < p.Iterations; i++ {
		copy(xOld.Data, x.Data)
		ring.begin()

		estimate, err := r.forwardProject(xt, pg)
		if err != nil {
			return fmt.Errorf("iteration %d forward projection: %w", i, err)
		}

		var ringAccum []float64
		if p.Fidelity == FidelityGroupHuber {
			ringAccum = make([]float64, p.Sinogram.Detectors*p.Volume.Slices)
		}
		residual, objective, _, err := r.fidelity.evaluate(estimate, p.Sinogram, r.weights, ring.rx, ringAccum)
		if err != nil {
			return err
		}

		gradient, err := r.backProject(residual, pg)
		if err != nil {
			return fmt.Errorf("iteration %d backprojection: %w", i, err)
		}

		gradientStep(x, xt, gradient, lipschitz)

		energy, err := r.regularize(x, 1, 1)
		if err != nil {
			return fmt.Errorf("iteration %d regularization: %w", i, err)
		}
		// Student-t sets the objective rather than accumulating; with a
		// single fidelity call per iteration the two coincide here.
		iterObjective := objective + energy

		// The ring gradient step is skipped on the first outer
		// iteration: the vector starts the second iteration from zero.
		if i > 0 {
			ring.update(ringAccum, lipschitz)
		}

		r.advanceMomentum(x, xt, xOld, ring)
		mon.record(i, iterObjective, x)
		r.logIteration(i, mon)
	}
	return nil
}

// runOSFISTA is the ordered-subsets path. The ring update runs once
// per outer iteration from the sinogram estimate assembled across all
// subsets of the previous outer iteration, one iteration behind the
// non-OS path by construction; each subset then performs its own
// gradient and momentum step, with regularization strength and inner
// iterations scaled down by the subset count.
func (r *Reconstructor) runOSFISTA(x, xt, xOld *Volume, ring *ringTracker, mon *monitor, lipschitz float64) error {
	p := r.params
	plan := r.plan

	// Per-subset geometry and data views, fixed for the whole run.
	subGeoms := make([]*geometry.Projection, plan.Count)
	subSinos := make([]*Sinogram, plan.Count)
	subWeights := make([]*Sinogram, plan.Count)
	for ss := 0; ss < plan.Count; ss++ {
		idx := plan.Members(ss)
		subGeoms[ss] = p.Projection.Subset(idx)
		subSinos[ss] = p.Sinogram.ExtractAngles(idx)
		subWeights[ss] = r.weights.ExtractAngles(idx)
	}

	// Full sinogram estimate assembled across subsets, consumed by the
	// next outer iteration's ring update.
	sinoFull := NewSinogram(p.Sinogram.Detectors, p.Sinogram.Angles, p.Sinogram.Slices)

	for i := 0; i < p.Iterations; i++ {
		if ring.active() && i > 0 {
			ring.begin()
			vec := make([]float64, p.Sinogram.Detectors*p.Volume.Slices)
			if _, _, _, err := r.fidelity.evaluate(sinoFull, p.Sinogram, r.weights, ring.rx, vec); err != nil {
				return err
			}
			ring.update(vec, lipschitz)
			ring.extrapolate(r.tOld, r.t)
		}

		var iterObjective float64
		for ss := 0; ss < plan.Count; ss++ {
			copy(xOld.Data, x.Data)
			r.tOld = r.t

			estimate, err := r.forwardProject(xt, subGeoms[ss])
			if err != nil {
				return fmt.Errorf("iteration %d subset %d forward projection: %w", i, ss, err)
			}
			sinoFull.ScatterAngles(estimate, plan.Members(ss))

			residual, objective, replace, err := r.fidelity.evaluate(estimate, subSinos[ss], subWeights[ss], ring.rx, nil)
			if err != nil {
				return err
			}
			if replace {
				iterObjective = objective
			} else {
				iterObjective += objective
			}

			gradient, err := r.backProject(residual, subGeoms[ss])
			if err != nil {
				return fmt.Errorf("iteration %d subset %d backprojection: %w", i, ss, err)
			}

			gradientStep(x, xt, gradient, lipschitz)

			energy, err := r.regularize(x, 1/float64(plan.Count), plan.Count)
			if err != nil {
				return fmt.Errorf("iteration %d subset %d regularization: %w", i, ss, err)
			}
			iterObjective += energy

			r.t = nextMomentum(r.t)
			extrapolate(xt, x, xOld, r.tOld, r.t)
		}

		mon.record(i, iterObjective, x)
		r.logIteration(i, mon)
	}
	return nil
}

// advanceMomentum performs the non-OS step 7: t update, iterate
// extrapolation, and the matching ring extrapolation.
func (r *Reconstructor) advanceMomentum(x, xt, xOld *Volume, ring *ringTracker) {
	r.tOld = r.t
	r.t = nextMomentum(r.t)
	extrapolate(xt, x, xOld, r.tOld, r.t)
	ring.extrapolate(r.tOld, r.t)
}

// nextMomentum advances the FISTA momentum sequence:
// t_{k+1} = (1 + sqrt(1 + 4 t_k^2)) / 2.
func nextMomentum(t float64) float64 {
	return (1 + math.Sqrt(1+4*t*t)) / 2
}

// gradientStep computes x = xt - gradient/L in place.
func gradientStep(x, xt, gradient *Volume, lipschitz float64) {
	for i := range x.Data {
		x.Data[i] = xt.Data[i] - gradient.Data[i]/lipschitz
	}
}

// extrapolate computes xt = x + ((tOld-1)/t)(x - xOld).
func extrapolate(xt, x, xOld *Volume, tOld, t float64) {
	beta := (tOld - 1) / t
	copy(xt.Data, x.Data)
	floats.AddScaled(xt.Data, beta, x.Data)
	floats.AddScaled(xt.Data, -beta, xOld.Data)
}

// forwardProject applies the forward operator: slice by slice for 2D
// beam models, as one whole-volume call for 3D models.
func (r *Reconstructor) forwardProject(x *Volume, pg *geometry.Projection) (*Sinogram, error) {
	vg := r.params.Volume
	if pg.Beam.Is3D() {
		r.stats.ForwardCalls++
		return r.projector.ForwardVolume(x, pg, vg)
	}
	out := NewSinogram(pg.Detectors, len(pg.Angles), x.Slices)
	for z := 0; z < x.Slices; z++ {
		r.stats.ForwardCalls++
		s, err := r.projector.ForwardSlice(x.Slice(z), pg, vg)
		if err != nil {
			return nil, err
		}
		if err := out.SetSlice(z, s); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// backProject applies the adjoint operator with the same 2D/3D
// dispatch as forwardProject.
func (r *Reconstructor) backProject(s *Sinogram, pg *geometry.Projection) (*Volume, error) {
	vg := r.params.Volume
	if pg.Beam.Is3D() {
		r.stats.AdjointCalls++
		return r.projector.BackprojectVolume(s, pg, vg)
	}
	out := NewVolume(vg)
	for z := 0; z < s.Slices; z++ {
		r.stats.AdjointCalls++
		slice, err := r.projector.BackprojectSlice(s.ExtractSlice(z), pg, vg)
		if err != nil {
			return nil, err
		}
		copy(out.Slice(z), slice)
	}
	return out, nil
}

// regularize runs the enabled proximal stages in fixed family order,
// composing sequentially on the single owned iterate. Under ordered
// subsets the caller scales strength by 1/subsets and divides the
// inner iteration count so that the total regularization per outer
// iteration approximates the non-OS case. Returns the summed TV
// energy of the TV-family stages.
func (r *Reconstructor) regularize(x *Volume, strengthScale float64, iterDiv int) (float64, error) {
	var total float64
	for _, st := range r.stages {
		if st.Strength == 0 {
			continue
		}
		req := DenoiseRequest{
			Family:        st.Family,
			Strength:      st.Strength * strengthScale,
			Iterations:    scaledIterations(st.Iterations, iterDiv),
			Tolerance:     r.params.Tolerance,
			Device:        st.Device,
			EdgeParameter: st.EdgeParameter,
			Penalty:       st.Penalty,
			Alpha0:        st.Alpha0,
			Alpha1:        st.Alpha1,
		}
		var energy float64
		if st.ThreeD {
			out, e, err := r.denoiser.Denoise3D(x, req)
			if err != nil {
				return 0, fmt.Errorf("%s: %w", st.Family, err)
			}
			copy(x.Data, out.Data)
			energy = e
		} else {
			e, err := r.regularizeSlices(x, req)
			if err != nil {
				return 0, fmt.Errorf("%s: %w", st.Family, err)
			}
			energy = e
		}
		if st.Family.IsTV() {
			total += energy
		}
	}
	return total, nil
}

// regularizeSlices applies one 2D stage independently to every slice.
// Slices are independent, so they run in parallel up to the worker
// bound; each goroutine writes only its own slice, keeping assembly
// deterministic.
func (r *Reconstructor) regularizeSlices(x *Volume, req DenoiseRequest) (float64, error) {
	energies := make([]float64, x.Slices)
	var g errgroup.Group
	g.SetLimit(r.params.Workers)
	for z := 0; z < x.Slices; z++ {
		z := z
		g.Go(func() error {
			out, e, err := r.denoiser.Denoise2D(x.Slice(z), x.N, req)
			if err != nil {
				return err
			}
			copy(x.Slice(z), out)
			energies[z] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	var total float64
	for _, e := range energies {
		total += e
	}
	return total, nil
}

// scaledIterations divides a stage's inner iteration count by the
// subset count, rounding to nearest with a floor of one.
func scaledIterations(iterations, div int) int {
	if div <= 1 {
		return iterations
	}
	n := int(math.Round(float64(iterations) / float64(div)))
	if n < 1 {
		n = 1
	}
	return n
}

func (r *Reconstructor) logf(format string, args ...interface{}) {
	if r.log != nil {
		fmt.Fprintf(r.log, format, args...)
	}
}

func (r *Reconstructor) logIteration(i int, mon *monitor) {
	if r.log == nil {
		return
	}
	if mon.errTrace != nil {
		fmt.Fprintf(r.log, "iteration %d/%d: objective %.6e, RMSE %.6e\n",
			i+1, r.params.Iterations, mon.objective[i], mon.errTrace[i])
		return
	}
	fmt.Fprintf(r.log, "iteration %d/%d: objective %.6e\n", i+1, r.params.Iterations, mon.objective[i])
}
