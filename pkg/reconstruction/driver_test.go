package reconstruction

import (
	"errors"
	"math"
	"sync"
	"testing"

	"tomofista/pkg/geometry"
)

// gainProjector is a linear test operator with per-angle gains: each
// voxel feeds one detector reading per angle, scaled by the angle's
// gain. The detector count must equal the voxel count of one slice.
// Subset geometries are supported because gains are keyed by angle
// value, so FᵀF restricted to a subset is sum-of-squared-gains times
// the identity.
type gainProjector struct {
	gains map[float64]float64
}

func uniformGains(angles []float64, g float64) *gainProjector {
	m := make(map[float64]float64, len(angles))
	for _, a := range angles {
		m[a] = g
	}
	return &gainProjector{gains: m}
}

func (p *gainProjector) ForwardSlice(slice []float64, pg *geometry.Projection, vg geometry.Volume) ([]float64, error) {
	angles := len(pg.Angles)
	out := make([]float64, pg.Detectors*angles)
	for d := 0; d < pg.Detectors; d++ {
		for j, a := range pg.Angles {
			out[d*angles+j] = p.gains[a] * slice[d]
		}
	}
	return out, nil
}

func (p *gainProjector) BackprojectSlice(sino []float64, pg *geometry.Projection, vg geometry.Volume) ([]float64, error) {
	angles := len(pg.Angles)
	out := make([]float64, pg.Detectors)
	for d := 0; d < pg.Detectors; d++ {
		for j, a := range pg.Angles {
			out[d] += p.gains[a] * sino[d*angles+j]
		}
	}
	return out, nil
}

func (p *gainProjector) ForwardVolume(vol *Volume, pg *geometry.Projection, vg geometry.Volume) (*Sinogram, error) {
	out := NewSinogram(pg.Detectors, len(pg.Angles), vol.Slices)
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

func (p *gainProjector) BackprojectVolume(sino *Sinogram, pg *geometry.Projection, vg geometry.Volume) (*Volume, error) {
	out := NewVolume(vg)
	for z := 0; z < sino.Slices; z++ {
		s, err := p.BackprojectSlice(sino.ExtractSlice(z), pg, vg)
		if err != nil {
			return nil, err
		}
		copy(out.Slice(z), s)
	}
	return out, nil
}

// recordingDenoiser passes the iterate through unchanged and records
// every request it receives.
type recordingDenoiser struct {
	mu       sync.Mutex
	requests []DenoiseRequest
	energy   float64
}

func (d *recordingDenoiser) Denoise2D(slice []float64, n int, req DenoiseRequest) ([]float64, float64, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	out := make([]float64, len(slice))
	copy(out, slice)
	return out, d.energy, nil
}

func (d *recordingDenoiser) Denoise3D(vol *Volume, req DenoiseRequest) (*Volume, float64, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	return vol.Clone(), d.energy, nil
}

// testSetup builds the standard small system: a 2 x 2 grid, one voxel
// per detector bin, unit gains, and a sinogram consistent with the
// given truth.
func testSetup(t *testing.T, angles []float64, truth []float64) (*Params, *gainProjector) {
	t.Helper()
	vg := geometry.Volume{N: 2, Slices: 1}
	pg := &geometry.Projection{Beam: geometry.BeamParallel, Angles: angles, Detectors: 4}
	proj := uniformGains(angles, 1)

	x := NewVolume(vg)
	copy(x.Data, truth)
	sino, err := proj.ForwardVolume(x, pg, vg)
	if err != nil {
		t.Fatal(err)
	}
	return &Params{
		Projection: pg,
		Volume:     vg,
		Sinogram:   sino,
		Lipschitz:  float64(len(angles)),
	}, proj
}

func TestFISTAExactFirstStep(t *testing.T) {
	// With unit gains over two angles the composition is 2I, so the
	// first gradient step from zero lands exactly on the truth.
	truth := []float64{1, 2, 3, 4}
	p, proj := testSetup(t, []float64{0, 1}, truth)
	p.Iterations = 2

	r, err := NewReconstructor(p, proj, nil)
	if err != nil {
		t.Fatal(err)
	}
	result, err := r.Run()
	if err != nil {
		t.Fatal(err)
	}

	for i := range truth {
		if math.Abs(result.Volume.Data[i]-truth[i]) > 1e-12 {
			t.Errorf("voxel %d = %g, want %g", i, result.Volume.Data[i], truth[i])
		}
	}

	// First iteration objective: residual is -b, each voxel measured
	// at two angles, so 0.5 * sqrt(2 * sum(truth^2)).
	var ss float64
	for _, v := range truth {
		ss += v * v
	}
	want := 0.5 * math.Sqrt(2*ss)
	if math.Abs(result.Objective[0]-want) > 1e-12 {
		t.Errorf("objective[0] = %g, want %g", result.Objective[0], want)
	}
	if result.Objective[1] != 0 {
		t.Errorf("objective[1] = %g, want 0 after exact recovery", result.Objective[1])
	}

	if result.Stats.ForwardCalls != 2 || result.Stats.AdjointCalls != 2 {
		t.Errorf("operator calls = %d forward / %d adjoint, want 2 / 2",
			result.Stats.ForwardCalls, result.Stats.AdjointCalls)
	}
	if result.Lipschitz != 2 {
		t.Errorf("Lipschitz = %g, want the supplied 2", result.Lipschitz)
	}
}

func TestFISTASingleIterationIdentityStub(t *testing.T) {
	// One angle with unit gain makes the forward operator the identity
	// on a 4 x 4 x 1 volume; a single iteration from a warm start must
	// land exactly on X0 - (1/L)(X0 - b).
	vg := geometry.Volume{N: 4, Slices: 1}
	pg := &geometry.Projection{Beam: geometry.BeamParallel, Angles: []float64{0}, Detectors: 16}
	proj := uniformGains(pg.Angles, 1)

	meas := NewSinogram(16, 1, 1)
	x0 := NewVolume(vg)
	for i := range x0.Data {
		x0.Data[i] = float64(i%3) + 1
		meas.Data[i] = 0.5 * float64(i)
	}

	const lip = 2.0
	p := &Params{
		Projection: pg,
		Volume:     vg,
		Sinogram:   meas,
		Lipschitz:  lip,
		Iterations: 1,
		Initial:    x0,
	}
	r, err := NewReconstructor(p, proj, nil)
	if err != nil {
		t.Fatal(err)
	}
	result, err := r.Run()
	if err != nil {
		t.Fatal(err)
	}

	var ss float64
	for i := range x0.Data {
		res := x0.Data[i] - meas.Data[i]
		ss += res * res
		want := x0.Data[i] - res/lip
		if math.Abs(result.Volume.Data[i]-want) > 1e-12 {
			t.Errorf("voxel %d = %g, want %g", i, result.Volume.Data[i], want)
		}
	}
	want := 0.5 * math.Sqrt(ss)
	if math.Abs(result.Objective[0]-want) > 1e-12 {
		t.Errorf("objective = %g, want %g", result.Objective[0], want)
	}
}

func TestFISTAWarmStart(t *testing.T) {
	truth := []float64{1, 2, 3, 4}
	p, proj := testSetup(t, []float64{0, 1}, truth)
	p.Iterations = 1

	init := NewVolume(p.Volume)
	copy(init.Data, truth)
	p.Initial = init

	r, err := NewReconstructor(p, proj, nil)
	if err != nil {
		t.Fatal(err)
	}
	result, err := r.Run()
	if err != nil {
		t.Fatal(err)
	}
	// Warm-started at the solution: the residual is zero and the
	// iterate must not move.
	for i := range truth {
		if result.Volume.Data[i] != truth[i] {
			t.Errorf("voxel %d moved from the warm start: %g", i, result.Volume.Data[i])
		}
	}
	if result.Objective[0] != 0 {
		t.Errorf("objective = %g, want 0", result.Objective[0])
	}
}

func TestFISTAErrorTrace(t *testing.T) {
	truth := []float64{1, 2, 3, 4}
	p, proj := testSetup(t, []float64{0, 1}, truth)
	p.Iterations = 3

	phantomVol := NewVolume(p.Volume)
	copy(phantomVol.Data, truth)
	p.Phantom = phantomVol
	p.ROI = []bool{true, true, true, false}

	r, err := NewReconstructor(p, proj, nil)
	if err != nil {
		t.Fatal(err)
	}
	result, err := r.Run()
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Error) != 3 {
		t.Fatalf("error trace has %d entries, want 3", len(result.Error))
	}
	if result.Error[2] > 1e-10 {
		t.Errorf("final RMSE = %g, want ~0", result.Error[2])
	}
}

func TestRingSkippedOnFirstIteration(t *testing.T) {
	truth := []float64{1, 2, 3, 4}

	run := func(lambda float64, iters int) *Result {
		p, proj := testSetup(t, []float64{0, 1}, truth)
		// Bias detector row 0 at every angle, the signature of a ring.
		for a := 0; a < p.Sinogram.Angles; a++ {
			p.Sinogram.Data[p.Sinogram.Index(0, a, 0)] += 0.5
		}
		p.Iterations = iters
		p.LambdaRing = lambda
		p.Fidelity = FidelityGroupHuber
		r, err := NewReconstructor(p, proj, nil)
		if err != nil {
			t.Fatal(err)
		}
		result, err := r.Run()
		if err != nil {
			t.Fatal(err)
		}
		return result
	}

	// The ring gradient step is skipped on the first outer iteration,
	// so a single iteration cannot depend on lambda.
	withRing := run(0.01, 1)
	withoutRing := run(0, 1)
	for i := range withRing.Volume.Data {
		if withRing.Volume.Data[i] != withoutRing.Volume.Data[i] {
			t.Fatalf("lambda changed the first iteration: voxel %d %g vs %g",
				i, withRing.Volume.Data[i], withoutRing.Volume.Data[i])
		}
	}

	// From the second iteration on the ring vector participates.
	withRing = run(0.01, 4)
	withoutRing = run(0, 4)
	same := true
	for i := range withRing.Volume.Data {
		if withRing.Volume.Data[i] != withoutRing.Volume.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("ring tracking had no effect after the first iteration")
	}
	for i, v := range withRing.Volume.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("voxel %d is not finite: %g", i, v)
		}
	}
}

func TestLambdaRingSelectsGroupHuber(t *testing.T) {
	p, proj := testSetup(t, []float64{0, 1}, []float64{1, 1, 1, 1})
	p.LambdaRing = 0.1
	r, err := NewReconstructor(p, proj, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.params.Fidelity != FidelityGroupHuber {
		t.Errorf("fidelity = %v, want group-huber implied by lambdaRing", r.params.Fidelity)
	}
}

func TestOSFISTAConverges(t *testing.T) {
	truth := []float64{1, 2, 3, 4}
	p, proj := testSetup(t, []float64{0, 1, 2, 3}, truth)
	p.Iterations = 30
	p.Subsets = 2

	phantomVol := NewVolume(p.Volume)
	copy(phantomVol.Data, truth)
	p.Phantom = phantomVol

	r, err := NewReconstructor(p, proj, nil)
	if err != nil {
		t.Fatal(err)
	}
	result, err := r.Run()
	if err != nil {
		t.Fatal(err)
	}

	final := result.Error[len(result.Error)-1]
	if final > 1e-6 {
		t.Errorf("final RMSE = %g, want < 1e-6", final)
	}
	if final >= result.Error[0] {
		t.Errorf("RMSE did not improve: %g -> %g", result.Error[0], final)
	}
	// Two subsets per outer iteration, one slice each.
	if result.Stats.ForwardCalls != 60 {
		t.Errorf("forward calls = %d, want 60", result.Stats.ForwardCalls)
	}
}

func TestOSRegularizationScaling(t *testing.T) {
	truth := []float64{1, 2, 3, 4}
	p, proj := testSetup(t, []float64{0, 1, 2, 3}, truth)
	p.Iterations = 1
	p.Subsets = 2
	p.Regularizers = []RegStage{{Family: RegFGPTV, Strength: 0.1, Iterations: 25}}

	den := &recordingDenoiser{}
	r, err := NewReconstructor(p, proj, den)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(); err != nil {
		t.Fatal(err)
	}

	if len(den.requests) != 2 {
		t.Fatalf("denoiser saw %d requests, want one per subset", len(den.requests))
	}
	for _, req := range den.requests {
		if math.Abs(req.Strength-0.05) > 1e-12 {
			t.Errorf("subset strength = %g, want 0.05", req.Strength)
		}
		if req.Iterations != 13 {
			t.Errorf("subset inner iterations = %d, want round(25/2) = 13", req.Iterations)
		}
	}
}

func TestStageOrderFixedByFamily(t *testing.T) {
	p, proj := testSetup(t, []float64{0, 1}, []float64{1, 1, 1, 1})
	p.Iterations = 1
	p.Regularizers = []RegStage{
		{Family: RegTGV, Strength: 0.1, Iterations: 1},
		{Family: RegROFTV, Strength: 0.2, Iterations: 1},
	}

	den := &recordingDenoiser{}
	r, err := NewReconstructor(p, proj, den)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(); err != nil {
		t.Fatal(err)
	}
	if len(den.requests) != 2 {
		t.Fatalf("denoiser saw %d requests, want 2", len(den.requests))
	}
	if den.requests[0].Family != RegROFTV || den.requests[1].Family != RegTGV {
		t.Errorf("stage order = [%v %v], want [ROF-TV TGV]", den.requests[0].Family, den.requests[1].Family)
	}
}

func TestTVEnergyEntersObjective(t *testing.T) {
	truth := []float64{1, 2, 3, 4}
	p, proj := testSetup(t, []float64{0, 1}, truth)
	p.Iterations = 1
	p.Regularizers = []RegStage{{Family: RegROFTV, Strength: 0.1, Iterations: 1}}

	den := &recordingDenoiser{energy: 3.25}
	r, err := NewReconstructor(p, proj, den)
	if err != nil {
		t.Fatal(err)
	}
	result, err := r.Run()
	if err != nil {
		t.Fatal(err)
	}

	var ss float64
	for _, v := range truth {
		ss += v * v
	}
	want := 0.5*math.Sqrt(2*ss) + 3.25
	if math.Abs(result.Objective[0]-want) > 1e-12 {
		t.Errorf("objective = %g, want fidelity + TV energy = %g", result.Objective[0], want)
	}
}

func TestNewReconstructorErrors(t *testing.T) {
	valid := func() (*Params, *gainProjector) {
		return testSetup(t, []float64{0, 1}, []float64{1, 1, 1, 1})
	}

	t.Run("nil projector", func(t *testing.T) {
		p, _ := valid()
		_, err := NewReconstructor(p, nil, nil)
		assertConfigError(t, err, "projector")
	})

	t.Run("missing sinogram", func(t *testing.T) {
		p, proj := valid()
		p.Sinogram = nil
		_, err := NewReconstructor(p, proj, nil)
		assertConfigError(t, err, "sinogram")
	})

	t.Run("sinogram shape mismatch", func(t *testing.T) {
		p, proj := valid()
		p.Sinogram = NewSinogram(4, 3, 1)
		_, err := NewReconstructor(p, proj, nil)
		assertConfigError(t, err, "sinogram")
	})

	t.Run("negative weights", func(t *testing.T) {
		p, proj := valid()
		w := OnesSinogram(4, 2, 1)
		w.Data[0] = -1
		p.Weights = w
		_, err := NewReconstructor(p, proj, nil)
		assertConfigError(t, err, "weights")
	})

	t.Run("warm start mismatch", func(t *testing.T) {
		p, proj := valid()
		p.Initial = NewVolume(geometry.Volume{N: 3, Slices: 1})
		_, err := NewReconstructor(p, proj, nil)
		assertConfigError(t, err, "initial")
	})

	t.Run("subsets exceed angles", func(t *testing.T) {
		p, proj := valid()
		p.Subsets = 3
		_, err := NewReconstructor(p, proj, nil)
		assertConfigError(t, err, "subsets")
	})

	t.Run("regularizers without denoiser", func(t *testing.T) {
		p, proj := valid()
		p.Regularizers = []RegStage{{Family: RegROFTV, Strength: 0.1, Iterations: 1}}
		_, err := NewReconstructor(p, proj, nil)
		assertConfigError(t, err, "denoiser")
	})

	t.Run("negative lipschitz", func(t *testing.T) {
		p, proj := valid()
		p.Lipschitz = -1
		_, err := NewReconstructor(p, proj, nil)
		assertConfigError(t, err, "lipschitz")
	})
}

func TestRunRejectsZeroOperator(t *testing.T) {
	angles := []float64{0, 1}
	p, _ := testSetup(t, angles, []float64{1, 1, 1, 1})
	p.Lipschitz = 0 // force an estimate against the zero operator

	r, err := NewReconstructor(p, uniformGains(angles, 0), nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.Run()
	assertConfigError(t, err, "lipschitz")
}

func TestDefaultsApplied(t *testing.T) {
	p, proj := testSetup(t, []float64{0, 1}, []float64{1, 1, 1, 1})
	r, err := NewReconstructor(p, proj, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.params.Iterations != 20 {
		t.Errorf("default iterations = %d, want 20", r.params.Iterations)
	}
	if r.params.Subsets != 1 {
		t.Errorf("default subsets = %d, want 1", r.params.Subsets)
	}
	if r.params.AlphaRing != 1 {
		t.Errorf("default alphaRing = %g, want 1", r.params.AlphaRing)
	}
	if r.params.Workers < 1 {
		t.Errorf("default workers = %d, want >= 1", r.params.Workers)
	}
	// Defaulting must not mutate the caller's struct.
	if p.Iterations != 0 {
		t.Errorf("caller's iterations mutated to %d", p.Iterations)
	}
}

func TestNextMomentum(t *testing.T) {
	tks := []float64{1}
	for i := 0; i < 5; i++ {
		tks = append(tks, nextMomentum(tks[len(tks)-1]))
	}
	// t1 = (1 + sqrt(5)) / 2.
	if math.Abs(tks[1]-(1+math.Sqrt(5))/2) > 1e-12 {
		t.Errorf("t1 = %g, want golden ratio", tks[1])
	}
	for i := 1; i < len(tks); i++ {
		if tks[i] <= tks[i-1] {
			t.Errorf("momentum sequence not increasing at step %d: %g <= %g", i, tks[i], tks[i-1])
		}
	}
}

func assertConfigError(t *testing.T, err error, field string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected a configuration error, got nil")
	}
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("error %v is not a ConfigurationError", err)
	}
	if ce.Field != field {
		t.Errorf("error field = %q, want %q", ce.Field, field)
	}
}
