package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"

	"tomofista/internal/phantom"
	"tomofista/pkg/config"
	"tomofista/pkg/operator"
	"tomofista/pkg/reconstruction"
	"tomofista/pkg/visualization"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "tomofista.yaml", "YAML configuration file")
	sinogramPath := flag.String("sinogram", "", "Measured sinogram, raw little-endian float64 [Detectors x Angles x Slices]")
	weightsPath := flag.String("weights", "", "Optional statistical weights, same layout as the sinogram")
	matrixPath := flag.String("matrix", "", "Per-slice system matrix, raw little-endian float64 [Detectors*Angles x N*N], angle-major rows")
	outputName := flag.String("output", "volume.raw", "Output volume filename, raw little-endian float64")
	demo := flag.Bool("demo", false, "Run a synthetic phantom reconstruction instead of loading data")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *demo {
		// The identity projector of the demo needs a square system:
		// one detector bin per voxel row.
		cfg.Geometry.Beam = "parallel"
		cfg.Geometry.Detectors = 64
		cfg.Geometry.GridSize = 64
		cfg.Geometry.Slices = 1
		cfg.Geometry.Angles.Count = 64
	} else if *sinogramPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	params, err := cfg.ReconParams()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.Output.Verbose {
		params.Log = os.Stdout
	}

	fmt.Println("================================")
	fmt.Println("TOMOFISTA: MODEL-BASED ITERATIVE TOMOGRAPHIC RECONSTRUCTION")
	fmt.Println("FISTA / ordered-subsets FISTA driver")
	fmt.Println("================================")

	var projector reconstruction.Projector
	var denoiser reconstruction.Denoiser

	if *demo {
		projector = operator.ScaledIdentity{Scale: 1}
		denoiser = operator.SmoothDenoiser{}
		if len(params.Regularizers) == 0 {
			params.Regularizers = []reconstruction.RegStage{{
				Family:     reconstruction.RegFGPTV,
				Strength:   0.02,
				Iterations: 30,
			}}
		}

		truth := phantom.Discs(params.Volume)
		sino, err := projector.ForwardVolume(truth, params.Projection, params.Volume)
		if err != nil {
			log.Fatalf("Failed to simulate demo data: %v", err)
		}
		params.Sinogram = sino
		params.Phantom = truth
		params.ROI = phantom.CircularROI(params.Volume, 0.9)
		fmt.Println("Running demo: disc phantom, identity projector, smoothing prox")
	} else {
		sino, err := readSinogram(*sinogramPath, params)
		if err != nil {
			log.Fatalf("Failed to read sinogram: %v", err)
		}
		params.Sinogram = sino

		if *weightsPath != "" {
			w, err := readSinogram(*weightsPath, params)
			if err != nil {
				log.Fatalf("Failed to read weights: %v", err)
			}
			params.Weights = w
		}

		if *matrixPath == "" {
			log.Fatalf("A system matrix is required: the driver delegates projection, it does not compute it")
		}
		a, err := readMatrix(*matrixPath, params)
		if err != nil {
			log.Fatalf("Failed to read system matrix: %v", err)
		}
		projector = operator.NewMatrixProjector(a, params.Projection.Angles)
		if len(params.Regularizers) > 0 {
			denoiser = operator.SmoothDenoiser{}
		}
	}

	reconstructor, err := reconstruction.NewReconstructor(params, projector, denoiser)
	if err != nil {
		log.Fatalf("Invalid reconstruction setup: %v", err)
	}

	fmt.Printf("Starting reconstruction: %d iterations, %d subset(s), %s fidelity...\n",
		params.Iterations, params.Subsets, params.Fidelity)
	startTime := time.Now()
	result, err := reconstructor.Run()
	if err != nil {
		log.Fatalf("Reconstruction failed: %v", err)
	}
	elapsed := time.Since(startTime)

	fmt.Printf("\nReconstruction completed in %.2f seconds\n", elapsed.Seconds())
	fmt.Printf("Lipschitz constant: %.6g\n", result.Lipschitz)
	fmt.Printf("Operator calls: %d forward, %d adjoint\n", result.Stats.ForwardCalls, result.Stats.AdjointCalls)
	if n := len(result.Objective); n > 0 {
		fmt.Printf("Objective: %.6e -> %.6e\n", result.Objective[0], result.Objective[n-1])
	}
	if n := len(result.Error); n > 0 {
		fmt.Printf("RMSE against ground truth: %.6e -> %.6e\n", result.Error[0], result.Error[n-1])
	}

	if err := writeVolume(*outputName, result.Volume); err != nil {
		log.Fatalf("Failed to write output volume: %v", err)
	}
	fmt.Printf("Output volume saved to: %s\n", *outputName)

	if cfg.Output.SlicesDir != "" {
		fmt.Println("\nExtracting reconstructed slices along all axes...")
		viewer := visualization.NewViewer(result.Volume)
		for _, axis := range []string{"x", "y", "z"} {
			axisDir := filepath.Join(cfg.Output.SlicesDir, axis)
			fmt.Printf("Saving %s-axis slices to: %s\n", axis, axisDir)
			if err := viewer.SaveSliceSequence(axis, axisDir); err != nil {
				log.Printf("Warning: Failed to save %s-axis slices: %v", axis, err)
			}
		}
	}
}

// readSinogram loads a raw little-endian float64 file of exactly the
// geometry's sinogram shape.
func readSinogram(path string, p *reconstruction.Params) (*reconstruction.Sinogram, error) {
	want := p.Projection.Detectors * len(p.Projection.Angles) * p.Volume.Slices
	data, err := readFloats(path, want)
	if err != nil {
		return nil, err
	}
	s := reconstruction.NewSinogram(p.Projection.Detectors, len(p.Projection.Angles), p.Volume.Slices)
	copy(s.Data, data)
	return s, nil
}

// readMatrix loads the per-slice system matrix, angle-major rows.
func readMatrix(path string, p *reconstruction.Params) (*mat.Dense, error) {
	rows := p.Projection.Detectors * len(p.Projection.Angles)
	cols := p.Volume.N * p.Volume.N
	data, err := readFloats(path, rows*cols)
	if err != nil {
		return nil, err
	}
	return mat.NewDense(rows, cols, data), nil
}

func readFloats(path string, want int) ([]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) != want*8 {
		return nil, fmt.Errorf("%s holds %d bytes, want %d (%d float64 values)", path, len(raw), want*8, want)
	}
	out := make([]float64, want)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return out, nil
}

func writeVolume(path string, v *reconstruction.Volume) error {
	raw := make([]byte, len(v.Data)*8)
	for i, val := range v.Data {
		binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(val))
	}
	return os.WriteFile(path, raw, 0644)
}
