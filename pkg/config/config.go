// Package config provides configuration loading and management for
// tomofista. It handles loading configuration from YAML files,
// provides default values, and converts the file representation into
// validated reconstruction parameters.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"tomofista/pkg/geometry"
	"tomofista/pkg/reconstruction"
)

// Config represents the application configuration loaded from YAML.
// Omitted fields take the defaults of DefaultConfig; unknown mode tags
// are rejected when the config is converted to reconstruction
// parameters, not silently ignored.
type Config struct {
	// Geometry describes the scanner and the reconstruction grid.
	Geometry struct {
		// Beam is the beam model tag: parallel, fanflat, fanflat_vec,
		// cone, parallel3d, parallel3d_vec or cone_vec.
		Beam string `yaml:"beam"`

		// Detectors is the detector count per projection angle.
		Detectors int `yaml:"detectors"`

		// GridSize is the in-plane reconstruction grid side length N.
		GridSize int `yaml:"gridSize"`

		// Slices is the number of reconstructed slices.
		Slices int `yaml:"slices"`

		// Angles defines an evenly spaced angle schedule.
		Angles struct {
			Start   float64 `yaml:"start"`
			Stop    float64 `yaml:"stop"`
			Count   int     `yaml:"count"`
			Degrees bool    `yaml:"degrees"`
		} `yaml:"angles"`
	} `yaml:"geometry"`

	// Algorithm controls the FISTA driver.
	Algorithm struct {
		// Iterations is the fixed outer iteration count.
		Iterations int `yaml:"iterations"`

		// Subsets enables ordered subsets when greater than 1.
		Subsets int `yaml:"subsets"`

		// Lipschitz supplies the constant; 0 requests an estimate.
		Lipschitz float64 `yaml:"lipschitz"`

		// Tolerance is forwarded to the denoiser's inner stopping rule.
		Tolerance float64 `yaml:"tolerance"`

		// Fidelity is the data-term tag: LS, GH or studentt.
		Fidelity string `yaml:"fidelity"`

		// LambdaRing is the ring-removal soft-threshold weight.
		LambdaRing float64 `yaml:"lambdaRing"`

		// AlphaRing scales the ring offset in the Group-Huber residual.
		AlphaRing float64 `yaml:"alphaRing"`
	} `yaml:"algorithm"`

	// Regularization lists the enabled proximal stages.
	Regularization []RegEntry `yaml:"regularization"`

	// Output parameters.
	Output struct {
		// Verbose enables per-iteration progress logging.
		Verbose bool `yaml:"verbose"`

		// SlicesDir, when set, saves slice images of the result there.
		SlicesDir string `yaml:"slicesDir"`
	} `yaml:"output"`
}

// RegEntry is the YAML form of one regularization stage.
type RegEntry struct {
	Family        string  `yaml:"family"`
	Strength      float64 `yaml:"strength"`
	Iterations    int     `yaml:"iterations"`
	ThreeD        bool    `yaml:"threeD"`
	Device        string  `yaml:"device"`
	EdgeParameter float64 `yaml:"edgeParameter"`
	Penalty       string  `yaml:"penalty"`
	Alpha0        float64 `yaml:"alpha0"`
	Alpha1        float64 `yaml:"alpha1"`
}

// DefaultConfig returns a configuration with default values: a
// parallel-beam 180-degree scan and 20 plain least-squares FISTA
// iterations with no regularization.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Geometry.Beam = "parallel"
	cfg.Geometry.Detectors = 128
	cfg.Geometry.GridSize = 128
	cfg.Geometry.Slices = 1
	cfg.Geometry.Angles.Start = 0
	cfg.Geometry.Angles.Stop = 180
	cfg.Geometry.Angles.Count = 180
	cfg.Geometry.Angles.Degrees = true

	cfg.Algorithm.Iterations = 20
	cfg.Algorithm.Subsets = 1
	cfg.Algorithm.Tolerance = 1e-5
	cfg.Algorithm.Fidelity = "LS"
	cfg.Algorithm.AlphaRing = 1

	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file. If the file does
// not exist it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// ReconParams converts the configuration into reconstruction
// parameters. All mode tags are parsed here, once; the returned
// Params still needs the measured sinogram and the collaborators
// attached by the caller.
func (cfg *Config) ReconParams() (*reconstruction.Params, error) {
	beam, err := geometry.ParseBeamModel(cfg.Geometry.Beam)
	if err != nil {
		return nil, fmt.Errorf("geometry.beam: %w", err)
	}

	angles := geometry.Linspace(cfg.Geometry.Angles.Start, cfg.Geometry.Angles.Stop, cfg.Geometry.Angles.Count)
	if cfg.Geometry.Angles.Degrees {
		angles = geometry.Degrees(angles)
	}

	fidelity, err := reconstruction.ParseFidelityMode(cfg.Algorithm.Fidelity)
	if err != nil {
		return nil, fmt.Errorf("algorithm.fidelity: %w", err)
	}

	params := &reconstruction.Params{
		Projection: &geometry.Projection{
			Beam:      beam,
			Angles:    angles,
			Detectors: cfg.Geometry.Detectors,
		},
		Volume:     geometry.Volume{N: cfg.Geometry.GridSize, Slices: cfg.Geometry.Slices},
		Iterations: cfg.Algorithm.Iterations,
		Subsets:    cfg.Algorithm.Subsets,
		Lipschitz:  cfg.Algorithm.Lipschitz,
		Tolerance:  cfg.Algorithm.Tolerance,
		Fidelity:   fidelity,
		LambdaRing: cfg.Algorithm.LambdaRing,
		AlphaRing:  cfg.Algorithm.AlphaRing,
	}

	for _, entry := range cfg.Regularization {
		family, err := reconstruction.ParseRegFamily(entry.Family)
		if err != nil {
			return nil, fmt.Errorf("regularization: %w", err)
		}
		device, err := reconstruction.ParseDevice(entry.Device)
		if err != nil {
			return nil, fmt.Errorf("regularization: %w", err)
		}
		penalty, err := reconstruction.ParseDiffPenalty(entry.Penalty)
		if err != nil {
			return nil, fmt.Errorf("regularization: %w", err)
		}
		params.Regularizers = append(params.Regularizers, reconstruction.RegStage{
			Family:        family,
			Strength:      entry.Strength,
			Iterations:    entry.Iterations,
			ThreeD:        entry.ThreeD,
			Device:        device,
			EdgeParameter: entry.EdgeParameter,
			Penalty:       penalty,
			Alpha0:        entry.Alpha0,
			Alpha1:        entry.Alpha1,
		})
	}

	return params, nil
}
