// Package config defines the YAML configuration of the sampling pipeline:
// which volumes to load, how to split and size patches, and the bounds of
// every augmentation. Missing values fall back to defaults that match the
// reference chain.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"empatch/pkg/augment"
	"empatch/pkg/dataset"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Dataset parameters
	Dataset struct {
		// Volumes lists the HDF5 ground-truth files to load
		Volumes []string `yaml:"volumes"`

		// ImageDataset is the path of the raw intensity dataset inside each file
		ImageDataset string `yaml:"imageDataset"`

		// LabelDataset is the path of the segment-identifier dataset inside each file
		LabelDataset string `yaml:"labelDataset"`

		// TrainingSplitRatio must lie in the open interval (0.5, 1.0)
		TrainingSplitRatio float64 `yaml:"trainingSplitRatio"`

		// PatchSize is the exact spatial shape of returned patches,
		// a single integer (broadcast to a cube) or three integers (z, y, x)
		PatchSize []int `yaml:"patchSize"`

		// Seed initializes the sampling random stream
		Seed uint64 `yaml:"seed"`
	} `yaml:"dataset"`

	// Augmentation parameters
	Augment struct {
		// BrightnessMaxDelta bounds the additive brightness shift
		BrightnessMaxDelta float64 `yaml:"brightnessMaxDelta"`

		// ContrastMaxFactor bounds the relative contrast change
		ContrastMaxFactor float64 `yaml:"contrastMaxFactor"`

		// GammaMax bounds the gamma exponent range
		GammaMax float64 `yaml:"gammaMax"`

		// NoiseMaxSigma bounds the additive Gaussian noise level
		NoiseMaxSigma float64 `yaml:"noiseMaxSigma"`

		// BlurMaxSigma bounds the per-slice Gaussian blur width
		BlurMaxSigma float64 `yaml:"blurMaxSigma"`

		// BlackBoxMaxFraction bounds the erased cuboid relative to the patch
		BlackBoxMaxFraction float64 `yaml:"blackBoxMaxFraction"`

		// PerspectiveDistortion is the corner jitter of the 2D warp in voxels
		PerspectiveDistortion int `yaml:"perspectiveDistortion"`

		// MisalignMaxShift is the largest section offset in voxels
		MisalignMaxShift int `yaml:"misalignMaxShift"`
	} `yaml:"augment"`

	// Output parameters
	Output struct {
		// SnapshotDir is where patch slice snapshots are written, empty to disable
		SnapshotDir string `yaml:"snapshotDir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default dataset parameters (CREMI layout)
	cfg.Dataset.ImageDataset = "volumes/raw"
	cfg.Dataset.LabelDataset = "volumes/labels/neuron_ids"
	cfg.Dataset.TrainingSplitRatio = 0.9
	cfg.Dataset.PatchSize = []int{64, 64, 64}
	cfg.Dataset.Seed = 1

	// Set default augmentation parameters
	params := augment.DefaultParams()
	cfg.Augment.BrightnessMaxDelta = params.BrightnessMaxDelta
	cfg.Augment.ContrastMaxFactor = params.ContrastMaxFactor
	cfg.Augment.GammaMax = params.GammaMax
	cfg.Augment.NoiseMaxSigma = params.NoiseMaxSigma
	cfg.Augment.BlurMaxSigma = params.BlurMaxSigma
	cfg.Augment.BlackBoxMaxFraction = params.BlackBoxMaxFraction
	cfg.Augment.PerspectiveDistortion = params.PerspectiveDistortion
	cfg.Augment.MisalignMaxShift = params.MisalignMaxShift

	// Set default output parameters
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig reads a YAML file into a config, with file values overriding
// the defaults. A missing file is not an error: the defaults are returned so
// the CLI runs without any config on disk.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", configPath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig writes the config as YAML, creating parent directories as
// needed.
func SaveConfig(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("writing config %s: %w", configPath, err)
	}
	return nil
}

// CreateDefaultConfigFile writes the default configuration to the given path
// as a starting point for editing.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Validate checks the loaded values the sampling pipeline cannot defend
// against on its own. Augment bounds must be non-negative: a negative
// distortion or shift would declare a negative shrink margin and poison the
// oversize arithmetic before any volume is opened. Dataset-level parameters
// (split ratio, patch size, volume count) are checked again by dataset
// construction; the checks here exist so a bad file fails before loading
// gigabytes of volume data. Failures carry the same error class as dataset
// construction.
func (c *Config) Validate() error {
	for _, b := range []struct {
		param string
		value float64
	}{
		{"augment.brightnessMaxDelta", c.Augment.BrightnessMaxDelta},
		{"augment.contrastMaxFactor", c.Augment.ContrastMaxFactor},
		{"augment.noiseMaxSigma", c.Augment.NoiseMaxSigma},
		{"augment.blurMaxSigma", c.Augment.BlurMaxSigma},
		{"augment.blackBoxMaxFraction", c.Augment.BlackBoxMaxFraction},
	} {
		if b.value < 0 {
			return &dataset.ConfigError{Param: b.param,
				Msg: fmt.Sprintf("%v is negative", b.value)}
		}
	}
	if c.Augment.GammaMax < 1 {
		return &dataset.ConfigError{Param: "augment.gammaMax",
			Msg: fmt.Sprintf("%v must be at least 1", c.Augment.GammaMax)}
	}
	if c.Augment.PerspectiveDistortion < 0 {
		return &dataset.ConfigError{Param: "augment.perspectiveDistortion",
			Msg: fmt.Sprintf("%d is negative", c.Augment.PerspectiveDistortion)}
	}
	if c.Augment.MisalignMaxShift < 0 {
		return &dataset.ConfigError{Param: "augment.misalignMaxShift",
			Msg: fmt.Sprintf("%d is negative", c.Augment.MisalignMaxShift)}
	}
	return nil
}

// PipelineParams maps the augmentation section onto the transform chain's
// parameter struct.
func (c *Config) PipelineParams() augment.PipelineParams {
	return augment.PipelineParams{
		BrightnessMaxDelta:    c.Augment.BrightnessMaxDelta,
		ContrastMaxFactor:     c.Augment.ContrastMaxFactor,
		GammaMax:              c.Augment.GammaMax,
		NoiseMaxSigma:         c.Augment.NoiseMaxSigma,
		BlurMaxSigma:          c.Augment.BlurMaxSigma,
		BlackBoxMaxFraction:   c.Augment.BlackBoxMaxFraction,
		PerspectiveDistortion: c.Augment.PerspectiveDistortion,
		MisalignMaxShift:      c.Augment.MisalignMaxShift,
	}
}

// DatasetParams maps the dataset section onto the dataset's parameter struct.
func (c *Config) DatasetParams() dataset.Params {
	return dataset.Params{
		TrainingSplitRatio: c.Dataset.TrainingSplitRatio,
		PatchSize:          c.Dataset.PatchSize,
		Seed:               c.Dataset.Seed,
	}
}
