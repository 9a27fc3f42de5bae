// Package config holds the knobs of a pretraining run.
//
// Values come from Default(), optionally overlaid by a YAML file, and finally
// by command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	Dataset       string            `yaml:"dataset"`
	Model         string            `yaml:"model"`
	Method        string            `yaml:"method"`
	DataDirs      map[string]string `yaml:"data_dirs"`
	SaveDir       string            `yaml:"save_dir"`
	Device        string            `yaml:"device"`
	Alpha         float64           `yaml:"alpha"`
	LR            float64           `yaml:"lr"`
	BatchSize     int               `yaml:"batch_size"`
	TestBatchSize int               `yaml:"test_batch_size"`
	StartEpoch    int               `yaml:"start_epoch"`
	StopEpoch     int               `yaml:"stop_epoch"`
	SaveFreq      int               `yaml:"save_freq"`
	NumClasses    int               `yaml:"num_classes"`
	ImageSize     int               `yaml:"image_size"`
	TrainAug      bool              `yaml:"train_aug"`
	Resume        bool              `yaml:"resume"`
	StartFrom     string            `yaml:"start_from"`
	Workers       int               `yaml:"workers"`
	Seed          uint64            `yaml:"seed"`
	PlotPath      string            `yaml:"plot"`

	// Synthetic > 0 replaces the dataset manifest with that many generated
	// images, for smoke runs without data on disk.
	Synthetic int `yaml:"synthetic"`
}

// Default returns the stock configuration of the mixup regimen on miniImagenet.
func Default() *Config {
	return &Config{
		Dataset: "miniImagenet",
		Model:   "WideResNet28_10",
		Method:  "S2M2_R",
		DataDirs: map[string]string{
			"miniImagenet": "./filelists/miniImagenet/",
			"CUB":          "./filelists/CUB/",
			"cifar":        "./filelists/cifar/",
		},
		SaveDir:       "./save",
		Device:        "cpu",
		Alpha:         2.0,
		LR:            0.001,
		BatchSize:     16,
		TestBatchSize: 2,
		StartEpoch:    0,
		StopEpoch:     400,
		SaveFreq:      10,
		NumClasses:    64,
		ImageSize:     32,
		Resume:        true,
		StartFrom:     "resume",
		Seed:          1,
	}
}

// Load reads a YAML file on top of Default().
func Load(path string) (*Config, error) {
	//nolint:gosec // G304: config path is supplied by the operator
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Dataset == "" {
		return errors.New("dataset must be set")
	}
	if _, ok := c.DataDirs[c.Dataset]; !ok {
		return fmt.Errorf("no data dir configured for dataset %q", c.Dataset)
	}
	if c.Alpha <= 0 {
		return fmt.Errorf("alpha must be > 0 (got %g)", c.Alpha)
	}
	if c.LR <= 0 {
		return fmt.Errorf("lr must be > 0 (got %g)", c.LR)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.TestBatchSize <= 0 {
		return fmt.Errorf("test_batch_size must be > 0 (got %d)", c.TestBatchSize)
	}
	if c.StartEpoch < 0 {
		return fmt.Errorf("start_epoch must be >= 0 (got %d)", c.StartEpoch)
	}
	if c.StopEpoch <= 0 {
		return fmt.Errorf("stop_epoch must be > 0 (got %d)", c.StopEpoch)
	}
	if c.SaveFreq <= 0 {
		return fmt.Errorf("save_freq must be > 0 (got %d)", c.SaveFreq)
	}
	if c.NumClasses <= 1 {
		return fmt.Errorf("num_classes must be > 1 (got %d)", c.NumClasses)
	}
	if c.ImageSize < 8 {
		return fmt.Errorf("image_size must be >= 8 (got %d)", c.ImageSize)
	}
	if c.Synthetic < 0 {
		return fmt.Errorf("synthetic must be >= 0 (got %d)", c.Synthetic)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0 (got %d)", c.Workers)
	}
	return nil
}

// BaseFile is the training manifest of the configured dataset.
func (c *Config) BaseFile() string {
	return filepath.Join(c.DataDirs[c.Dataset], "base.json")
}

// CheckpointDir is <save_dir>/checkpoints/<dataset>/<model>_<method>.
func (c *Config) CheckpointDir() string {
	return filepath.Join(c.SaveDir, "checkpoints", c.Dataset, c.Model+"_"+c.Method)
}

// RotationDir is the checkpoint dir of the rotation run the mixup regimen
// bootstraps from.
func (c *Config) RotationDir() string {
	return strings.ReplaceAll(c.CheckpointDir(), "S2M2_R", "rotation")
}
