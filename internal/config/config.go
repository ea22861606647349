// Package config holds the tool configuration: dataset location, pipeline
// tuning parameters and training hyperparameters. Values come from built-in
// defaults, an optional YAML file, and the DATADIR environment variable, in
// that order.
package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"dogsvscats/internal/tfrecord"
)

// DefaultDataDir is the fallback dataset root used when DATADIR is unset.
const DefaultDataDir = "/scratch/project_2000859/extracted/"

// recordSubdir is the fixed location of the TFRecord shards below the root.
const recordSubdir = "dogs-vs-cats/train-2000/tfrecord"

// Split describes one data split: its shard count and total image count.
type Split struct {
	Name   string
	Shards int
	Images int
}

// The fixed dogs-vs-cats splits.
var (
	Train      = Split{Name: "train", Shards: 4, Images: 2000}
	Validation = Split{Name: "validation", Shards: 2, Images: 1000}
	Test       = Split{Name: "test", Shards: 22, Images: 22000}
)

// Backbone points at a frozen pretrained feature extractor: the ONNX model
// and its JSON metadata sidecar.
type Backbone struct {
	ModelPath    string `yaml:"model"`
	MetadataPath string `yaml:"metadata"`
}

// Config is the full tool configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`

	// Pipeline tuning.
	BatchSize     int `yaml:"batch_size"`
	Parallelism   int `yaml:"parallelism"`
	ShuffleBuffer int `yaml:"shuffle_buffer"`
	Prefetch      int `yaml:"prefetch"`

	// Training hyperparameters.
	SimpleEpochs   int     `yaml:"simple_epochs"`
	ReuseEpochs    int     `yaml:"reuse_epochs"`
	FinetuneEpochs int     `yaml:"finetune_epochs"`
	LearningRate   float64 `yaml:"learning_rate"`
	FinetuneRate   float64 `yaml:"finetune_rate"`
	Seed           int64   `yaml:"seed"`

	// Output locations.
	LogDir   string `yaml:"log_dir"`
	ModelDir string `yaml:"model_dir"`
	RunsDB   string `yaml:"runs_db"`

	Backbone Backbone `yaml:"backbone"`
}

// Default returns the built-in configuration, matching the original training
// setup.
func Default() Config {
	return Config{
		DataDir:        DefaultDataDir,
		BatchSize:      32,
		Parallelism:    10,
		ShuffleBuffer:  2000,
		Prefetch:       2,
		SimpleEpochs:   20,
		ReuseEpochs:    10,
		FinetuneEpochs: 20,
		LearningRate:   1e-3,
		FinetuneRate:   1e-5,
		Seed:           1,
		LogDir:         "logs",
		ModelDir:       ".",
		RunsDB:         "runs.db",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then the DATADIR environment variable.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "config: reading %s", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "config: parsing %s", path)
		}
	}

	if dir := os.Getenv("DATADIR"); dir != "" {
		cfg.DataDir = dir
	}

	return cfg, nil
}

// RecordDir is the directory holding the TFRecord shards.
func (c Config) RecordDir() string {
	return filepath.Join(c.DataDir, recordSubdir)
}

// ShardPaths returns the full paths of a split's shard files.
func (c Config) ShardPaths(s Split) []string {
	dir := c.RecordDir()
	names := tfrecord.ShardNames(s.Name, s.Shards)
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(dir, name)
	}
	return paths
}
