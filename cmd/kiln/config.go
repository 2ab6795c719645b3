package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the kiln configuration file ($XDG_CONFIG_HOME/kiln/config.yaml).
// All fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	SnapshotDir string `yaml:"snapshot_dir"`

	// Model and training
	Hidden       *int64   `yaml:"hidden"`
	Seed         *int64   `yaml:"seed"`
	BatchSize    *int64   `yaml:"batch_size"`
	Optimizer    string   `yaml:"optimizer"`
	LearningRate *float64 `yaml:"lr"`
	Scheduler    string   `yaml:"scheduler"`
	ClipNorm     *float64 `yaml:"clip_norm"`
	Scaler       string   `yaml:"scaler"`

	// Generation
	Sampler      string   `yaml:"sampler"`
	Contexts     []string `yaml:"contexts"`
	MaxLength    *int64   `yaml:"max_length"`
	GenBatchSize *int64   `yaml:"gen_batch_size"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "kiln", "config.yaml")
}

// applyModuleConfig applies config file defaults to module flag variables
// when the corresponding CLI flag was not explicitly set.
func applyModuleConfig(c *cli.Command, cfg Config) {
	if cfg.SnapshotDir != "" && !c.IsSet("snapshot") {
		snapshotDir = cfg.SnapshotDir
	}
	if cfg.Hidden != nil && !c.IsSet("hidden") {
		hidden = *cfg.Hidden
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.BatchSize != nil && !c.IsSet("batch-size") {
		batchSize = *cfg.BatchSize
	}
	if cfg.Optimizer != "" && !c.IsSet("optimizer") {
		optimizer = cfg.Optimizer
	}
	if cfg.LearningRate != nil && !c.IsSet("lr") && !c.IsSet("learning-rate") {
		learningRate = *cfg.LearningRate
	}
	if cfg.Scheduler != "" && !c.IsSet("scheduler") {
		scheduler = cfg.Scheduler
	}
	if cfg.ClipNorm != nil && !c.IsSet("clip-norm") {
		clipNorm = *cfg.ClipNorm
	}
	if cfg.Scaler != "" && !c.IsSet("scaler") {
		scalerName = cfg.Scaler
	}
	if cfg.Sampler != "" && !c.IsSet("sampler") {
		samplerName = cfg.Sampler
	}
	if len(cfg.Contexts) > 0 && !c.IsSet("context") {
		contexts = cfg.Contexts
	}
	if cfg.MaxLength != nil && !c.IsSet("max-length") {
		maxLength = *cfg.MaxLength
	}
	if cfg.GenBatchSize != nil && !c.IsSet("gen-batch-size") {
		genBatch = *cfg.GenBatchSize
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyModuleConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file at path. A missing file yields a zero
// Config; a malformed one is an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
