package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/kiln/internal/codec"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/module"
	"github.com/samcharles93/kiln/internal/registry"
	"github.com/samcharles93/kiln/internal/snapshot"
	"github.com/samcharles93/kiln/internal/tokenizer"
	"github.com/samcharles93/kiln/internal/toy"
)

// moduleConfig turns the module flags into a module configuration.
func moduleConfig() (module.Config, error) {
	cfg := module.DefaultConfig()
	if batchSize < 1 || maxLength < 1 || genBatch < 1 {
		return cfg, fmt.Errorf("batch-size, max-length and gen-batch-size must be >= 1")
	}
	cfg.BatchSize = int(batchSize)
	cfg.Optimizer.Optimizer = registry.SlotState{Category: optimizer}
	if learningRate > 0 {
		cfg.Optimizer.Optimizer.Params = map[string]registry.Params{optimizer: {"lr": learningRate}}
	}
	cfg.Optimizer.Scheduler = registry.SlotState{Category: scheduler}
	cfg.Optimizer.ClipNorm = clipNorm
	cfg.Generator.Sampler = registry.SlotState{
		Category: samplerName,
		Params:   map[string]registry.Params{samplerName: {"seed": seed}},
	}
	if len(contexts) > 0 {
		cfg.Generator.Contexts = contexts
	}
	cfg.Generator.MaxLength = int(maxLength)
	cfg.Generator.BatchSize = int(genBatch)
	cfg.Reinforced.Scaler = registry.SlotState{Category: scalerName}
	s := seed
	cfg.Seed = &s
	return cfg, nil
}

// buildModule resumes from the snapshot directory when it holds a snapshot
// and builds a fresh module otherwise.
func buildModule(ctx context.Context) (*module.Module, error) {
	log := logger.FromContext(ctx)
	deps := module.Deps{
		Model:     toy.NewLM(tokenizer.VocabSize, int(hidden), seed),
		Value:     toy.NewValue(tokenizer.VocabSize, int(hidden), seed+1),
		Tokenizer: tokenizer.Byte{},
		Codec:     codec.Text{},
		Logger:    log,
	}
	if snapshotDir != "" {
		_, _, err := module.Inspect(snapshotDir)
		switch {
		case err == nil:
			return module.Load(ctx, snapshotDir, deps)
		case !errors.Is(err, snapshot.ErrNotFound):
			return nil, err
		}
	}
	cfg, err := moduleConfig()
	if err != nil {
		return nil, err
	}
	return module.New(ctx, cfg, deps)
}
