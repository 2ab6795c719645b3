package module

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/samcharles93/kiln/internal/generator"
	"github.com/samcharles93/kiln/internal/model"
	"github.com/samcharles93/kiln/internal/optim"
	"github.com/samcharles93/kiln/internal/registry"
	"github.com/samcharles93/kiln/internal/snapshot"
	"github.com/samcharles93/kiln/internal/trainer"
)

const (
	generatorDir  = "generator"
	trainerDir    = "trainer"
	modelDir      = "model"
	valueModelDir = "value_model"
)

// Save writes a snapshot of every component under dir. Pending posts are
// not saved.
func (m *Module) Save(ctx context.Context, dir string) error {
	unlock, err := snapshot.Lock(dir)
	if err != nil {
		return err
	}
	defer func() { _ = unlock() }()

	return m.readLock(func() error {
		if err := m.optimizer.Save(dir); err != nil {
			return err
		}
		if err := m.generator.Save(filepath.Join(dir, generatorDir)); err != nil {
			return fmt.Errorf("save generator: %w", err)
		}
		if err := m.reinforced.Save(filepath.Join(dir, trainerDir)); err != nil {
			return fmt.Errorf("save trainer: %w", err)
		}
		if err := registry.Save(m.deps.Model, filepath.Join(dir, modelDir)); err != nil {
			return fmt.Errorf("save model: %w", err)
		}
		if err := registry.Save(m.deps.Value, filepath.Join(dir, valueModelDir)); err != nil {
			return fmt.Errorf("save value model: %w", err)
		}
		st := state{
			BatchSize:      m.batchSize,
			Epoch:          m.epoch,
			Optimizer:      m.optimizer.State(),
			SupervisedLoss: m.supervised.Loss().State(),
		}
		if err := snapshot.WriteState(dir, st); err != nil {
			return err
		}
		m.log.Info("snapshot saved", "dir", dir, "epoch", m.epoch)
		return nil
	})
}

// Load restores a module saved under dir around deps. Models implementing
// model.Restorer get their parameters back when the snapshot holds them.
func Load(ctx context.Context, dir string, deps Deps) (*Module, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if !snapshot.Exists(dir) {
		return nil, fmt.Errorf("%w: %s", snapshot.ErrNotFound, dir)
	}
	unlock, err := snapshot.Lock(dir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = unlock() }()

	var st state
	if err := snapshot.ReadState(dir, &st); err != nil {
		return nil, err
	}
	if st.BatchSize < 1 {
		return nil, fmt.Errorf("%w: batch_size must be >= 1, got %d", ErrInvalidConfig, st.BatchSize)
	}
	log := moduleLogger(ctx, deps)

	if err := restore(deps.Model, filepath.Join(dir, modelDir)); err != nil {
		return nil, fmt.Errorf("restore model: %w", err)
	}
	if err := restore(deps.Value, filepath.Join(dir, valueModelDir)); err != nil {
		return nil, fmt.Errorf("restore value model: %w", err)
	}
	ctl, err := optim.LoadController(deps.Model.Parameters(), dir, st.Optimizer)
	if err != nil {
		return nil, fmt.Errorf("load optimizer: %w", err)
	}
	gen, err := generator.Load(filepath.Join(dir, generatorDir), log)
	if err != nil {
		return nil, fmt.Errorf("load generator: %w", err)
	}
	sup, err := trainer.NewSupervised(deps.Model, st.SupervisedLoss, log)
	if err != nil {
		return nil, fmt.Errorf("load supervised trainer: %w", err)
	}
	rl, err := trainer.LoadReinforced(deps.Model, deps.Value, filepath.Join(dir, trainerDir), log)
	if err != nil {
		return nil, fmt.Errorf("load trainer: %w", err)
	}
	log.Info("snapshot loaded", "dir", dir, "epoch", st.Epoch)
	return newModule(deps, log, ctl, gen, sup, rl, st.BatchSize, st.Epoch), nil
}

func restore(v any, dir string) error {
	r, ok := v.(model.Restorer)
	if !ok || !snapshot.Exists(dir) {
		return nil
	}
	return r.Restore(dir)
}

// Inspect reads the top-level state of a snapshot without building anything.
func Inspect(dir string) (Config, int, error) {
	var st state
	if err := snapshot.ReadState(dir, &st); err != nil {
		return Config{}, 0, err
	}
	cfg := Config{
		BatchSize:      st.BatchSize,
		Optimizer:      st.Optimizer,
		SupervisedLoss: st.SupervisedLoss,
	}
	var gen generator.Config
	if err := snapshot.ReadState(filepath.Join(dir, generatorDir), &gen); err != nil && !errors.Is(err, snapshot.ErrNotFound) {
		return Config{}, 0, err
	}
	cfg.Generator = gen
	var rl trainer.ReinforcedState
	if err := snapshot.ReadState(filepath.Join(dir, trainerDir), &rl); err != nil && !errors.Is(err, snapshot.ErrNotFound) {
		return Config{}, 0, err
	}
	cfg.Reinforced = rl
	return cfg, st.Epoch, nil
}
