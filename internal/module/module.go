// Package module composes the language model, its optimizer, the generator
// and both trainers behind one read/write lock. Callers generate posts, score
// them, fit example posts and step the optimizers; the module tracks which
// generated posts are still awaiting a score.
package module

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/kiln/internal/codec"
	"github.com/samcharles93/kiln/internal/generator"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/loss"
	"github.com/samcharles93/kiln/internal/metrics"
	"github.com/samcharles93/kiln/internal/model"
	"github.com/samcharles93/kiln/internal/optim"
	"github.com/samcharles93/kiln/internal/registry"
	"github.com/samcharles93/kiln/internal/tensor"
	"github.com/samcharles93/kiln/internal/trainer"
)

// ErrUnknownPost is returned when a scored id was never generated or has
// already been scored.
var ErrUnknownPost = errors.New("unknown post")

// Deps are the collaborators a module is built around.
type Deps struct {
	Model     model.LanguageModel
	Value     model.ValueModel
	Tokenizer model.Tokenizer
	Codec     codec.Codec
	// Sink receives every metric point. Optional.
	Sink   metrics.Sink
	Logger logger.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Model == nil:
		return errors.New("module: model is required")
	case d.Value == nil:
		return errors.New("module: value model is required")
	case d.Tokenizer == nil:
		return errors.New("module: tokenizer is required")
	case d.Codec == nil:
		return errors.New("module: codec is required")
	}
	return nil
}

// Generated is one post handed out by Generate.
type Generated struct {
	ID   string     `json:"id"`
	Post codec.Post `json:"post"`
}

// Score is caller feedback for a generated post.
type Score struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// entry is a generated sequence awaiting its score.
type entry struct {
	sequence      []int
	contextLength int
	logprob       float64
}

// Module owns all training and generation state.
type Module struct {
	mu sync.RWMutex

	deps       Deps
	optimizer  *optim.Controller
	generator  *generator.Generator
	supervised *trainer.Supervised
	reinforced *trainer.Reinforced

	results   map[string]entry
	batchSize int
	epoch     int

	supervisedAcc   metrics.Accumulator
	reinforcedAcc   metrics.Accumulator
	supervisedLoss  *metrics.Metric
	reinforcedScore *metrics.Metric

	log logger.Logger
}

// New builds a module from cfg.
func New(ctx context.Context, cfg Config, deps Deps) (*Module, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := moduleLogger(ctx, deps)
	ctl, err := optim.NewController(deps.Model.Parameters(), cfg.Optimizer)
	if err != nil {
		return nil, fmt.Errorf("optimizer: %w", err)
	}
	gen, err := generator.New(cfg.Generator, log)
	if err != nil {
		return nil, err
	}
	if cfg.Seed != nil {
		gen.Seed(*cfg.Seed)
	}
	sup, err := trainer.NewSupervised(deps.Model, cfg.SupervisedLoss, log)
	if err != nil {
		return nil, fmt.Errorf("supervised trainer: %w", err)
	}
	rl, err := trainer.NewReinforced(deps.Model, deps.Value, cfg.Reinforced, log)
	if err != nil {
		return nil, fmt.Errorf("reinforced trainer: %w", err)
	}
	return newModule(deps, log, ctl, gen, sup, rl, cfg.BatchSize, 0), nil
}

func newModule(deps Deps, log logger.Logger, ctl *optim.Controller, gen *generator.Generator, sup *trainer.Supervised, rl *trainer.Reinforced, batchSize, epoch int) *Module {
	m := &Module{
		deps:            deps,
		optimizer:       ctl,
		generator:       gen,
		supervised:      sup,
		reinforced:      rl,
		results:         make(map[string]entry),
		batchSize:       batchSize,
		epoch:           epoch,
		supervisedLoss:  metrics.NewLine("supervisedLoss", "Supervised Loss", "epoch", "loss"),
		reinforcedScore: metrics.NewLine("reinforcedScore", "Reinforced Score", "epoch", "score"),
		log:             log,
	}
	if deps.Sink != nil {
		for _, metric := range m.allMetrics() {
			metric.SetSink(deps.Sink)
		}
	}
	return m
}

func moduleLogger(ctx context.Context, deps Deps) logger.Logger {
	log := deps.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}
	return log.With("component", "module")
}

func (m *Module) readLock(fn func() error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn()
}

func (m *Module) writeLock(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn()
}

// lockedModel guards every forward pass with the module's read lock so that
// generation interleaves with optimizer steps between sampling steps.
type lockedModel struct {
	model.LanguageModel
	mu *sync.RWMutex
}

func (l lockedModel) Forward(seq []int) ([][]float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.LanguageModel.Forward(seq)
}

// Generate lazily yields n posts, each under a fresh id that is cached until
// scored. Stopping the iteration early abandons the remaining posts.
func (m *Module) Generate(ctx context.Context, n int) iter.Seq2[Generated, error] {
	return func(yield func(Generated, error) bool) {
		if n < 0 {
			yield(Generated{}, fmt.Errorf("%w: n must be >= 0, got %d", ErrInvalidConfig, n))
			return
		}
		lm := lockedModel{LanguageModel: m.deps.Model, mu: &m.mu}
		for res, err := range m.generator.Generate(ctx, lm, m.deps.Tokenizer, n) {
			if err != nil {
				yield(Generated{}, err)
				return
			}
			for i, seq := range res.Sequences {
				post, err := m.deps.Codec.Encode(m.deps.Tokenizer, seq)
				if err != nil {
					yield(Generated{}, fmt.Errorf("encode post: %w", err))
					return
				}
				id := uuid.NewString()
				m.mu.Lock()
				m.results[id] = entry{sequence: seq, contextLength: res.ContextLengths[i], logprob: res.Logprobs[i]}
				m.mu.Unlock()
				if !yield(Generated{ID: id, Post: post}, nil) {
					return
				}
			}
		}
	}
}

// Pending returns the number of generated posts awaiting a score.
func (m *Module) Pending() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.results)
}

// FitPosts accumulates supervised gradients from example posts in
// mini-batches of the configured size. Batches without any target token are
// skipped. Posts are decoded before anything is fitted, and a failing batch
// rolls back the gradients of every earlier batch of the call.
func (m *Module) FitPosts(ctx context.Context, posts []codec.Post) error {
	seqs := make([][]int, len(posts))
	for i, p := range posts {
		seq, err := m.deps.Codec.Decode(m.deps.Tokenizer, p)
		if err != nil {
			return fmt.Errorf("decode post %d: %w", i, err)
		}
		seqs[i] = seq
	}
	return m.writeLock(func() error {
		params := m.deps.Model.Parameters()
		saved := tensor.SaveGrads(params)
		var losses []float64
		for start := 0; start < len(seqs); start += m.batchSize {
			batch := seqs[start:min(start+m.batchSize, len(seqs))]
			l, err := m.supervised.Fit(ctx, batch)
			if errors.Is(err, trainer.ErrEmptyBatch) {
				continue
			}
			if err != nil {
				tensor.RestoreGrads(params, saved)
				return err
			}
			losses = append(losses, l)
		}
		for _, l := range losses {
			m.supervisedAcc.Add(l)
		}
		return nil
	})
}

// FitScores pairs every scored id with its cached generation and runs the
// reinforced trainer on them. Unknown or already scored ids fail the whole
// call before anything is consumed. An empty list is a no-op.
func (m *Module) FitScores(ctx context.Context, scores []Score) error {
	if len(scores) == 0 {
		return nil
	}
	return m.writeLock(func() error {
		seen := make(map[string]struct{}, len(scores))
		for _, s := range scores {
			if _, ok := m.results[s.ID]; !ok {
				return fmt.Errorf("%w: %s", ErrUnknownPost, s.ID)
			}
			if _, dup := seen[s.ID]; dup {
				return fmt.Errorf("%w: %s scored twice", ErrUnknownPost, s.ID)
			}
			seen[s.ID] = struct{}{}
		}

		samples := make([]trainer.Sample, len(scores))
		raw := make([]float64, len(scores))
		popped := make(map[string]entry, len(scores))
		for i, s := range scores {
			e := m.results[s.ID]
			popped[s.ID] = e
			delete(m.results, s.ID)
			samples[i] = trainer.Sample{
				Sequence:      e.sequence,
				ContextLength: e.contextLength,
				Logprob:       e.logprob,
				Score:         s.Score,
			}
			raw[i] = s.Score
		}

		if _, err := m.reinforced.Fit(ctx, samples); err != nil {
			for id, e := range popped {
				m.results[id] = e
			}
			return err
		}
		m.reinforcedAcc.Add(stat.Mean(raw, nil))
		return nil
	})
}

// Step applies the accumulated gradients, closes the epoch and reports the
// epoch means. The epoch counter always advances by one.
func (m *Module) Step(ctx context.Context) error {
	return m.writeLock(func() error {
		norm := m.optimizer.Step()
		m.reinforced.Step(ctx)
		m.reinforced.EndEpoch(ctx)

		epoch := float64(m.epoch)
		if v, ok := m.supervisedAcc.Mean(); ok {
			m.report(ctx, m.supervisedLoss, metrics.Point{"epoch": epoch, "loss": v})
		}
		if v, ok := m.reinforcedAcc.Mean(); ok {
			m.report(ctx, m.reinforcedScore, metrics.Point{"epoch": epoch, "score": v})
		}
		m.supervisedAcc.Reset()
		m.reinforcedAcc.Reset()
		m.epoch++
		m.log.Info("epoch complete", "epoch", m.epoch, "grad_norm", norm)
		return nil
	})
}

func (m *Module) report(ctx context.Context, metric *metrics.Metric, p metrics.Point) {
	if err := metric.Report(ctx, p); err != nil {
		m.log.Warn("metric sink failed", "metric", metric.Name(), "error", err)
	}
}

// Epoch returns the number of completed steps.
func (m *Module) Epoch() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

func (m *Module) allMetrics() []*metrics.Metric {
	out := []*metrics.Metric{m.supervisedLoss, m.reinforcedScore}
	out = append(out, m.supervised.Metrics()...)
	return append(out, m.reinforced.Metrics()...)
}

// Metrics returns every metric with its recorded series.
func (m *Module) Metrics() []metrics.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []metrics.Snapshot
	for _, metric := range m.allMetrics() {
		out = append(out, metric.Snapshot())
	}
	return out
}

// Config returns the current settings of every component.
func (m *Module) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Config{
		BatchSize:      m.batchSize,
		Optimizer:      m.optimizer.State(),
		Generator:      m.generator.Config(),
		SupervisedLoss: m.supervised.Loss().State(),
		Reinforced:     m.reinforced.State(),
	}
}

// Configure applies s atomically: every change is validated and built
// before any is installed.
func (m *Module) Configure(ctx context.Context, s Settings) error {
	return m.writeLock(func() error {
		if s.BatchSize != nil && *s.BatchSize < 1 {
			return fmt.Errorf("%w: batch_size must be >= 1, got %d", ErrInvalidConfig, *s.BatchSize)
		}
		optPrep, err := m.optimizer.Prepare(s.Optimizer)
		if err != nil {
			return fmt.Errorf("optimizer: %w", err)
		}
		genPrep, err := m.generator.Prepare(s.Generator)
		if err != nil {
			return fmt.Errorf("generator: %w", err)
		}
		var lossSlot *registry.Slot[struct{}, loss.Policy]
		if s.SupervisedLoss != nil || s.SupervisedLossParams != nil {
			category := ""
			if s.SupervisedLoss != nil {
				category = *s.SupervisedLoss
			}
			if lossSlot, err = m.supervised.PrepareLoss(category, s.SupervisedLossParams); err != nil {
				return fmt.Errorf("supervised loss: %w", err)
			}
		}
		rlPrep, err := m.reinforced.Prepare(s.Trainer)
		if err != nil {
			return fmt.Errorf("trainer: %w", err)
		}

		if s.BatchSize != nil {
			m.batchSize = *s.BatchSize
		}
		if err := m.optimizer.Commit(optPrep); err != nil {
			return err
		}
		if err := m.generator.Commit(genPrep); err != nil {
			return err
		}
		if lossSlot != nil {
			if err := m.supervised.SetLoss(lossSlot); err != nil {
				return err
			}
		}
		if err := m.reinforced.Commit(rlPrep); err != nil {
			return err
		}
		m.log.Info("configured",
			"batch_size", m.batchSize,
			"optimizer", m.optimizer.Optimizer().Category(),
			"scheduler", m.optimizer.Scheduler().Category(),
		)
		return nil
	})
}

// Cleanup releases every owned strategy and drops pending posts.
func (m *Module) Cleanup(ctx context.Context) error {
	return m.writeLock(func() error {
		clear(m.results)
		errs := []error{
			m.generator.Cleanup(),
			m.optimizer.Cleanup(),
			m.supervised.Loss().Cleanup(),
			m.reinforced.Cleanup(),
			registry.Cleanup(m.deps.Model),
			registry.Cleanup(m.deps.Value),
		}
		return errors.Join(errs...)
	})
}
