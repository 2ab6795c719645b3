// Package generator produces batches of sequences by autoregressive sampling
// from a language model, starting from randomly drawn seed contexts.
package generator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/model"
	"github.com/samcharles93/kiln/internal/registry"
	"github.com/samcharles93/kiln/internal/sampler"
	"github.com/samcharles93/kiln/internal/snapshot"
)

// ErrInvalidConfig is returned for generator settings out of range.
var ErrInvalidConfig = errors.New("invalid generator config")

// Config is the persisted configuration of a Generator.
type Config struct {
	Sampler   registry.SlotState `json:"sampler"`
	Contexts  []string           `json:"contexts"`
	MaxLength int                `json:"max_length"`
	BatchSize int                `json:"batch_size"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Sampler:   registry.SlotState{Category: sampler.Registry.Default()},
		Contexts:  []string{""},
		MaxLength: 64,
		BatchSize: 8,
	}
}

func (c Config) validate() error {
	switch {
	case len(c.Contexts) == 0:
		return fmt.Errorf("%w: contexts must not be empty", ErrInvalidConfig)
	case c.MaxLength < 1:
		return fmt.Errorf("%w: max_length must be >= 1, got %d", ErrInvalidConfig, c.MaxLength)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batch_size must be >= 1, got %d", ErrInvalidConfig, c.BatchSize)
	}
	return nil
}

// Result is one generated batch. Logprobs[i] is the summed log-probability
// of the tokens appended to Sequences[i] after its first ContextLengths[i]
// tokens.
type Result struct {
	Sequences      [][]int
	ContextLengths []int
	Logprobs       []float64
}

// Generator owns the sampler and generation settings behind a read/write
// lock. Generation holds the read lock only while capturing settings.
type Generator struct {
	mu        sync.RWMutex
	sampler   *registry.Slot[struct{}, sampler.Sampler]
	contexts  []string
	maxLength int
	batchSize int

	rngMu sync.Mutex
	rng   *rand.Rand

	log logger.Logger
}

// New builds a generator from cfg.
func New(cfg Config, log logger.Logger) (*Generator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	slot, err := registry.NewSlot(sampler.Registry, struct{}{}, cfg.Sampler)
	if err != nil {
		return nil, err
	}
	return newGenerator(slot, cfg, log), nil
}

// Load restores a generator saved under dir.
func Load(dir string, log logger.Logger) (*Generator, error) {
	var cfg Config
	if err := snapshot.ReadState(dir, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	slot, err := registry.LoadSlot(sampler.Registry, struct{}{}, filepath.Join(dir, "sampler"), cfg.Sampler)
	if err != nil {
		return nil, err
	}
	return newGenerator(slot, cfg, log), nil
}

func newGenerator(slot *registry.Slot[struct{}, sampler.Sampler], cfg Config, log logger.Logger) *Generator {
	if log == nil {
		log = logger.Nop()
	}
	return &Generator{
		sampler:   slot,
		contexts:  slices.Clone(cfg.Contexts),
		maxLength: cfg.MaxLength,
		batchSize: cfg.BatchSize,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		log:       log.With("component", "generator"),
	}
}

// Seed makes context selection reproducible.
func (g *Generator) Seed(seed int64) {
	g.rngMu.Lock()
	g.rng = rand.New(rand.NewSource(seed))
	g.rngMu.Unlock()
}

// Config returns the current configuration.
func (g *Generator) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.configLocked()
}

func (g *Generator) configLocked() Config {
	return Config{
		Sampler:   g.sampler.State(),
		Contexts:  slices.Clone(g.contexts),
		MaxLength: g.maxLength,
		BatchSize: g.batchSize,
	}
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Sampler       *string         `json:"sampler,omitempty"`
	SamplerParams registry.Params `json:"sampler_params,omitempty"`
	Contexts      []string        `json:"contexts,omitempty"`
	MaxLength     *int            `json:"max_length,omitempty"`
	BatchSize     *int            `json:"batch_size,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Sampler == nil && p.SamplerParams == nil && p.Contexts == nil && p.MaxLength == nil && p.BatchSize == nil
}

// Prepared is a validated patch ready to be committed.
type Prepared struct {
	cfg  Config
	slot *registry.Slot[struct{}, sampler.Sampler]
}

// Prepare validates p against the current configuration and builds any new
// sampler without changing the generator.
func (g *Generator) Prepare(p Patch) (*Prepared, error) {
	g.mu.RLock()
	cfg := g.configLocked()
	current := g.sampler
	g.mu.RUnlock()

	if p.Contexts != nil {
		cfg.Contexts = slices.Clone(p.Contexts)
	}
	if p.MaxLength != nil {
		cfg.MaxLength = *p.MaxLength
	}
	if p.BatchSize != nil {
		cfg.BatchSize = *p.BatchSize
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	prep := &Prepared{cfg: cfg}
	if p.Sampler != nil || p.SamplerParams != nil {
		category := current.Category()
		if p.Sampler != nil {
			category = *p.Sampler
		}
		slot, err := current.Prepare(struct{}{}, category, p.SamplerParams)
		if err != nil {
			return nil, err
		}
		prep.slot = slot
	}
	return prep, nil
}

// Commit applies a prepared patch.
func (g *Generator) Commit(p *Prepared) error {
	g.mu.Lock()
	old := g.sampler
	if p.slot != nil {
		g.sampler = p.slot
	}
	g.contexts = p.cfg.Contexts
	g.maxLength = p.cfg.MaxLength
	g.batchSize = p.cfg.BatchSize
	g.mu.Unlock()

	if p.slot != nil {
		g.log.Info("sampler swapped", "from", old.Category(), "to", p.slot.Category())
		return old.Cleanup()
	}
	return nil
}

// Apply validates and commits p in one call.
func (g *Generator) Apply(p Patch) error {
	prep, err := g.Prepare(p)
	if err != nil {
		return err
	}
	return g.Commit(prep)
}

// SetSampler switches to category, merging params into the overrides
// recorded for it.
func (g *Generator) SetSampler(category string, params registry.Params) error {
	return g.Apply(Patch{Sampler: &category, SamplerParams: params})
}

// SetContexts replaces the seed contexts. An empty list is rejected.
func (g *Generator) SetContexts(contexts []string) error {
	if contexts == nil {
		contexts = []string{}
	}
	return g.Apply(Patch{Contexts: contexts})
}

// SetMaxLength sets the number of tokens generated after the context.
func (g *Generator) SetMaxLength(n int) error { return g.Apply(Patch{MaxLength: &n}) }

// SetBatchSize sets the number of sequences sampled together.
func (g *Generator) SetBatchSize(n int) error { return g.Apply(Patch{BatchSize: &n}) }

// Save writes the configuration and sampler state under dir.
func (g *Generator) Save(dir string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if err := g.sampler.Save(filepath.Join(dir, "sampler")); err != nil {
		return fmt.Errorf("save sampler: %w", err)
	}
	return snapshot.WriteState(dir, g.configLocked())
}

// Cleanup releases the sampler.
func (g *Generator) Cleanup() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sampler.Cleanup()
}

// Generate lazily yields ceil(n / batch size) batches holding n sequences in
// total. Settings are captured when iteration starts. Iteration stops at the
// first error, when ctx is done, or when the consumer stops early.
func (g *Generator) Generate(ctx context.Context, m model.LanguageModel, tok model.Tokenizer, n int) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		g.mu.RLock()
		smp := g.sampler.Value()
		contexts := slices.Clone(g.contexts)
		maxLength, batchSize := g.maxLength, g.batchSize
		g.mu.RUnlock()

		for remaining := n; remaining > 0; {
			if err := ctx.Err(); err != nil {
				yield(Result{}, err)
				return
			}
			size := min(remaining, batchSize)
			remaining -= size
			seeds := g.drawContexts(tok, contexts, size)
			res, err := generateBatch(ctx, m, smp, seeds, maxLength, tok.EndToken())
			if err != nil {
				yield(Result{}, err)
				return
			}
			g.log.Debug("generated batch", "size", size, "remaining", remaining)
			if !yield(res, nil) {
				return
			}
		}
	}
}

// drawContexts samples n contexts with replacement and encodes them without
// the trailing end token.
func (g *Generator) drawContexts(tok model.Tokenizer, contexts []string, n int) [][]int {
	g.rngMu.Lock()
	picks := make([]string, n)
	for i := range picks {
		picks[i] = contexts[g.rng.Intn(len(contexts))]
	}
	g.rngMu.Unlock()

	out := make([][]int, n)
	for i, c := range picks {
		ids := tok.Encode(c)
		if k := len(ids); k > 0 && ids[k-1] == tok.EndToken() {
			ids = ids[:k-1]
		}
		if len(ids) == 0 {
			ids = []int{tok.EndToken()}
		}
		out[i] = ids
	}
	return out
}

func generateBatch(ctx context.Context, m model.LanguageModel, smp sampler.Sampler, seeds [][]int, maxLength, end int) (Result, error) {
	res := Result{
		Sequences:      seeds,
		ContextLengths: make([]int, len(seeds)),
		Logprobs:       make([]float64, len(seeds)),
	}
	active := make([]int, len(seeds))
	for i, s := range seeds {
		res.ContextLengths[i] = len(s)
		active[i] = i
	}

	for step := 0; step < maxLength && len(active) > 0; step++ {
		batch := make([][]int, len(active))
		for j, i := range active {
			batch[j] = res.Sequences[i]
		}
		rows, err := model.ForwardAll(ctx, m, batch)
		if err != nil {
			return Result{}, fmt.Errorf("generate step %d: %w", step, err)
		}
		last := make([][]float64, len(rows))
		for j, r := range rows {
			last[j] = r[len(r)-1]
		}
		ids, lps := smp.Sample(last)

		next := active[:0]
		for j, i := range active {
			res.Sequences[i] = append(res.Sequences[i], ids[j])
			res.Logprobs[i] += lps[j]
			if ids[j] != end {
				next = append(next, i)
			}
		}
		active = next
	}
	return res, nil
}
