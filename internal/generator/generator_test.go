package generator

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/registry"
	"github.com/samcharles93/kiln/internal/tokenizer"
	"github.com/samcharles93/kiln/internal/toy"
)

func greedyConfig(contexts []string, maxLength, batchSize int) Config {
	return Config{
		Sampler: registry.SlotState{
			Category: "epsilonGreedy",
			Params:   map[string]registry.Params{"epsilonGreedy": {"epsilon": 0, "seed": 1}},
		},
		Contexts:  contexts,
		MaxLength: maxLength,
		BatchSize: batchSize,
	}
}

func newTestGenerator(t *testing.T, cfg Config) *Generator {
	t.Helper()
	g, err := New(cfg, logger.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g.Seed(3)
	return g
}

// endLM always prefers the end token.
type endLM struct{ *toy.LM }

func (m endLM) Forward(seq []int) ([][]float64, error) {
	rows := make([][]float64, len(seq))
	for i := range rows {
		row := make([]float64, m.Vocab)
		for j := range row {
			row[j] = math.Log(0.5 / float64(m.Vocab-1))
		}
		row[tokenizer.End] = math.Log(0.5)
		rows[i] = row
	}
	return rows, nil
}

func TestGenerateBatchesAndLengths(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(t, greedyConfig([]string{"hello"}, 5, 2))
	lm := toy.NewLM(tokenizer.VocabSize, 8, 1)

	var sizes, total int
	var batches []int
	for res, err := range g.Generate(context.Background(), lm, tokenizer.Byte{}, 3) {
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		batches = append(batches, len(res.Sequences))
		total += len(res.Sequences)
		for i, seq := range res.Sequences {
			if res.ContextLengths[i] != 6 {
				t.Fatalf("context length: got %d want 6", res.ContextLengths[i])
			}
			if n := len(seq) - res.ContextLengths[i]; n < 1 || n > 5 {
				t.Fatalf("generated %d tokens, want 1..5", n)
			}
			sizes++
		}
	}
	if len(batches) != 2 || batches[0] != 2 || batches[1] != 1 || total != 3 || sizes != 3 {
		t.Fatalf("batches: got %v (total %d) want [2 1]", batches, total)
	}
}

func TestLogprobsMatchModel(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(t, greedyConfig([]string{"ab"}, 4, 4))
	lm := toy.NewLM(tokenizer.VocabSize, 8, 2)
	for res, err := range g.Generate(context.Background(), lm, tokenizer.Byte{}, 2) {
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		for i, seq := range res.Sequences {
			rows, err := lm.Forward(seq[:len(seq)-1])
			if err != nil {
				t.Fatalf("Forward: %v", err)
			}
			var want float64
			for k := res.ContextLengths[i]; k < len(seq); k++ {
				want += rows[k-1][seq[k]]
			}
			if math.Abs(res.Logprobs[i]-want) > 1e-9 {
				t.Fatalf("logprob %d: got %v want %v", i, res.Logprobs[i], want)
			}
		}
	}
}

func TestGenerateStopsAtEndToken(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(t, greedyConfig([]string{""}, 10, 3))
	lm := endLM{toy.NewLM(tokenizer.VocabSize, 2, 1)}
	for res, err := range g.Generate(context.Background(), lm, tokenizer.Byte{}, 3) {
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		for _, seq := range res.Sequences {
			if len(seq) != 2 || seq[1] != tokenizer.End {
				t.Fatalf("sequence: got %v want [End End]", seq)
			}
		}
	}
}

func TestGenerateZeroAndEarlyStop(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(t, greedyConfig([]string{"x"}, 2, 1))
	lm := toy.NewLM(tokenizer.VocabSize, 4, 1)
	for range g.Generate(context.Background(), lm, tokenizer.Byte{}, 0) {
		t.Fatalf("n=0 must yield nothing")
	}
	count := 0
	for range g.Generate(context.Background(), lm, tokenizer.Byte{}, 5) {
		count++
		break
	}
	if count != 1 {
		t.Fatalf("early stop: got %d batches want 1", count)
	}
}

func TestGenerateCancelled(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(t, greedyConfig([]string{"x"}, 2, 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range g.Generate(ctx, toy.NewLM(tokenizer.VocabSize, 4, 1), tokenizer.Byte{}, 2) {
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	}
}

func TestApplyValidatesAtomically(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(t, greedyConfig([]string{"x"}, 2, 1))
	bad := 0
	cat := "nucleus"
	err := g.Apply(Patch{Sampler: &cat, MaxLength: &bad})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	cfg := g.Config()
	if cfg.MaxLength != 2 || cfg.Sampler.Category != "epsilonGreedy" {
		t.Fatalf("config changed after failed patch: %+v", cfg)
	}
	if err := g.SetContexts(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for empty contexts, got %v", err)
	}
	if err := g.SetSampler("nucleus", registry.Params{"p": 5.0}); !errors.Is(err, registry.ErrInvalidParam) {
		t.Fatalf("expected ErrInvalidParam, got %v", err)
	}
	if err := g.SetSampler("nucleus", registry.Params{"p": 0.5}); err != nil {
		t.Fatalf("SetSampler: %v", err)
	}
	if err := g.SetBatchSize(4); err != nil {
		t.Fatalf("SetBatchSize: %v", err)
	}
	if err := g.SetMaxLength(0); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for max length 0, got %v", err)
	}
	if err := g.SetMaxLength(9); err != nil {
		t.Fatalf("SetMaxLength: %v", err)
	}
	cfg = g.Config()
	if cfg.Sampler.Category != "nucleus" || cfg.Sampler.Params["nucleus"]["p"] != 0.5 || cfg.BatchSize != 4 || cfg.MaxLength != 9 {
		t.Fatalf("config after updates: %+v", cfg)
	}
}

func TestSaveLoad(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(t, greedyConfig([]string{"a", "b"}, 7, 3))
	dir := filepath.Join(t.TempDir(), "generator")
	if err := g.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(dir, logger.Nop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, want := loaded.Config(), g.Config()
	if got.MaxLength != want.MaxLength || got.BatchSize != want.BatchSize || len(got.Contexts) != 2 {
		t.Fatalf("loaded config: got %+v want %+v", got, want)
	}
	if got.Sampler.Category != "epsilonGreedy" {
		t.Fatalf("sampler: got %q", got.Sampler.Category)
	}
	if _, err := Load(filepath.Join(dir, "missing"), logger.Nop()); err == nil {
		t.Fatalf("expected error loading a missing directory")
	}
}
