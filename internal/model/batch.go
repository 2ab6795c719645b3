package model

import (
	"context"
	"runtime"

	"github.com/sourcegraph/conc/pool"
)

// ForwardAll runs Forward for every sequence on a bounded goroutine pool and
// returns the rows in input order. The first error cancels the rest.
func ForwardAll(ctx context.Context, m LanguageModel, seqs [][]int) ([][][]float64, error) {
	out := make([][][]float64, len(seqs))
	p := pool.New().
		WithErrors().
		WithContext(ctx).
		WithCancelOnError().
		WithMaxGoroutines(workers(len(seqs)))
	for i, seq := range seqs {
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rows, err := m.Forward(seq)
			if err != nil {
				return err
			}
			out[i] = rows
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// PredictAll runs Predict for every sequence in parallel.
func PredictAll(ctx context.Context, m ValueModel, seqs [][]int) ([]float64, error) {
	out := make([]float64, len(seqs))
	p := pool.New().
		WithErrors().
		WithContext(ctx).
		WithCancelOnError().
		WithMaxGoroutines(workers(len(seqs)))
	for i, seq := range seqs {
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			v, err := m.Predict(seq)
			out[i] = v
			return err
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func workers(n int) int {
	return max(min(n, runtime.GOMAXPROCS(0)), 1)
}
