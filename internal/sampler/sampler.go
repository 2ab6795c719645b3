// Package sampler implements next-token selection strategies. A Sampler
// receives a batch of log-probability rows and picks one token per row.
package sampler

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/samcharles93/kiln/internal/registry"
	"github.com/samcharles93/kiln/internal/tensor"
)

// Sampler selects one token per row. The returned log-probabilities are
// taken from the unmodified rows, so they describe the model's own
// distribution whatever filtering the strategy applied. Implementations are
// safe for concurrent use.
type Sampler interface {
	registry.Categorizable
	Sample(rows [][]float64) (ids []int, logprobs []float64)
}

// Registry holds every sampling strategy.
var Registry = registry.New[struct{}, Sampler]("sampler", "epsilonNucleus")

var (
	seedField        = registry.Field{Type: "integer"}
	temperatureField = registry.Field{Type: "number", Minimum: registry.Min(0)}
	probField        = registry.Field{Type: "number", Minimum: registry.Min(0), Maximum: registry.Max(1)}
)

// Options holds every strategy's configuration. Strategies read only the
// fields their schema accepts.
type Options struct {
	Seed        *int64  `json:"seed,omitempty"`
	Temperature float64 `json:"temperature"`
	K           int     `json:"k"`
	P           float64 `json:"p"`
	Epsilon     float64 `json:"epsilon"`
}

func defaults() Options {
	return Options{Temperature: 1, K: 10, P: 0.95, Epsilon: 0.1}
}

func init() {
	add := func(category string, schema registry.Schema, pick func(s *base, row []float64) int) {
		schema["seed"] = seedField
		Registry.Register(category, schema, func(_ struct{}, p registry.Params) (Sampler, error) {
			o := defaults()
			if err := registry.Decode(p, &o); err != nil {
				return nil, err
			}
			return newBase(category, o, pick), nil
		})
	}
	add("proportional", registry.Schema{"temperature": temperatureField}, func(s *base, row []float64) int {
		idx, prob := s.candidates(row, len(row))
		return s.draw(idx, prob)
	})
	add("topK", registry.Schema{
		"k":           {Type: "integer", Minimum: registry.Min(1)},
		"temperature": temperatureField,
	}, func(s *base, row []float64) int {
		idx, prob := s.candidates(row, s.opts.K)
		return s.draw(idx, prob)
	})
	add("nucleus", registry.Schema{
		"p":           probField,
		"temperature": temperatureField,
	}, func(s *base, row []float64) int {
		idx, prob := s.nucleus(row)
		return s.draw(idx, prob)
	})
	add("epsilonGreedy", registry.Schema{"epsilon": probField}, func(s *base, row []float64) int {
		if s.explore() {
			return s.uniform(len(row))
		}
		return tensor.Argmax(row)
	})
	add("epsilonNucleus", registry.Schema{
		"epsilon":     probField,
		"p":           probField,
		"temperature": temperatureField,
	}, func(s *base, row []float64) int {
		if s.explore() {
			return s.uniform(len(row))
		}
		idx, prob := s.nucleus(row)
		return s.draw(idx, prob)
	})
}

// base carries the random source shared by every strategy. The mutex guards
// rng only; pick must not retain row.
type base struct {
	category string
	opts     Options
	pick     func(s *base, row []float64) int

	mu  sync.Mutex
	rng *rand.Rand
}

func newBase(category string, o Options, pick func(*base, []float64) int) *base {
	seed := time.Now().UnixNano()
	if o.Seed != nil {
		seed = *o.Seed
	}
	return &base{category: category, opts: o, pick: pick, rng: rand.New(rand.NewSource(seed))}
}

func (s *base) Category() string { return s.category }

func (s *base) Sample(rows [][]float64) ([]int, []float64) {
	ids := make([]int, len(rows))
	lps := make([]float64, len(rows))
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, row := range rows {
		id := s.pick(s, row)
		ids[i] = id
		lps[i] = row[id]
	}
	return ids, lps
}

func (s *base) explore() bool { return s.rng.Float64() < s.opts.Epsilon }

func (s *base) uniform(n int) int { return s.rng.Intn(n) }

// candidates returns the k most likely ids, ordered from most to least
// likely, with their probabilities after temperature scaling.
func (s *base) candidates(row []float64, k int) ([]int, []float64) {
	if s.opts.Temperature == 0 {
		return []int{tensor.Argmax(row)}, []float64{1}
	}
	k = max(min(k, len(row)), 1)
	idx, val := topK(row, k, 1/s.opts.Temperature)
	maxv := val[0]
	prob := make([]float64, len(val))
	var sum float64
	for i, v := range val {
		prob[i] = math.Exp(v - maxv)
		sum += prob[i]
	}
	for i := range prob {
		prob[i] /= sum
	}
	return idx, prob
}

// nucleus keeps the smallest prefix of candidates whose cumulative
// probability reaches P.
func (s *base) nucleus(row []float64) ([]int, []float64) {
	idx, prob := s.candidates(row, len(row))
	if s.opts.P >= 1 {
		return idx, prob
	}
	cut := len(prob)
	var c float64
	for i, p := range prob {
		c += p
		if c >= s.opts.P {
			cut = i + 1
			break
		}
	}
	return idx[:cut], prob[:cut]
}

// draw picks from a possibly truncated distribution, renormalising over the
// kept mass.
func (s *base) draw(idx []int, prob []float64) int {
	var total float64
	for _, p := range prob {
		total += p
	}
	r := s.rng.Float64() * total
	var c float64
	for i, p := range prob {
		c += p
		if r < c {
			return idx[i]
		}
	}
	return idx[len(idx)-1]
}

// topK returns the indices and scaled values of the k largest entries of row,
// ordered from largest to smallest. It runs in O(len(row) * k).
func topK(row []float64, k int, scale float64) ([]int, []float64) {
	idx := make([]int, 0, k+1)
	val := make([]float64, 0, k+1)
	for i, l := range row {
		v := l * scale
		pos := len(val)
		for pos > 0 && val[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		idx = append(idx, 0)
		val = append(val, 0)
		copy(idx[pos+1:], idx[pos:])
		copy(val[pos+1:], val[pos:])
		idx[pos] = i
		val[pos] = v
		if len(val) > k {
			idx, val = idx[:k], val[:k]
		}
	}
	return idx, val
}
