// Package optim implements the pluggable parameter optimizers and the
// Controller that drives an optimizer together with its learning-rate
// scheduler.
package optim

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/samcharles93/kiln/internal/registry"
	"github.com/samcharles93/kiln/internal/snapshot"
	"github.com/samcharles93/kiln/internal/tensor"
)

// ErrUnknownOption is returned when reading an option an optimizer does not have.
var ErrUnknownOption = errors.New("unknown option")

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	registry.Categorizable
	registry.Tunable
	// Groups exposes the parameter groups. Schedulers edit their options.
	Groups() []*tensor.Group
	Step()
}

// Deps are the parameters an optimizer is built over.
type Deps struct {
	Params []*tensor.Param
}

// Registry holds every optimizer implementation.
var Registry = registry.New[Deps, Optimizer]("optimizer", "adam")

// base carries what every optimizer shares: a single parameter group whose
// options mirror the category's schema, a step counter and named buffers.
type base struct {
	category string
	schema   registry.Schema
	groups   []*tensor.Group
	steps    int
	buffers  map[string][]float64
}

func newBase(category string, schema registry.Schema, params []*tensor.Param, opts map[string]float64) base {
	return base{
		category: category,
		schema:   schema,
		groups:   []*tensor.Group{tensor.NewGroup(params, opts)},
		buffers:  make(map[string][]float64),
	}
}

func (b *base) Category() string { return b.category }

func (b *base) Groups() []*tensor.Group { return b.groups }

func (b *base) Get(name string) (any, error) {
	if _, ok := b.schema[name]; !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownOption, name)
	}
	return b.groups[0].Get(name), nil
}

func (b *base) Set(name string, value any) error {
	if err := b.schema.ValidateKey(name, value); err != nil {
		return err
	}
	v, _ := registry.ToFloat(value)
	for _, g := range b.groups {
		g.Set(name, v)
	}
	return nil
}

// buffer returns the named per-parameter buffer, allocating it on first use.
// The second result reports whether the buffer already existed.
func (b *base) buffer(p *tensor.Param, kind string) ([]float64, bool) {
	key := p.Name + "." + kind
	buf, ok := b.buffers[key]
	if !ok {
		buf = make([]float64, p.Len())
		b.buffers[key] = buf
	}
	return buf, ok
}

type savedState struct {
	Steps   int                  `json:"steps"`
	Options []map[string]float64 `json:"options"`
	Buffers map[string][]float64 `json:"buffers,omitempty"`
}

func (b *base) Save(dir string) error {
	st := savedState{Steps: b.steps, Buffers: b.buffers}
	for _, g := range b.groups {
		st.Options = append(st.Options, g.Options)
	}
	return snapshot.WriteState(dir, st)
}

func (b *base) restore(dir string) error {
	var st savedState
	if err := snapshot.ReadState(dir, &st); err != nil {
		return err
	}
	if len(st.Options) != len(b.groups) {
		return fmt.Errorf("%s state: %d groups saved, %d present", b.category, len(st.Options), len(b.groups))
	}
	sizes := make(map[string]int)
	for _, g := range b.groups {
		for _, p := range g.Params {
			sizes[p.Name] = p.Len()
		}
	}
	for _, key := range slices.Sorted(maps.Keys(st.Buffers)) {
		i := strings.LastIndexByte(key, '.')
		n, ok := sizes[key[:max(i, 0)]]
		if !ok || n != len(st.Buffers[key]) {
			return fmt.Errorf("%s state: buffer %q does not match parameters", b.category, key)
		}
	}
	for i, g := range b.groups {
		maps.Copy(g.Options, st.Options[i])
	}
	b.steps = st.Steps
	if st.Buffers != nil {
		b.buffers = st.Buffers
	}
	return nil
}

// register adds an optimizer category with its schema and defaults. build
// turns the decoded options into the optimizer; it is also used by the loader
// before restoring the saved state.
func register(category string, schema registry.Schema, defaults map[string]float64, build func(base) Optimizer) {
	construct := func(deps Deps, p registry.Params) (Optimizer, error) {
		opts := maps.Clone(defaults)
		for k, v := range p {
			f, _ := registry.ToFloat(v)
			opts[k] = f
		}
		return build(newBase(category, schema, deps.Params, opts)), nil
	}
	Registry.Register(category, schema, construct)
	Registry.RegisterLoader(category, func(deps Deps, dir string, p registry.Params) (Optimizer, error) {
		o, err := construct(deps, p)
		if err != nil {
			return nil, err
		}
		r, ok := o.(interface{ restore(string) error })
		if !ok {
			return o, nil
		}
		return o, r.restore(dir)
	})
}

func nonNegative() registry.Field {
	return registry.Field{Type: "number", Minimum: registry.Min(0)}
}
