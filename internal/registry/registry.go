// Package registry selects, builds, saves and restores named implementations
// of a pluggable capability (sampler, optimizer, scheduler, loss, stop
// condition, reward scaler).
//
// Every implementation is registered explicitly under a category string with
// a parameter schema. Exactly one category per registry is the default.
package registry

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
)

var (
	// ErrUnknownCategory is returned when no implementation is registered
	// under the requested category.
	ErrUnknownCategory = errors.New("unknown category")
	// ErrMissingState is returned by Load when no saved state exists and no
	// default was supplied.
	ErrMissingState = errors.New("missing saved state")
)

// Categorizable is implemented by every pluggable strategy.
type Categorizable interface {
	Category() string
}

// Savable strategies persist their internal state into a directory.
type Savable interface {
	Save(dir string) error
}

// Cleaner strategies hold resources that must be released explicitly.
type Cleaner interface {
	Cleanup() error
}

// Tunable strategies expose named sub-parameters that can be changed on the
// live instance without rebuilding it.
type Tunable interface {
	Get(name string) (any, error)
	Set(name string, value any) error
}

// Factory builds a strategy from its dependencies and validated parameters.
type Factory[D, T any] func(deps D, params Params) (T, error)

// Loader restores a strategy from a directory written by its Save method.
type Loader[D, T any] func(deps D, dir string, params Params) (T, error)

type entry[D, T any] struct {
	schema Schema
	build  Factory[D, T]
	load   Loader[D, T]
}

// Registry maps category names to implementations of one capability.
//
// D is the dependency value passed to every factory (for example the
// parameter groups an optimizer updates). Use struct{} when there is none.
type Registry[D, T any] struct {
	capability string
	def        string
	entries    map[string]entry[D, T]
}

// New returns an empty registry for capability whose default category is def.
func New[D, T any](capability, def string) *Registry[D, T] {
	return &Registry[D, T]{
		capability: capability,
		def:        def,
		entries:    make(map[string]entry[D, T]),
	}
}

// Register adds an implementation. It panics on duplicate registration, which
// is a programming error.
func (r *Registry[D, T]) Register(category string, schema Schema, build Factory[D, T]) {
	if _, ok := r.entries[category]; ok {
		panic(fmt.Sprintf("registry: %s category %q registered twice", r.capability, category))
	}
	r.entries[category] = entry[D, T]{schema: schema, build: build}
}

// RegisterLoader attaches a loader to an already registered category.
func (r *Registry[D, T]) RegisterLoader(category string, load Loader[D, T]) {
	e, ok := r.entries[category]
	if !ok {
		panic(fmt.Sprintf("registry: %s category %q not registered", r.capability, category))
	}
	e.load = load
	r.entries[category] = e
}

// Capability returns the capability name, e.g. "sampler".
func (r *Registry[D, T]) Capability() string {
	return r.capability
}

// Default returns the default category.
func (r *Registry[D, T]) Default() string {
	return r.def
}

// Categories returns all registered categories in sorted order.
func (r *Registry[D, T]) Categories() []string {
	return slices.Sorted(maps.Keys(r.entries))
}

// Schema returns the parameter schema of category.
func (r *Registry[D, T]) Schema(category string) (Schema, error) {
	e, err := r.lookup(category)
	if err != nil {
		return nil, err
	}
	return e.schema, nil
}

// Validate checks params against the schema of category without building.
func (r *Registry[D, T]) Validate(category string, params Params) error {
	e, err := r.lookup(category)
	if err != nil {
		return err
	}
	return e.schema.Validate(params)
}

// Build constructs the implementation registered under category. An empty
// category selects the default.
func (r *Registry[D, T]) Build(deps D, category string, params Params) (T, error) {
	var zero T
	if category == "" {
		category = r.def
	}
	e, err := r.lookup(category)
	if err != nil {
		return zero, err
	}
	if err := e.schema.Validate(params); err != nil {
		return zero, fmt.Errorf("%s %q: %w", r.capability, category, err)
	}
	v, err := e.build(deps, params)
	if err != nil {
		return zero, fmt.Errorf("%s %q: %w", r.capability, category, err)
	}
	return v, nil
}

// Load restores the implementation registered under category from dir.
//
// When dir exists and the category has a loader, the saved state is used and
// any failure is returned as is. Otherwise def is called when non-nil; with a
// nil def, ErrMissingState is returned.
func (r *Registry[D, T]) Load(deps D, dir, category string, params Params, def func() (T, error)) (T, error) {
	var zero T
	if category == "" {
		category = r.def
	}
	e, err := r.lookup(category)
	if err != nil {
		return zero, err
	}
	if e.load != nil && dirExists(dir) {
		if err := e.schema.Validate(params); err != nil {
			return zero, fmt.Errorf("%s %q: %w", r.capability, category, err)
		}
		v, err := e.load(deps, dir, params)
		if err != nil {
			return zero, fmt.Errorf("load %s %q: %w", r.capability, category, err)
		}
		return v, nil
	}
	if def != nil {
		return def()
	}
	return zero, fmt.Errorf("%s %q at %s: %w", r.capability, category, dir, ErrMissingState)
}

func (r *Registry[D, T]) lookup(category string) (entry[D, T], error) {
	e, ok := r.entries[category]
	if !ok {
		return e, fmt.Errorf("%s %q: %w", r.capability, category, ErrUnknownCategory)
	}
	return e, nil
}

// Save writes v into dir if v is Savable. Other values are ignored.
func Save(v any, dir string) error {
	s, ok := v.(Savable)
	if !ok {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return s.Save(dir)
}

// Cleanup releases v if it is a Cleaner.
func Cleanup(v any) error {
	if c, ok := v.(Cleaner); ok {
		return c.Cleanup()
	}
	return nil
}

func dirExists(dir string) bool {
	if dir == "" {
		return false
	}
	st, err := os.Stat(dir)
	return err == nil && st.IsDir()
}
