package registry

import "fmt"

// SlotState is the persisted description of a Slot: the active category and
// the parameter overrides recorded per category.
type SlotState struct {
	Category string            `json:"category"`
	Params   map[string]Params `json:"params,omitempty"`
}

// Slot owns the live instance of a strategy together with category-keyed
// parameter overrides. Slots do no locking; the owner serialises access.
type Slot[D any, T Categorizable] struct {
	reg    *Registry[D, T]
	value  T
	params map[string]Params
}

// NewSlot builds the instance described by st. An empty category selects the
// registry default.
func NewSlot[D any, T Categorizable](reg *Registry[D, T], deps D, st SlotState) (*Slot[D, T], error) {
	params := cloneParams(st.Params)
	category := st.Category
	if category == "" {
		category = reg.Default()
	}
	v, err := reg.Build(deps, category, params[category])
	if err != nil {
		return nil, err
	}
	return &Slot[D, T]{reg: reg, value: v, params: params}, nil
}

// LoadSlot restores the instance described by st from dir, falling back to
// building it from its recorded parameters when nothing was saved.
func LoadSlot[D any, T Categorizable](reg *Registry[D, T], deps D, dir string, st SlotState) (*Slot[D, T], error) {
	params := cloneParams(st.Params)
	category := st.Category
	if category == "" {
		category = reg.Default()
	}
	v, err := reg.Load(deps, dir, category, params[category], func() (T, error) {
		return reg.Build(deps, category, params[category])
	})
	if err != nil {
		return nil, err
	}
	return &Slot[D, T]{reg: reg, value: v, params: params}, nil
}

// Value returns the live instance.
func (s *Slot[D, T]) Value() T {
	return s.value
}

// Replace installs v as the live instance and keeps the recorded overrides.
// v must belong to the active category; the old instance is not cleaned up.
func (s *Slot[D, T]) Replace(v T) error {
	if got, want := v.Category(), s.Category(); got != want {
		return fmt.Errorf("%s: replace %q with %q", s.reg.Capability(), want, got)
	}
	s.value = v
	return nil
}

// Category returns the active category.
func (s *Slot[D, T]) Category() string {
	return s.value.Category()
}

// Params returns a copy of the overrides recorded for category.
func (s *Slot[D, T]) Params(category string) Params {
	return s.params[category].Clone()
}

// State returns the persisted description of the slot.
func (s *Slot[D, T]) State() SlotState {
	return SlotState{Category: s.Category(), Params: cloneParams(s.params)}
}

// Swap replaces the live instance with one built for category, using the
// recorded overrides for that category merged with override. On failure the
// slot is left untouched.
func (s *Slot[D, T]) Swap(deps D, category string, override Params) error {
	if category == "" {
		category = s.reg.Default()
	}
	merged := s.params[category].Merge(override)
	v, err := s.reg.Build(deps, category, merged)
	if err != nil {
		return err
	}
	old := s.value
	s.value = v
	s.params[category] = merged
	return Cleanup(old)
}

// Prepare builds a replacement slot for category with the recorded overrides
// merged with override. The receiver is not modified; the caller installs
// the result and cleans up the old slot.
func (s *Slot[D, T]) Prepare(deps D, category string, override Params) (*Slot[D, T], error) {
	if category == "" {
		category = s.reg.Default()
	}
	params := cloneParams(s.params)
	params[category] = params[category].Merge(override)
	v, err := s.reg.Build(deps, category, params[category])
	if err != nil {
		return nil, err
	}
	return &Slot[D, T]{reg: s.reg, value: v, params: params}, nil
}

// Get reads a named sub-parameter from the live instance, or the recorded
// override when the instance is not Tunable.
func (s *Slot[D, T]) Get(name string) (any, error) {
	if t, ok := any(s.value).(Tunable); ok {
		return t.Get(name)
	}
	if v, ok := s.params[s.Category()][name]; ok {
		return v, nil
	}
	return nil, &ParamError{Key: name, Reason: "not set"}
}

// Set changes a named sub-parameter. Tunable instances are updated in place;
// others are rebuilt with the new value.
func (s *Slot[D, T]) Set(deps D, name string, value any) error {
	category := s.Category()
	t, ok := any(s.value).(Tunable)
	if !ok {
		return s.Swap(deps, category, Params{name: value})
	}
	schema, err := s.reg.Schema(category)
	if err != nil {
		return err
	}
	if err := schema.ValidateKey(name, value); err != nil {
		return fmt.Errorf("%s %q: %w", s.reg.Capability(), category, err)
	}
	if err := t.Set(name, value); err != nil {
		return fmt.Errorf("%s %q: %w", s.reg.Capability(), category, err)
	}
	s.params[category] = s.params[category].Merge(Params{name: value})
	return nil
}

// Save writes the live instance into dir when it is Savable.
func (s *Slot[D, T]) Save(dir string) error {
	return Save(s.value, dir)
}

// Cleanup releases the live instance when it is a Cleaner.
func (s *Slot[D, T]) Cleanup() error {
	return Cleanup(s.value)
}

func cloneParams(in map[string]Params) map[string]Params {
	out := make(map[string]Params, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}

// MergeParams overlays override onto base per category.
func MergeParams(base, override map[string]Params) map[string]Params {
	out := cloneParams(base)
	for k, v := range override {
		out[k] = out[k].Merge(v)
	}
	return out
}

