package registry

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

type shape interface {
	Categorizable
	Size() float64
}

type square struct {
	side    float64
	cleaned *bool
}

func (s *square) Category() string { return "square" }
func (s *square) Size() float64    { return s.side * s.side }
func (s *square) Cleanup() error {
	if s.cleaned != nil {
		*s.cleaned = true
	}
	return nil
}

type circle struct {
	radius float64
}

func (c *circle) Category() string { return "circle" }
func (c *circle) Size() float64    { return 3 * c.radius * c.radius }

func (c *circle) Get(name string) (any, error) {
	if name != "radius" {
		return nil, &ParamError{Key: name, Reason: "unknown parameter"}
	}
	return c.radius, nil
}

func (c *circle) Set(name string, v any) error {
	f, _ := ToFloat(v)
	c.radius = f
	return nil
}

func (c *circle) Save(dir string) error {
	return os.WriteFile(filepath.Join(dir, "radius"), []byte(strconv.FormatFloat(c.radius, 'g', -1, 64)), 0o644)
}

func newShapes(cleaned *bool) *Registry[struct{}, shape] {
	reg := New[struct{}, shape]("shape", "square")
	reg.Register("square", Schema{"side": {Type: "number", Minimum: Min(0)}},
		func(_ struct{}, p Params) (shape, error) {
			opts := struct {
				Side float64 `json:"side"`
			}{Side: 1}
			if err := Decode(p, &opts); err != nil {
				return nil, err
			}
			return &square{side: opts.Side, cleaned: cleaned}, nil
		})
	reg.Register("circle", Schema{"radius": {Type: "number", Minimum: Min(0)}},
		func(_ struct{}, p Params) (shape, error) {
			opts := struct {
				Radius float64 `json:"radius"`
			}{Radius: 1}
			if err := Decode(p, &opts); err != nil {
				return nil, err
			}
			return &circle{radius: opts.Radius}, nil
		})
	reg.RegisterLoader("circle", func(_ struct{}, dir string, _ Params) (shape, error) {
		data, err := os.ReadFile(filepath.Join(dir, "radius"))
		if err != nil {
			return nil, err
		}
		r, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return nil, err
		}
		return &circle{radius: r}, nil
	})
	return reg
}

func TestBuildDefaultAndNamed(t *testing.T) {
	t.Parallel()
	reg := newShapes(nil)

	s, err := reg.Build(struct{}{}, "", nil)
	if err != nil {
		t.Fatalf("Build default: %v", err)
	}
	if s.Category() != "square" || s.Size() != 1 {
		t.Fatalf("unexpected default: %s size=%f", s.Category(), s.Size())
	}

	c, err := reg.Build(struct{}{}, "circle", Params{"radius": 2})
	if err != nil {
		t.Fatalf("Build circle: %v", err)
	}
	if c.Size() != 12 {
		t.Fatalf("circle size: got %f want 12", c.Size())
	}
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()
	reg := newShapes(nil)

	tests := []struct {
		name     string
		category string
		params   Params
		want     error
	}{
		{"unknown category", "triangle", nil, ErrUnknownCategory},
		{"unknown key", "square", Params{"colour": "red"}, ErrInvalidParam},
		{"below minimum", "square", Params{"side": -1}, ErrInvalidParam},
		{"wrong type", "circle", Params{"radius": "big"}, ErrInvalidParam},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Build(struct{}{}, tt.category, tt.params)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v want %v", err, tt.want)
			}
		})
	}
}

func TestSchemaFields(t *testing.T) {
	t.Parallel()
	s := Schema{
		"n":        {Type: "integer", Minimum: Min(1)},
		"p":        {Type: "number", Minimum: Min(0), Maximum: Max(1)},
		"mode":     {Type: "string", Enum: []string{"cos", "linear"}},
		"contexts": {Type: "array", MinItems: 1, Items: &Field{Type: "string"}},
		"flag":     {Type: "boolean"},
	}
	ok := Params{"n": 3, "p": 0.5, "mode": "cos", "contexts": []any{"a"}, "flag": true}
	if err := s.Validate(ok); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
	bad := []Params{
		{"n": 1.5},
		{"n": 0},
		{"p": 1.1},
		{"mode": "step"},
		{"contexts": []any{}},
		{"contexts": []any{1}},
		{"flag": "yes"},
	}
	for _, p := range bad {
		err := s.Validate(p)
		var pe *ParamError
		if !errors.As(err, &pe) {
			t.Fatalf("%v: expected ParamError, got %v", p, err)
		}
	}
}

func TestSlotSwapAndSet(t *testing.T) {
	t.Parallel()
	cleaned := false
	reg := newShapes(&cleaned)

	slot, err := NewSlot(reg, struct{}{}, SlotState{Params: map[string]Params{"square": {"side": 2}}})
	if err != nil {
		t.Fatalf("NewSlot: %v", err)
	}
	if slot.Value().Size() != 4 {
		t.Fatalf("size: got %f want 4", slot.Value().Size())
	}

	if err := slot.Swap(struct{}{}, "triangle", nil); !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("expected unknown category, got %v", err)
	}
	if slot.Category() != "square" || cleaned {
		t.Fatalf("failed swap must not mutate the slot")
	}

	if err := slot.Swap(struct{}{}, "circle", Params{"radius": 1}); err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if !cleaned {
		t.Fatalf("previous instance should be cleaned up")
	}

	if err := slot.Set(struct{}{}, "radius", 2.0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := slot.Get("radius")
	if err != nil || got != 2.0 {
		t.Fatalf("Get radius: got %v, %v", got, err)
	}
	if slot.Params("circle")["radius"] != 2.0 {
		t.Fatalf("override not recorded: %v", slot.Params("circle"))
	}
	if err := slot.Set(struct{}{}, "radius", -1); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("expected invalid param, got %v", err)
	}

	st := slot.State()
	if st.Category != "circle" || st.Params["square"]["side"] != 2 {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestLoadSlot(t *testing.T) {
	t.Parallel()
	reg := newShapes(nil)
	dir := t.TempDir()

	slot, err := NewSlot(reg, struct{}{}, SlotState{Category: "circle", Params: map[string]Params{"circle": {"radius": 5}}})
	if err != nil {
		t.Fatalf("NewSlot: %v", err)
	}
	saved := filepath.Join(dir, "shape")
	if err := slot.Save(saved); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadSlot(reg, struct{}{}, saved, slot.State())
	if err != nil {
		t.Fatalf("LoadSlot: %v", err)
	}
	if loaded.Value().Size() != 75 {
		t.Fatalf("loaded size: got %f want 75", loaded.Value().Size())
	}

	// Nothing saved for squares: rebuilt from recorded params.
	sq, err := LoadSlot(reg, struct{}{}, filepath.Join(dir, "missing"), SlotState{Category: "square", Params: map[string]Params{"square": {"side": 3}}})
	if err != nil {
		t.Fatalf("LoadSlot square: %v", err)
	}
	if sq.Value().Size() != 9 {
		t.Fatalf("square size: got %f want 9", sq.Value().Size())
	}
}

func TestLoadWithoutDefault(t *testing.T) {
	t.Parallel()
	reg := newShapes(nil)
	_, err := reg.Load(struct{}{}, filepath.Join(t.TempDir(), "none"), "circle", nil, nil)
	if !errors.Is(err, ErrMissingState) {
		t.Fatalf("expected ErrMissingState, got %v", err)
	}

	bad := t.TempDir()
	if err := os.WriteFile(filepath.Join(bad, "radius"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	called := false
	_, err = reg.Load(struct{}{}, bad, "circle", nil, func() (shape, error) {
		called = true
		return &circle{}, nil
	})
	if err == nil || called {
		t.Fatalf("malformed state must fail without fallback, err=%v called=%v", err, called)
	}
}

func TestSaveIgnoresNonSavable(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "sq")
	if err := Save(&square{side: 1}, dir); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("non-savable should not create %s", dir)
	}
}

func TestSlotPrepareLeavesReceiver(t *testing.T) {
	t.Parallel()
	reg := newShapes(nil)
	slot, err := NewSlot(reg, struct{}{}, SlotState{})
	if err != nil {
		t.Fatalf("NewSlot: %v", err)
	}
	next, err := slot.Prepare(struct{}{}, "circle", Params{"radius": 3.0})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if slot.Category() != "square" || len(slot.Params("circle")) != 0 {
		t.Fatalf("receiver changed: %s %v", slot.Category(), slot.Params("circle"))
	}
	if next.Category() != "circle" || next.Params("circle")["radius"] != 3.0 {
		t.Fatalf("prepared slot: %s %v", next.Category(), next.Params("circle"))
	}
	if _, err := slot.Prepare(struct{}{}, "hexagon", nil); !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("expected ErrUnknownCategory, got %v", err)
	}
}
