package toy

import (
	"fmt"

	"github.com/samcharles93/kiln/internal/snapshot"
	"github.com/samcharles93/kiln/internal/tensor"
)

type savedParam struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

type savedModel struct {
	Shape  map[string]int        `json:"shape"`
	Params map[string]savedParam `json:"params"`
}

func saveParams(dir string, shape map[string]int, params []*tensor.Param) error {
	st := savedModel{Shape: shape, Params: make(map[string]savedParam, len(params))}
	for _, p := range params {
		st.Params[p.Name] = savedParam{Rows: p.R, Cols: p.C, Data: p.Data}
	}
	return snapshot.WriteState(dir, st)
}

func restoreParams(dir string, params []*tensor.Param) error {
	var st savedModel
	if err := snapshot.ReadState(dir, &st); err != nil {
		return err
	}
	for _, p := range params {
		sp, ok := st.Params[p.Name]
		if !ok {
			return fmt.Errorf("toy: parameter %q missing from %s", p.Name, dir)
		}
		if sp.Rows != p.R || sp.Cols != p.C || len(sp.Data) != p.Len() {
			return fmt.Errorf("toy: parameter %q has shape %dx%d, want %dx%d", p.Name, sp.Rows, sp.Cols, p.R, p.C)
		}
	}
	for _, p := range params {
		copy(p.Data, st.Params[p.Name].Data)
	}
	return nil
}
