// Package metrics describes the training metrics a module reports and keeps
// their series in memory. Points are forwarded to an optional Sink.
package metrics

import (
	"context"
	"maps"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/kiln/internal/logger"
)

// Point is one observation, e.g. {"epoch": 3, "loss": 0.41}.
type Point map[string]float64

// Sink receives every reported point.
type Sink interface {
	Report(ctx context.Context, name string, p Point) error
}

// Metric is a named series with a chart description for dashboards.
type Metric struct {
	mu     sync.Mutex
	name   string
	label  string
	config map[string]any
	series []Point
	sink   Sink
}

// Snapshot is a copy of a metric safe to serialise.
type Snapshot struct {
	Name   string         `json:"name"`
	Label  string         `json:"label"`
	Config map[string]any `json:"config"`
	Series []Point        `json:"series"`
}

// NewLine returns a line-chart metric plotting yKey against xKey.
func NewLine(name, label, xKey, yKey string) *Metric {
	return &Metric{
		name:  name,
		label: label,
		config: map[string]any{
			"type": "line",
			"data": map[string]any{"datasets": []any{map[string]any{"data": []any{}}}},
			"options": map[string]any{
				"parsing": map[string]any{"xAxisKey": xKey, "yAxisKey": yKey},
			},
		},
	}
}

func (m *Metric) Name() string  { return m.name }
func (m *Metric) Label() string { return m.label }

// SetSink routes future points to s. A nil s disables forwarding.
func (m *Metric) SetSink(s Sink) {
	m.mu.Lock()
	m.sink = s
	m.mu.Unlock()
}

// Report appends p to the series and forwards it to the sink.
func (m *Metric) Report(ctx context.Context, p Point) error {
	p = maps.Clone(p)
	m.mu.Lock()
	m.series = append(m.series, p)
	sink := m.sink
	m.mu.Unlock()
	if sink == nil {
		return nil
	}
	return sink.Report(ctx, m.name, p)
}

// Snapshot returns a copy of the metric and its series.
func (m *Metric) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	series := make([]Point, len(m.series))
	for i, p := range m.series {
		series[i] = maps.Clone(p)
	}
	return Snapshot{Name: m.name, Label: m.label, Config: m.config, Series: series}
}

// Accumulator collects values over an epoch. It is not safe for concurrent
// use; the owner serialises access.
type Accumulator struct {
	values []float64
}

func (a *Accumulator) Add(v ...float64) { a.values = append(a.values, v...) }
func (a *Accumulator) Len() int         { return len(a.values) }
func (a *Accumulator) Reset()           { a.values = a.values[:0] }

// Mean returns the mean of the accumulated values and false when empty.
func (a *Accumulator) Mean() (float64, bool) {
	if len(a.values) == 0 {
		return 0, false
	}
	return stat.Mean(a.values, nil), true
}

// LogSink writes every point to a logger at info level.
type LogSink struct {
	Log logger.Logger
}

func (s LogSink) Report(_ context.Context, name string, p Point) error {
	args := make([]any, 0, 2*len(p)+2)
	args = append(args, "metric", name)
	for k, v := range p {
		args = append(args, k, v)
	}
	s.Log.Info("metric", args...)
	return nil
}

// Sinks fans a point out to several sinks, stopping at the first error.
type Sinks []Sink

func (ss Sinks) Report(ctx context.Context, name string, p Point) error {
	for _, s := range ss {
		if err := s.Report(ctx, name, p); err != nil {
			return err
		}
	}
	return nil
}
