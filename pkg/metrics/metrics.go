// Prometheus text exposition for the recovery host
//
// Counters, gauges and histograms keyed by label sets, collected in a
// Registry and rendered in registration order. Series within a metric
// are rendered sorted by label key so scrapes are stable.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	perrors "klipper-plr/pkg/errors"
)

// MetricType represents the type of metric
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels represents metric labels as key-value pairs
type Labels map[string]string

func (l Labels) sortedKeys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// key identifies a label set within one metric.
func (l Labels) key() string {
	var sb strings.Builder
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(l[k])
	}
	return sb.String()
}

// String renders the set as {k="v",...}, or "" when empty.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteString(`="`)
		sb.WriteString(labelEscaper.Replace(l[k]))
		sb.WriteByte('"')
	}
	sb.WriteByte('}')
	return sb.String()
}

func (l Labels) clone() Labels {
	out := make(Labels, len(l)+1)
	for k, v := range l {
		out[k] = v
	}
	return out
}

func (l Labels) with(k, v string) Labels {
	out := l.clone()
	out[k] = v
	return out
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// Metric is the interface for all metric types
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Write(sb *strings.Builder)
}

func writeHeader(sb *strings.Builder, m Metric) {
	sb.WriteString("# HELP " + m.Name() + " " + m.Help() + "\n")
	sb.WriteString("# TYPE " + m.Name() + " " + m.Type().String() + "\n")
}

func writeSample(sb *strings.Builder, name string, labels Labels, value string) {
	sb.WriteString(name)
	sb.WriteString(labels.String())
	sb.WriteByte(' ')
	sb.WriteString(value)
	sb.WriteByte('\n')
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// series is the label-keyed storage shared by every metric type.
type series[V any] struct {
	mu     sync.Mutex
	labels map[string]Labels
	values map[string]*V
}

func (s *series[V]) get(labels Labels, create func() *V) *V {
	k := labels.key()
	if v, ok := s.values[k]; ok {
		return v
	}
	if create == nil {
		return nil
	}
	if s.values == nil {
		s.values = make(map[string]*V)
		s.labels = make(map[string]Labels)
	}
	v := create()
	s.values[k] = v
	s.labels[k] = labels.clone()
	return v
}

func (s *series[V]) each(fn func(Labels, *V)) {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fn(s.labels[k], s.values[k])
	}
}

// Counter is a monotonically increasing metric
type Counter struct {
	name, help string
	s          series[uint64]
}

func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

func (c *Counter) Name() string     { return c.name }
func (c *Counter) Help() string     { return c.help }
func (c *Counter) Type() MetricType { return TypeCounter }

func (c *Counter) Inc(labels Labels) { c.Add(labels, 1) }

func (c *Counter) Add(labels Labels, delta uint64) {
	c.s.mu.Lock()
	*c.s.get(labels, func() *uint64 { return new(uint64) }) += delta
	c.s.mu.Unlock()
}

// Get returns the current counter value for labels
func (c *Counter) Get(labels Labels) uint64 {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if v := c.s.get(labels, nil); v != nil {
		return *v
	}
	return 0
}

func (c *Counter) Write(sb *strings.Builder) {
	writeHeader(sb, c)
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.each(func(l Labels, v *uint64) {
		writeSample(sb, c.name, l, strconv.FormatUint(*v, 10))
	})
}

// Gauge is a metric that can go up and down
type Gauge struct {
	name, help string
	s          series[float64]
}

func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

func (g *Gauge) Name() string     { return g.name }
func (g *Gauge) Help() string     { return g.help }
func (g *Gauge) Type() MetricType { return TypeGauge }

func (g *Gauge) Set(labels Labels, value float64) {
	g.s.mu.Lock()
	*g.s.get(labels, func() *float64 { return new(float64) }) = value
	g.s.mu.Unlock()
}

func (g *Gauge) Add(labels Labels, delta float64) {
	g.s.mu.Lock()
	*g.s.get(labels, func() *float64 { return new(float64) }) += delta
	g.s.mu.Unlock()
}

func (g *Gauge) Get(labels Labels) float64 {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	if v := g.s.get(labels, nil); v != nil {
		return *v
	}
	return 0
}

func (g *Gauge) Write(sb *strings.Builder) {
	writeHeader(sb, g)
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	g.s.each(func(l Labels, v *float64) {
		writeSample(sb, g.name, l, formatFloat(*v))
	})
}

// Histogram tracks the distribution of observations
type Histogram struct {
	name, help string
	buckets    []float64
	s          series[histogramValue]
}

type histogramValue struct {
	count   uint64
	sum     float64
	buckets []uint64 // per bucket, not cumulative
}

// NewHistogram creates a histogram with the given upper bounds.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	return &Histogram{name: name, help: help, buckets: sorted}
}

func (h *Histogram) Name() string     { return h.name }
func (h *Histogram) Help() string     { return h.help }
func (h *Histogram) Type() MetricType { return TypeHistogram }

func (h *Histogram) Observe(labels Labels, value float64) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	hv := h.s.get(labels, func() *histogramValue {
		return &histogramValue{buckets: make([]uint64, len(h.buckets))}
	})
	hv.count++
	hv.sum += value
	if i := sort.SearchFloat64s(h.buckets, value); i < len(h.buckets) {
		hv.buckets[i]++
	}
}

// HistogramSnapshot holds cumulative bucket counts keyed by upper bound.
type HistogramSnapshot struct {
	Count   uint64
	Sum     float64
	Buckets map[float64]uint64
}

func (h *Histogram) Snapshot(labels Labels) HistogramSnapshot {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	snap := HistogramSnapshot{Buckets: make(map[float64]uint64, len(h.buckets))}
	hv := h.s.get(labels, nil)
	if hv == nil {
		return snap
	}
	snap.Count, snap.Sum = hv.count, hv.sum
	var cum uint64
	for i, bound := range h.buckets {
		cum += hv.buckets[i]
		snap.Buckets[bound] = cum
	}
	return snap
}

func (h *Histogram) Write(sb *strings.Builder) {
	writeHeader(sb, h)
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.each(func(l Labels, hv *histogramValue) {
		var cum uint64
		for i, bound := range h.buckets {
			cum += hv.buckets[i]
			writeSample(sb, h.name+"_bucket", l.with("le", formatFloat(bound)), strconv.FormatUint(cum, 10))
		}
		count := strconv.FormatUint(hv.count, 10)
		writeSample(sb, h.name+"_bucket", l.with("le", "+Inf"), count)
		writeSample(sb, h.name+"_sum", l, formatFloat(hv.sum))
		writeSample(sb, h.name+"_count", l, count)
	})
}

// Registry holds all registered metrics
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric; names must be unique.
func (r *Registry) Register(metric Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := metric.Name()
	if _, exists := r.metrics[name]; exists {
		return perrors.New(perrors.ErrConfigOption, "metric "+strconv.Quote(name)+" already registered")
	}
	r.metrics[name] = metric
	r.order = append(r.order, name)
	return nil
}

// MustRegister adds a metric and panics on error
func (r *Registry) MustRegister(metrics ...Metric) {
	for _, m := range metrics {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name]
}

// Gather renders every metric in Prometheus text format.
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}
