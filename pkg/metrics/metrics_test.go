// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"strings"
	"sync"
	"testing"
)

func TestCounterBasic(t *testing.T) {
	c := NewCounter("test_counter", "A test counter")
	if v := c.Get(nil); v != 0 {
		t.Errorf("expected initial value 0, got %d", v)
	}
	c.Inc(nil)
	c.Add(nil, 10)
	if v := c.Get(nil); v != 11 {
		t.Errorf("expected 11, got %d", v)
	}
}

func TestCounterWithLabels(t *testing.T) {
	c := NewCounter("rejected_total", "Rejected")
	a := Labels{"actuator": "stepper_z", "reason": "premature"}
	b := Labels{"actuator": "stepper_z1", "reason": "unstable"}
	c.Inc(a)
	c.Inc(a)
	c.Inc(b)
	if v := c.Get(a); v != 2 {
		t.Errorf("expected 2, got %d", v)
	}
	// label order must not matter
	if v := c.Get(Labels{"reason": "unstable", "actuator": "stepper_z1"}); v != 1 {
		t.Errorf("expected 1, got %d", v)
	}
}

func TestCounterConcurrency(t *testing.T) {
	c := NewCounter("concurrent", "Concurrent")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Inc(nil)
			}
		}()
	}
	wg.Wait()
	if v := c.Get(nil); v != 5000 {
		t.Errorf("expected 5000, got %d", v)
	}
}

func TestGauge(t *testing.T) {
	g := NewGauge("interval", "Interval")
	g.Set(nil, 30)
	g.Add(nil, -7.5)
	if v := g.Get(nil); v != 22.5 {
		t.Errorf("expected 22.5, got %v", v)
	}
	if v := g.Get(Labels{"x": "y"}); v != 0 {
		t.Errorf("unset series should read 0, got %v", v)
	}
}

func TestHistogramBuckets(t *testing.T) {
	h := NewHistogram("spread", "Spread", []float64{0.01, 0.001, 0.1})
	for _, v := range []float64{0.0005, 0.001, 0.05, 0.5} {
		h.Observe(nil, v)
	}
	snap := h.Snapshot(nil)
	if snap.Count != 4 {
		t.Errorf("expected count 4, got %d", snap.Count)
	}
	want := map[float64]uint64{0.001: 2, 0.01: 2, 0.1: 3}
	for bound, n := range want {
		if snap.Buckets[bound] != n {
			t.Errorf("bucket %v: expected %d, got %d", bound, n, snap.Buckets[bound])
		}
	}
	if empty := h.Snapshot(Labels{"a": "b"}); empty.Count != 0 || len(empty.Buckets) != 0 {
		t.Errorf("expected empty snapshot, got %+v", empty)
	}
}

func TestRegistryGather(t *testing.T) {
	r := NewRegistry()
	c := NewCounter("b_total", "B")
	g := NewGauge("a_value", "A")
	r.MustRegister(c, g)
	if err := r.Register(NewGauge("a_value", "dup")); err == nil {
		t.Error("duplicate registration should fail")
	}
	c.Inc(Labels{"k": "2"})
	c.Inc(Labels{"k": "1"})
	g.Set(nil, 1.5)

	out := r.Gather()
	expected := strings.Join([]string{
		"# HELP b_total B",
		"# TYPE b_total counter",
		`b_total{k="1"} 1`,
		`b_total{k="2"} 1`,
		"# HELP a_value A",
		"# TYPE a_value gauge",
		"a_value 1.5",
		"",
	}, "\n")
	if out != expected {
		t.Errorf("unexpected output:\n%s\nwant:\n%s", out, expected)
	}
	if r.Get("a_value") != g {
		t.Error("Get should return the registered gauge")
	}
}

func TestHistogramGather(t *testing.T) {
	h := NewHistogram("spread_mm", "Spread", []float64{0.01, 0.1})
	h.Observe(Labels{"actuator": "z"}, 0.05)
	var sb strings.Builder
	h.Write(&sb)
	out := sb.String()
	for _, line := range []string{
		`spread_mm_bucket{actuator="z",le="0.01"} 0`,
		`spread_mm_bucket{actuator="z",le="0.1"} 1`,
		`spread_mm_bucket{actuator="z",le="+Inf"} 1`,
		`spread_mm_sum{actuator="z"} 0.05`,
		`spread_mm_count{actuator="z"} 1`,
	} {
		if !strings.Contains(out, line+"\n") {
			t.Errorf("missing %q in:\n%s", line, out)
		}
	}
}

func TestSpecialCharacterEscaping(t *testing.T) {
	l := Labels{"path": "a\"b\\c\nd"}
	if got := l.String(); got != `{path="a\"b\\c\nd"}` {
		t.Errorf("unexpected escaping: %s", got)
	}
	if got := Labels(nil).String(); got != "" {
		t.Errorf("nil labels should render empty, got %q", got)
	}
}

func BenchmarkCounterIncWithLabels(b *testing.B) {
	c := NewCounter("bench", "bench")
	l := Labels{"actuator": "stepper_z"}
	for i := 0; i < b.N; i++ {
		c.Inc(l)
	}
}
