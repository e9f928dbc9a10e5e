// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package zhome

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-plr/pkg/config"
	perrors "klipper-plr/pkg/errors"
	"klipper-plr/pkg/motion"
	"klipper-plr/pkg/motion/sim"
	"klipper-plr/pkg/store"
)

var testActuators = []config.Actuator{
	{Name: "stepper_z", Sensor: "PG10"},
	{Name: "stepper_z1", Sensor: "PG11"},
	{Name: "stepper_z2", Sensor: "PG12"},
}

func newRig(triggers ...float64) *sim.Rig {
	var acts []sim.Actuator
	for i, t := range triggers {
		acts = append(acts, sim.Actuator{
			Name:    testActuators[i].Name,
			Sensor:  testActuators[i].Sensor,
			Trigger: t,
		})
	}
	return sim.New(0, acts...)
}

func sampleSettings() SampleSettings {
	return SampleSettings{
		ProbeTarget:       500,
		FastSpeed:         10,
		SlowSpeed:         2,
		SampleRetractDist: 2,
		SampleCount:       3,
		RetryCount:        3,
		SamplesRange:      0.02,
		SettleTolerance:   1,
	}
}

func engineSettings() EngineSettings {
	return EngineSettings{
		RetractDist:   5,
		FastSpeed:     10,
		SlowSpeed:     2,
		MaxAdjustment: 3,
	}
}

type countingObserver struct {
	rejected map[string]int
	measured map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{rejected: map[string]int{}, measured: map[string]int{}}
}

func (o *countingObserver) SampleRejected(actuator, reason string) { o.rejected[actuator]++ }
func (o *countingObserver) Measured(actuator string, spread float64) {
	o.measured[actuator]++
}

func TestMedian(t *testing.T) {
	assert.True(t, math.IsNaN(Median(nil)))
	assert.Equal(t, 2.0, Median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, Median([]float64{4, 1, 3, 2}))

	// The median always lies between the two middle order statistics.
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		n := 1 + rng.Intn(9)
		vals := make([]float64, n)
		for j := range vals {
			vals[j] = rng.Float64() * 10
		}
		m := Median(vals)
		sorted := append([]float64(nil), vals...)
		sort.Float64s(sorted)
		assert.GreaterOrEqual(t, m, sorted[(n-1)/2])
		assert.LessOrEqual(t, m, sorted[n/2])
	}
}

func TestAcceptable(t *testing.T) {
	assert.True(t, acceptable(nil, 5, 0))
	samples := []float64{1.00, 1.01}
	assert.True(t, acceptable(samples, 1.02, 0.02))
	assert.False(t, acceptable(samples, 1.021, 0.02))
	assert.False(t, acceptable(samples, 0.985, 0.02))
	// 1.02-1.00 is slightly above 0.02 in binary
	assert.True(t, acceptable([]float64{1.00}, 1.02, 0.02))
	assert.True(t, acceptable([]float64{0.3}, 0.1, 0.2))
}

func TestCollectorMeasure(t *testing.T) {
	rig := newRig(10)
	c := NewCollector(rig, sampleSettings(), nil)

	h, err := c.Measure("stepper_z", "PG10", 0)
	require.NoError(t, err)
	// initial travel plus the per-sample travel from the retracted base
	assert.InDelta(t, 12.0, h, 1e-9)
	assert.True(t, rig.Active("stepper_z"))
	assert.InDelta(t, 10.0, rig.Height("stepper_z"), 1e-9)
}

func TestCollectorRejectsOutOfRangeSample(t *testing.T) {
	rig := newRig(10)
	rig.Jitter["PG10"] = []float64{0, 0, 0.5}
	obs := newCountingObserver()
	c := NewCollector(rig, sampleSettings(), obs)

	h, err := c.Measure("stepper_z", "PG10", 0)
	require.NoError(t, err)
	assert.InDelta(t, 12.0, h, 1e-9)
	assert.Equal(t, 1, obs.rejected["stepper_z"])
	assert.Equal(t, 1, obs.measured["stepper_z"])
}

func TestCollectorPrematureSampleIsRetried(t *testing.T) {
	rig := newRig(10)
	rig.Jitter["PG10"] = []float64{0, -3}
	obs := newCountingObserver()
	c := NewCollector(rig, sampleSettings(), obs)

	h, err := c.Measure("stepper_z", "PG10", 0)
	require.NoError(t, err)
	assert.InDelta(t, 12.0, h, 1e-9)
	assert.Equal(t, 1, obs.rejected["stepper_z"])
}

func TestCollectorErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*sim.Rig, *SampleSettings)
		code  perrors.ErrorCode
	}{
		{
			name:  "premature initial probe",
			setup: func(r *sim.Rig, _ *SampleSettings) { r.Premature["PG10"] = 1 },
			code:  perrors.ErrMovementPremature,
		},
		{
			name:  "unstable",
			setup: func(r *sim.Rig, _ *SampleSettings) { r.Drift["stepper_z"] = 2 },
			code:  perrors.ErrMovementUnstable,
		},
		{
			name: "retries exhausted",
			setup: func(r *sim.Rig, s *SampleSettings) {
				r.Jitter["PG10"] = []float64{0, 0, 0.5}
				s.RetryCount = 1
			},
			code: perrors.ErrMovementInsufficient,
		},
		{
			name: "zero retry budget still allows clean samples",
			setup: func(r *sim.Rig, s *SampleSettings) {
				s.RetryCount = 0
			},
		},
		{
			name:  "no trigger",
			setup: func(_ *sim.Rig, s *SampleSettings) { s.ProbeTarget = 5 },
			code:  perrors.ErrMovement,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newRig(10)
			cfg := sampleSettings()
			tt.setup(rig, &cfg)
			_, err := NewCollector(rig, cfg, nil).Measure("stepper_z", "PG10", 0)
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, perrors.Is(err, tt.code), "got %v", err)
			assert.True(t, perrors.IsMovement(err))
		})
	}
}

func newEngine(rig *sim.Rig, st store.Store, es EngineSettings) *Engine {
	return NewEngine(rig, NewCollector(rig, sampleSettings(), nil), st, es)
}

func TestCalibrateOffsets(t *testing.T) {
	for _, iterations := range []int{0, 1, 2} {
		t.Run(fmt.Sprintf("iterations=%d", iterations), func(t *testing.T) {
			rig := newRig(10.0, 10.2, 9.8)
			st := store.NewMemory()
			es := engineSettings()
			es.IterationCount = iterations
			e := newEngine(rig, st, es)

			offsets, err := e.Calibrate(testActuators, 0, 0)
			require.NoError(t, err)
			assert.Equal(t, 0.0, offsets["stepper_z"])
			assert.InDelta(t, -0.2, offsets["stepper_z1"], 1e-9)
			assert.InDelta(t, 0.2, offsets["stepper_z2"], 1e-9)
			assert.Equal(t, offsets, e.Last())

			vals, _ := st.GetAll()
			assert.Equal(t, "0", vals["z_offset_stepper_z"])
			got, err := store.DecodeFloat(vals["z_offset_stepper_z1"])
			require.NoError(t, err)
			assert.InDelta(t, -0.2, got, 1e-9)

			for _, a := range testActuators {
				assert.True(t, rig.Active(a.Name), a.Name)
			}
		})
	}
}

func TestCalibrateNonZeroReference(t *testing.T) {
	rig := newRig(10.0, 10.2, 9.8)
	e := newEngine(rig, store.NewMemory(), engineSettings())

	offsets, err := e.Measure(testActuators, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, offsets["stepper_z1"])
	assert.InDelta(t, 0.2, offsets["stepper_z"], 1e-9)
	assert.InDelta(t, 0.4, offsets["stepper_z2"], 1e-9)

	_, err = e.Measure(testActuators, 3, 0)
	assert.True(t, perrors.Is(err, perrors.ErrCommand))
}

func TestCalibrateMaxAdjustment(t *testing.T) {
	rig := newRig(10.0, 14.0, 9.8)
	st := store.NewMemory()
	e := newEngine(rig, st, engineSettings())

	_, err := e.Calibrate(testActuators, 0, 0)
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.ErrMovementMaxAdjustment))
	vals, _ := st.GetAll()
	assert.Empty(t, vals)
}

func TestCalibrateFailureReEnablesActuators(t *testing.T) {
	rig := newRig(10.0, 10.2, 9.8)
	rig.Drift["stepper_z1"] = 5
	st := store.NewMemory()
	e := newEngine(rig, st, engineSettings())

	_, err := e.Calibrate(testActuators, 0, 0)
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.ErrMovementUnstable))
	for _, a := range testActuators {
		assert.True(t, rig.Active(a.Name), a.Name)
	}
	assert.Zero(t, st.Writes)
}

func TestCalibratePersistFailure(t *testing.T) {
	rig := newRig(10.0, 10.2, 9.8)
	st := store.NewMemory()
	st.Fail = map[string]error{"z_offset_stepper_z2": fmt.Errorf("disk full")}
	e := newEngine(rig, st, engineSettings())

	_, err := e.Calibrate(testActuators, 0, 0)
	assert.True(t, perrors.Is(err, perrors.ErrStore))
}

func TestApplyCalibrate(t *testing.T) {
	rig := newRig(10.0, 10.2, 9.8)
	e := newEngine(rig, store.NewMemory(), engineSettings())
	_, err := e.Calibrate(testActuators, 0, 0)
	require.NoError(t, err)

	acts := append([]config.Actuator(nil), testActuators...)
	acts[0].Adjust = 0.05
	before := map[string]float64{}
	for _, a := range acts {
		before[a.Name] = rig.Height(a.Name)
	}
	require.NoError(t, e.Apply(acts, ModeCalibrate))

	assert.InDelta(t, before["stepper_z"]+0.05, rig.Height("stepper_z"), 1e-9)
	assert.InDelta(t, before["stepper_z1"]-0.2, rig.Height("stepper_z1"), 1e-9)
	assert.InDelta(t, before["stepper_z2"]+0.2, rig.Height("stepper_z2"), 1e-9)
	for _, a := range acts {
		assert.True(t, rig.Active(a.Name))
	}
}

func TestApplyResumeResetsFrame(t *testing.T) {
	rig := newRig(10.0, 10.2, 9.8)
	st := store.NewMemory()
	require.NoError(t, st.Set("z_offset_stepper_z1", "0.1"))
	require.NoError(t, st.Set("z_offset_stepper_z2", "bogus"))
	es := engineSettings()
	es.ZHeightOffset = 0.5
	e := newEngine(rig, st, es)
	require.NoError(t, e.SaveReferencePosition(motion.Position{100, 120, 42.25, 0}))

	h1 := rig.Height("stepper_z1")
	h2 := rig.Height("stepper_z2")
	require.NoError(t, e.Apply(testActuators, ModeResume))

	assert.InDelta(t, h1+0.1, rig.Height("stepper_z1"), 1e-9)
	assert.InDelta(t, h2, rig.Height("stepper_z2"), 1e-9)
	pos, _ := rig.CurrentPosition()
	assert.InDelta(t, 42.75, pos[motion.Z], 1e-9)
}

func TestApplyResumeWithoutReference(t *testing.T) {
	rig := newRig(10.0, 10.2, 9.8)
	e := newEngine(rig, store.NewMemory(), engineSettings())
	require.NoError(t, e.Apply(testActuators, ModeResume))
	assert.Empty(t, rig.Moves)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("resume")
	require.NoError(t, err)
	assert.Equal(t, ModeResume, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeCalibrate, m)
	assert.Equal(t, "CALIBRATE", m.String())
	_, err = ParseMode("probe")
	assert.True(t, perrors.Is(err, perrors.ErrCommand))
}
