// Package zhome measures and applies per-actuator Z offsets for
// printers with several independently driven Z points.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package zhome

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	perrors "klipper-plr/pkg/errors"
	"klipper-plr/pkg/log"
	"klipper-plr/pkg/motion"
)

// Timing of the probe sequence, in seconds.
const (
	settleDwell     = 1.0
	stabilityDwell  = 0.25
	averageReadings = 5
	averageDwell    = 0.1
	triggerDwell    = 0.1
)

// SampleSettings tunes one probing pass.
type SampleSettings struct {
	ProbeTarget       float64 // Z coordinate probing moves head toward
	FastSpeed         float64
	SlowSpeed         float64
	SampleRetractDist float64
	SampleCount       int
	RetryCount        int
	SamplesRange      float64
	SettleTolerance   float64
	Debug             bool
}

// Observer receives probing statistics; metrics implement it.
type Observer interface {
	SampleRejected(actuator, reason string)
	Measured(actuator string, spread float64)
}

type nopObserver struct{}

func (nopObserver) SampleRejected(string, string) {}
func (nopObserver) Measured(string, float64)      {}

// Collector runs single-actuator probing passes.
type Collector struct {
	port     motion.Port
	cfg      SampleSettings
	observer Observer
	logger   *log.Logger
}

// NewCollector returns a Collector; observer may be nil.
func NewCollector(port motion.Port, cfg SampleSettings, observer Observer) *Collector {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Collector{
		port:     port,
		cfg:      cfg,
		observer: observer,
		logger:   log.GetLogger("zhome"),
	}
}

// Median returns the statistical median of values; the mean of the two
// middle values for an even count.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// rangeEpsilon absorbs float rounding so a distance equal to the range
// is accepted.
const rangeEpsilon = 1e-9

// acceptable reports whether candidate lies within limit of both the
// smallest and largest accepted sample.
func acceptable(samples []float64, candidate, limit float64) bool {
	if len(samples) == 0 {
		return true
	}
	lo, hi := samples[0], samples[0]
	for _, s := range samples[1:] {
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
	}
	limit += rangeEpsilon
	return math.Abs(candidate-lo) <= limit && math.Abs(candidate-hi) <= limit
}

func (c *Collector) averaged(actuator string) (float64, error) {
	sum := 0.0
	for i := 0; i < averageReadings; i++ {
		p, err := c.port.ActuatorPosition(actuator)
		if err != nil {
			return 0, err
		}
		sum += p
		if err := c.port.Dwell(averageDwell); err != nil {
			return 0, err
		}
	}
	return sum / averageReadings, nil
}

// settled reads the actuator twice across a short dwell and returns the
// drift between the readings.
func (c *Collector) settled(actuator string) (bool, float64, error) {
	before, err := c.port.ActuatorPosition(actuator)
	if err != nil {
		return false, 0, err
	}
	if err := c.port.Dwell(stabilityDwell); err != nil {
		return false, 0, err
	}
	after, err := c.port.ActuatorPosition(actuator)
	if err != nil {
		return false, 0, err
	}
	drift := math.Abs(after - before)
	return drift < c.cfg.SettleTolerance, drift, nil
}

func (c *Collector) moveZ(z, speed float64) error {
	pos, err := c.port.CurrentPosition()
	if err != nil {
		return err
	}
	if err := c.port.MoveTo(pos.WithZ(z), speed); err != nil {
		return err
	}
	return c.port.WaitIdle()
}

// sampleStats tracks trigger readings for the debug summary.
type sampleStats struct {
	positions []float64
	durations []time.Duration
}

func (s *sampleStats) add(pos float64, d time.Duration) {
	s.positions = append(s.positions, pos)
	s.durations = append(s.durations, d)
}

func (s *sampleStats) fields() log.Fields {
	n := float64(len(s.positions))
	if n < 2 {
		return log.Fields{"readings": len(s.positions)}
	}
	mean := 0.0
	for _, p := range s.positions {
		mean += p
	}
	mean /= n
	variance := 0.0
	for _, p := range s.positions {
		variance += (p - mean) * (p - mean)
	}
	variance /= n - 1
	minT, maxT := s.durations[0], s.durations[0]
	for _, d := range s.durations[1:] {
		if d < minT {
			minT = d
		}
		if d > maxT {
			maxT = d
		}
	}
	return log.Fields{
		"mean":     fmt.Sprintf("%.4f", mean),
		"variance": fmt.Sprintf("%.6f", variance),
		"min_time": minT,
		"max_time": maxT,
	}
}

// Measure probes one isolated actuator and returns its trigger height:
// the median total travel over SampleCount accepted samples.
// referenceHeight is only reported; the pass starts wherever Z is.
func (c *Collector) Measure(actuator, sensor string, referenceHeight float64) (float64, error) {
	fail := func(err error) (float64, error) {
		return 0, perrors.MovementError(actuator, err)
	}
	if err := c.port.WaitIdle(); err != nil {
		return fail(err)
	}
	if err := c.port.Dwell(settleDwell); err != nil {
		return fail(err)
	}
	if c.cfg.Debug {
		c.logger.Debug("probing %s toward %s, reference Z %.3f", actuator, sensor, referenceHeight)
	}
	ok, drift, err := c.settled(actuator)
	if err != nil {
		return fail(err)
	}
	if !ok {
		return 0, perrors.UnstableError(actuator, drift, c.cfg.SettleTolerance)
	}

	start, err := c.port.CurrentPosition()
	if err != nil {
		return fail(err)
	}
	target := start.WithZ(c.cfg.ProbeTarget)
	pre, err := c.averaged(actuator)
	if err != nil {
		return fail(err)
	}

	var stats sampleStats
	t0 := time.Now()
	measured, err := c.port.ProbeToward(sensor, target, c.cfg.FastSpeed)
	if errors.Is(err, motion.ErrPrematureTrigger) {
		return 0, perrors.PrematureTriggerError(actuator, sensor)
	}
	if err != nil {
		return fail(err)
	}
	if err := c.port.Dwell(triggerDwell); err != nil {
		return fail(err)
	}
	trig, err := c.averaged(actuator)
	if err != nil {
		return fail(err)
	}
	stats.add(trig, time.Since(t0))
	initialTravel := trig - pre

	if err := c.moveZ(measured[motion.Z]-c.cfg.SampleRetractDist, c.cfg.FastSpeed); err != nil {
		return fail(err)
	}
	retractZ := measured[motion.Z] - c.cfg.SampleRetractDist
	base, err := c.averaged(actuator)
	if err != nil {
		return fail(err)
	}
	if c.cfg.Debug {
		c.logger.WithFields(log.Fields{"initial_travel": initialTravel, "base": base}).Debug(actuator + " initial probe")
	}

	samples := make([]float64, 0, c.cfg.SampleCount)
	retries := 0
	reject := func(reason string) {
		retries++
		c.observer.SampleRejected(actuator, reason)
		if c.cfg.Debug {
			c.logger.Debug("%s sample %d rejected: %s", actuator, len(samples)+1, reason)
		}
	}
	for len(samples) < c.cfg.SampleCount {
		if retries > 0 && retries >= c.cfg.RetryCount {
			return 0, perrors.InsufficientSamplesError(actuator, len(samples), c.cfg.SampleCount, retries)
		}
		if err := c.moveZ(measured[motion.Z]-c.cfg.SampleRetractDist, c.cfg.SlowSpeed); err != nil {
			return fail(err)
		}
		if ok, drift, err := c.settled(actuator); err != nil {
			return fail(err)
		} else if !ok {
			reject(fmt.Sprintf("not settled (drift %.4f)", drift))
			continue
		}

		t0 = time.Now()
		if _, err := c.port.ProbeToward(sensor, target, c.cfg.SlowSpeed); err != nil {
			if errors.Is(err, motion.ErrPrematureTrigger) {
				reject("triggered before movement")
				continue
			}
			return fail(err)
		}
		if err := c.port.Dwell(triggerDwell); err != nil {
			return fail(err)
		}
		trig, err := c.averaged(actuator)
		if err != nil {
			return fail(err)
		}
		stats.add(trig, time.Since(t0))

		total := initialTravel + (trig - base)
		if !acceptable(samples, total, c.cfg.SamplesRange) {
			reject(fmt.Sprintf("%.4f outside range %.4f", total, c.cfg.SamplesRange))
			continue
		}
		samples = append(samples, total)

		if len(samples) < c.cfg.SampleCount {
			if err := c.moveZ(retractZ, c.cfg.SlowSpeed); err != nil {
				return fail(err)
			}
		}
	}

	height := Median(samples)
	lo, hi := samples[0], samples[0]
	for _, s := range samples {
		lo, hi = math.Min(lo, s), math.Max(hi, s)
	}
	c.observer.Measured(actuator, hi-lo)
	if c.cfg.Debug {
		c.logger.WithFields(stats.fields()).WithFields(log.Fields{
			"samples": samples,
			"retries": retries,
			"trigger": fmt.Sprintf("%.4f", height),
		}).Debug(actuator + " probe statistics")
	}
	return height, nil
}
