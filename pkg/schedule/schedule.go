// Package schedule decides when the recorder wakes, whether a save is
// due and how far behind the newest snapshot the saved one lies.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package schedule

import (
	"math"

	"klipper-plr/pkg/snapshot"
)

// Tuning constants, seconds unless noted.
const (
	ExtruderWindow      = 20.0
	ExtruderMinFactor   = 0.3
	ActivityFactor      = 0.75
	PositionThreshold   = 10.0 // mm, summed over x, y and z
	HotendThreshold     = 5.0  // degrees
	MinInterval         = 5.0
	ExtruderMinWindow   = 5.0
	ExtruderMinInterval = 3.0
	MaxBackoff          = 30.0
	IdleWake            = 1.0
)

// Settings configure the scheduler.
type Settings struct {
	BaseInterval float64 // save_interval; zero disables time based saving
	Capacity     int     // history size
	DefaultDelay int     // save_delay, used when controller lag is unknown
}

// State is shared by the periodic recorder and immediate saves.
type State struct {
	LastSave    float64
	LastAttempt float64
	Failures    int // failed saves since the last successful one
	Invalid     int // invalid snapshots since the last valid one

	lastExtruderChange float64
	extruderChanged    bool
}

// Scheduler computes intervals and delays from State.
type Scheduler struct {
	cfg   Settings
	State State
}

// New returns a scheduler with zeroed state.
func New(cfg Settings) *Scheduler {
	return &Scheduler{cfg: cfg}
}

// Settings returns the configuration.
func (s *Scheduler) Settings() Settings { return s.cfg }

// TimeBased reports whether periodic saving is enabled.
func (s *Scheduler) TimeBased() bool { return s.cfg.BaseInterval > 0 }

// ExtruderChanged records an extruder activation at now.
func (s *Scheduler) ExtruderChanged(now float64) {
	s.State.lastExtruderChange = now
	s.State.extruderChanged = true
}

func (s *Scheduler) sinceExtruderChange(now float64) float64 {
	if !s.State.extruderChanged {
		return math.Inf(1)
	}
	return now - s.State.lastExtruderChange
}

// Interval returns the wake interval at now given the two newest
// snapshots, which may be nil. It never exceeds the base interval.
func (s *Scheduler) Interval(now float64, prev, last *snapshot.Snapshot) float64 {
	base := s.cfg.BaseInterval
	interval := base

	since := s.sinceExtruderChange(now)
	if since < ExtruderWindow {
		factor := ExtruderMinFactor + math.Max(since, 0)/ExtruderWindow*(1-ExtruderMinFactor)
		interval *= math.Min(factor, 1)
	}

	if prev != nil && last != nil {
		moved := math.Abs(last.Position.X-prev.Position.X) +
			math.Abs(last.Position.Y-prev.Position.Y) +
			math.Abs(last.Position.Z-prev.Position.Z)
		heated := math.Abs(last.HotendTemp - prev.HotendTemp)
		if moved > PositionThreshold || heated > HotendThreshold {
			interval *= ActivityFactor
		}
	}

	floor := MinInterval
	if since < ExtruderMinWindow {
		floor = ExtruderMinInterval
	}
	return math.Max(interval, math.Min(floor, base))
}

// Delay converts controller lag into a history delay, clamped to
// [0, capacity-1]. clamped reports that the raw value was out of range.
// Without a lag estimate the configured default is used.
func (s *Scheduler) Delay(lag float64, known bool) (n int, clamped bool) {
	hi := s.cfg.Capacity - 1
	if !known || s.cfg.BaseInterval <= 0 || math.IsNaN(lag) {
		n = s.cfg.DefaultDelay
	} else {
		raw := math.Ceil(lag / s.cfg.BaseInterval)
		if raw > float64(hi) {
			return hi, true
		}
		n = int(raw)
	}
	if n < 0 {
		return 0, true
	}
	if n > hi {
		return hi, true
	}
	return n, false
}

// Backoff returns the failure backoff in seconds, zero without
// failures.
func (s *Scheduler) Backoff() float64 {
	n := s.ConsecutiveFailures()
	if n <= 0 {
		return 0
	}
	return math.Min(MaxBackoff, math.Pow(2, float64(n)))
}

// ConsecutiveFailures counts failed saves plus the current run of
// invalid snapshots.
func (s *Scheduler) ConsecutiveFailures() int {
	return s.State.Failures + s.State.Invalid
}

// ShouldSave reports whether a periodic save is due at now for the
// given interval. Backoff suppresses a due save without changing the
// next wake.
func (s *Scheduler) ShouldSave(now, interval float64) bool {
	if !s.TimeBased() || now-s.State.LastSave < interval {
		return false
	}
	if s.ConsecutiveFailures() > 0 && now-s.State.LastAttempt < s.Backoff() {
		return false
	}
	return true
}

// NextWake returns the next periodic wake time.
func (s *Scheduler) NextWake(now, interval float64, printing bool) float64 {
	if !s.TimeBased() || !printing {
		return now + IdleWake
	}
	return now + interval
}

// Attempted records the start of a periodic save.
func (s *Scheduler) Attempted(now float64) { s.State.LastAttempt = now }

// Saved records a successful save.
func (s *Scheduler) Saved(now float64) {
	s.State.LastSave = now
	s.State.Failures = 0
	s.State.Invalid = 0
}

// Failed records a failed save.
func (s *Scheduler) Failed() { s.State.Failures++ }

// Rejected records an invalid snapshot.
func (s *Scheduler) Rejected() { s.State.Invalid++ }

// Accepted records a valid snapshot, ending a run of invalid ones.
func (s *Scheduler) Accepted() { s.State.Invalid = 0 }

// Reset clears save timing and failures, keeping the extruder history.
func (s *Scheduler) Reset() {
	s.State.LastSave = 0
	s.State.LastAttempt = 0
	s.State.Failures = 0
	s.State.Invalid = 0
}
