// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"klipper-plr/pkg/snapshot"
)

func at(x, hotend float64) *snapshot.Snapshot {
	return &snapshot.Snapshot{Position: snapshot.XYZ{X: x}, HotendTemp: hotend}
}

func TestIntervalBase(t *testing.T) {
	s := New(Settings{BaseInterval: 30, Capacity: 5})
	assert.Equal(t, 30.0, s.Interval(100, nil, nil))
	assert.Equal(t, 30.0, s.Interval(100, at(0, 200), at(5, 203)))
}

func TestIntervalActivityScaleDown(t *testing.T) {
	s := New(Settings{BaseInterval: 30, Capacity: 5})
	assert.Equal(t, 22.5, s.Interval(100, at(0, 200), at(15, 200)))
	assert.Equal(t, 22.5, s.Interval(100, at(0, 200), at(0, 206)))
	assert.Equal(t, 22.5, s.Interval(100, at(0, 200), at(15, 206)))
	// exactly at the thresholds nothing changes
	assert.Equal(t, 30.0, s.Interval(100, at(0, 200), at(10, 205)))
}

func TestIntervalExtruderTaper(t *testing.T) {
	s := New(Settings{BaseInterval: 40, Capacity: 5})
	s.ExtruderChanged(100)

	assert.InDelta(t, 12.0, s.Interval(100, nil, nil), 1e-9)
	assert.InDelta(t, 40*0.65, s.Interval(110, nil, nil), 1e-9)
	assert.InDelta(t, 40.0, s.Interval(120, nil, nil), 1e-9)

	// rises monotonically and never exceeds the base
	prev := 0.0
	for now := 100.0; now <= 125; now += 0.5 {
		iv := s.Interval(now, nil, nil)
		assert.LessOrEqual(t, iv, 40.0)
		assert.GreaterOrEqual(t, iv, prev-1e-9)
		prev = iv
	}
}

func TestIntervalFloor(t *testing.T) {
	s := New(Settings{BaseInterval: 6, Capacity: 5})
	// 6 * 0.75 = 4.5, floored at 5
	assert.Equal(t, 5.0, s.Interval(100, at(0, 200), at(20, 200)))

	s.ExtruderChanged(100)
	// about 1.5 s, floored at 3 right after an extruder change
	assert.Equal(t, 3.0, s.Interval(101, at(0, 200), at(20, 200)))

	small := New(Settings{BaseInterval: 2, Capacity: 5})
	assert.Equal(t, 2.0, small.Interval(100, at(0, 200), at(20, 200)))
}

func TestDelay(t *testing.T) {
	s := New(Settings{BaseInterval: 10, Capacity: 5, DefaultDelay: 2})

	tests := []struct {
		lag     float64
		known   bool
		want    int
		clamped bool
	}{
		{0, true, 0, false},
		{0.5, true, 1, false},
		{10, true, 1, false},
		{10.01, true, 2, false},
		{40, true, 4, false},
		{41, true, 4, true},
		{1e9, true, 4, true},
		{-3, true, 0, false},
		{-15, true, 0, true},
		{0, false, 2, false},
	}
	for _, tt := range tests {
		n, clamped := s.Delay(tt.lag, tt.known)
		assert.Equal(t, tt.want, n, "lag %v", tt.lag)
		assert.Equal(t, tt.clamped, clamped, "lag %v", tt.lag)
	}
}

func TestBackoffSuppressesSave(t *testing.T) {
	s := New(Settings{BaseInterval: 10, Capacity: 5})
	assert.Zero(t, s.Backoff())
	assert.True(t, s.ShouldSave(10, 10))

	s.Attempted(10)
	s.Failed()
	s.Failed()
	s.Failed()
	assert.Equal(t, 8.0, s.Backoff())
	assert.False(t, s.ShouldSave(15, 5), "within backoff")
	assert.True(t, s.ShouldSave(18, 5))
	// backoff does not move the wake time
	assert.Equal(t, 20.0, s.NextWake(15, 5, true))

	for i := 0; i < 10; i++ {
		s.Failed()
	}
	assert.Equal(t, MaxBackoff, s.Backoff())

	s.Saved(50)
	assert.Zero(t, s.State.Failures)
	assert.False(t, s.ShouldSave(55, 10))
	assert.True(t, s.ShouldSave(60, 10))
}

func TestInvalidSnapshotsBackOffUntilValid(t *testing.T) {
	s := New(Settings{BaseInterval: 5, Capacity: 5, DefaultDelay: 1})
	s.Attempted(10)
	s.Rejected()
	s.Rejected()
	assert.Equal(t, 2, s.ConsecutiveFailures())
	assert.Equal(t, 4.0, s.Backoff())
	assert.False(t, s.ShouldSave(12, 5))

	s.Accepted()
	assert.Zero(t, s.ConsecutiveFailures())
	assert.True(t, s.ShouldSave(12, 5))

	// save failures are not cleared by valid snapshots
	s.Failed()
	s.Rejected()
	s.Accepted()
	assert.Equal(t, 1, s.ConsecutiveFailures())
	s.Saved(20)
	assert.Zero(t, s.ConsecutiveFailures())
}

func TestTimeBasedDisabled(t *testing.T) {
	s := New(Settings{BaseInterval: 0, Capacity: 5, DefaultDelay: 1})
	assert.False(t, s.TimeBased())
	assert.False(t, s.ShouldSave(1000, 0))
	assert.Equal(t, 101.0, s.NextWake(100, 0, true))
	n, _ := s.Delay(3, true)
	assert.Equal(t, 1, n)

	on := New(Settings{BaseInterval: 10, Capacity: 5})
	assert.Equal(t, 101.0, on.NextWake(100, 10, false))
}
