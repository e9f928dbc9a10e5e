// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRecoveryMetricsSavePath(t *testing.T) {
	m := NewRecoveryMetrics()
	m.Collected(true, 3)
	m.Collected(false, 3)
	m.SaveFailed("store", 2)
	m.Saved(time.Unix(1700000000, 0), 4, true)

	if v := m.SnapshotsCollected.Get(nil); v != 1 {
		t.Errorf("collected: expected 1, got %d", v)
	}
	if v := m.SnapshotsInvalid.Get(nil); v != 1 {
		t.Errorf("invalid: expected 1, got %d", v)
	}
	if v := m.SaveFailures.Get(Labels{"reason": "store"}); v != 1 {
		t.Errorf("failures: expected 1, got %d", v)
	}
	if v := m.ConsecutiveFailure.Get(nil); v != 0 {
		t.Errorf("a save should reset consecutive failures, got %v", v)
	}
	if v := m.DelayClamped.Get(nil); v != 1 {
		t.Errorf("clamped: expected 1, got %d", v)
	}
	if v := m.LastSaveTime.Get(nil); v != 1700000000 {
		t.Errorf("last save: got %v", v)
	}
}

func TestRecoveryMetricsObserver(t *testing.T) {
	m := NewRecoveryMetrics()
	m.SampleRejected("stepper_z1", "premature")
	m.Measured("stepper_z1", 0.002)
	if v := m.ProbeRejected.Get(Labels{"actuator": "stepper_z1", "reason": "premature"}); v != 1 {
		t.Errorf("expected 1 rejection, got %d", v)
	}
	if s := m.ProbeSpread.Snapshot(Labels{"actuator": "stepper_z1"}); s.Count != 1 || s.Buckets[0.0025] != 1 {
		t.Errorf("unexpected spread snapshot %+v", s)
	}
}

func TestRecoveryMetricsPrintStateAndHoming(t *testing.T) {
	m := NewRecoveryMetrics()
	m.SetPrintState("printing")
	m.SetPrintState("bogus")
	if v := m.PrintState.Get(nil); v != PrintStatePrinting {
		t.Errorf("expected printing, got %v", v)
	}
	m.HomingFinished("resume", nil)
	m.HomingFinished("resume", errors.New("probe"))
	if v := m.HomingErrors.Get(Labels{"mode": "resume"}); v != 1 {
		t.Errorf("expected 1 homing error, got %d", v)
	}
	m.Rewritten(nil)
	m.Rewritten(errors.New("disk"))
	if m.Rewrites.Get(nil) != 1 || m.RewriteErrors.Get(nil) != 1 {
		t.Error("rewrite counters not updated")
	}
}

func TestRecoveryMetricsGather(t *testing.T) {
	m := NewRecoveryMetrics()
	m.SetInterval(22.5)
	out := m.Gather()
	for _, want := range []string{
		"# TYPE plr_saves_total counter",
		"plr_save_interval_seconds 22.5",
		"# TYPE plr_probe_spread_mm histogram",
		"plr_go_goroutines ",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q", want)
		}
	}
}
