// Recovery host metrics
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	goruntime "runtime"
	"time"
)

// RecoveryMetrics holds the metrics exported by the recovery daemon.
type RecoveryMetrics struct {
	// Snapshot pipeline
	SnapshotsCollected *Counter
	SnapshotsInvalid   *Counter
	SavesTotal         *Counter
	SaveFailures       *Counter
	DelayClamped       *Counter
	HistoryLength      *Gauge
	SaveInterval       *Gauge
	SaveDelay          *Gauge
	ConsecutiveFailure *Gauge
	LastSaveTime       *Gauge
	PrintState         *Gauge

	// Z homing
	ProbeRejected *Counter
	ProbeSpread   *Histogram
	HomingRuns    *Counter
	HomingErrors  *Counter

	// File rewrites
	Rewrites      *Counter
	RewriteErrors *Counter

	// System
	HostUptime   *Gauge
	GoGoroutines *Gauge
	GoMemoryHeap *Gauge

	registry  *Registry
	startTime time.Time
}

// Print state gauge values, following print_stats.state.
const (
	PrintStateStandby   = 0
	PrintStatePrinting  = 1
	PrintStatePaused    = 2
	PrintStateComplete  = 3
	PrintStateCancelled = 4
	PrintStateError     = 5
)

var printStates = map[string]float64{
	"standby":   PrintStateStandby,
	"printing":  PrintStatePrinting,
	"paused":    PrintStatePaused,
	"complete":  PrintStateComplete,
	"cancelled": PrintStateCancelled,
	"error":     PrintStateError,
}

func NewRecoveryMetrics() *RecoveryMetrics {
	m := &RecoveryMetrics{
		SnapshotsCollected: NewCounter("plr_snapshots_collected_total", "Snapshots collected into the history buffer"),
		SnapshotsInvalid:   NewCounter("plr_snapshots_invalid_total", "Snapshots rejected by validation"),
		SavesTotal:         NewCounter("plr_saves_total", "Resume metadata writes that succeeded"),
		SaveFailures:       NewCounter("plr_save_failures_total", "Resume metadata writes that failed, by reason"),
		DelayClamped:       NewCounter("plr_delay_clamped_total", "Saves whose history delay exceeded the buffer"),
		HistoryLength:      NewGauge("plr_history_length", "Snapshots currently buffered"),
		SaveInterval:       NewGauge("plr_save_interval_seconds", "Current adaptive save interval"),
		SaveDelay:          NewGauge("plr_save_delay_snapshots", "History delay used for the last save"),
		ConsecutiveFailure: NewGauge("plr_consecutive_failures", "Failures since the last successful save"),
		LastSaveTime:       NewGauge("plr_last_save_timestamp_seconds", "Unix time of the last successful save"),
		PrintState:         NewGauge("plr_print_state", "Print state (0=standby 1=printing 2=paused 3=complete 4=cancelled 5=error)"),

		ProbeRejected: NewCounter("plr_probe_samples_rejected_total", "Probe samples discarded, by actuator and reason"),
		ProbeSpread: NewHistogram("plr_probe_spread_mm", "Spread of accepted probe sample sets",
			[]float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1}),
		HomingRuns:   NewCounter("plr_homing_runs_total", "Z homing runs, by mode"),
		HomingErrors: NewCounter("plr_homing_errors_total", "Z homing runs that failed, by mode"),

		Rewrites:      NewCounter("plr_rewrites_total", "Print files rewritten for resume"),
		RewriteErrors: NewCounter("plr_rewrite_errors_total", "Print file rewrites that failed"),

		HostUptime:   NewGauge("plr_host_uptime_seconds", "Daemon uptime"),
		GoGoroutines: NewGauge("plr_go_goroutines", "Number of goroutines"),
		GoMemoryHeap: NewGauge("plr_go_memory_heap_bytes", "Heap bytes in use"),

		registry:  NewRegistry(),
		startTime: time.Now(),
	}
	m.registry.MustRegister(
		m.SnapshotsCollected, m.SnapshotsInvalid, m.SavesTotal, m.SaveFailures,
		m.DelayClamped, m.HistoryLength, m.SaveInterval, m.SaveDelay,
		m.ConsecutiveFailure, m.LastSaveTime, m.PrintState,
		m.ProbeRejected, m.ProbeSpread, m.HomingRuns, m.HomingErrors,
		m.Rewrites, m.RewriteErrors,
		m.HostUptime, m.GoGoroutines, m.GoMemoryHeap,
	)
	return m
}

// SampleRejected and Measured make RecoveryMetrics a zhome.Observer.
func (m *RecoveryMetrics) SampleRejected(actuator, reason string) {
	m.ProbeRejected.Inc(Labels{"actuator": actuator, "reason": reason})
}

func (m *RecoveryMetrics) Measured(actuator string, spread float64) {
	m.ProbeSpread.Observe(Labels{"actuator": actuator}, spread)
}

// Collected records one snapshot pass and the resulting buffer length.
func (m *RecoveryMetrics) Collected(valid bool, historyLen int) {
	if valid {
		m.SnapshotsCollected.Inc(nil)
	} else {
		m.SnapshotsInvalid.Inc(nil)
	}
	m.HistoryLength.Set(nil, float64(historyLen))
}

// Saved records a successful save at now using delay snapshots of lag.
func (m *RecoveryMetrics) Saved(now time.Time, delay int, clamped bool) {
	m.SavesTotal.Inc(nil)
	m.SaveDelay.Set(nil, float64(delay))
	m.ConsecutiveFailure.Set(nil, 0)
	m.LastSaveTime.Set(nil, float64(now.Unix()))
	if clamped {
		m.DelayClamped.Inc(nil)
	}
}

func (m *RecoveryMetrics) SaveFailed(reason string, failures int) {
	m.SaveFailures.Inc(Labels{"reason": reason})
	m.ConsecutiveFailure.Set(nil, float64(failures))
}

func (m *RecoveryMetrics) SetInterval(seconds float64) {
	m.SaveInterval.Set(nil, seconds)
}

// SetPrintState maps a print_stats state name onto the gauge. Unknown
// names leave it unchanged.
func (m *RecoveryMetrics) SetPrintState(state string) {
	if v, ok := printStates[state]; ok {
		m.PrintState.Set(nil, v)
	}
}

func (m *RecoveryMetrics) HomingFinished(mode string, err error) {
	m.HomingRuns.Inc(Labels{"mode": mode})
	if err != nil {
		m.HomingErrors.Inc(Labels{"mode": mode})
	}
}

func (m *RecoveryMetrics) Rewritten(err error) {
	if err != nil {
		m.RewriteErrors.Inc(nil)
		return
	}
	m.Rewrites.Inc(nil)
}

// UpdateSystemMetrics refreshes uptime and runtime statistics.
func (m *RecoveryMetrics) UpdateSystemMetrics() {
	var ms goruntime.MemStats
	goruntime.ReadMemStats(&ms)
	m.HostUptime.Set(nil, time.Since(m.startTime).Seconds())
	m.GoGoroutines.Set(nil, float64(goruntime.NumGoroutine()))
	m.GoMemoryHeap.Set(nil, float64(ms.HeapInuse))
}

// Gather returns all metrics in Prometheus text format
func (m *RecoveryMetrics) Gather() string {
	m.UpdateSystemMetrics()
	return m.registry.Gather()
}

func (m *RecoveryMetrics) Registry() *Registry {
	return m.registry
}
