// Package recovery ties snapshot capture, scheduling, persistence and
// resume handling to the reactor loop.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package recovery

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"klipper-plr/pkg/config"
	perrors "klipper-plr/pkg/errors"
	"klipper-plr/pkg/gcode"
	"klipper-plr/pkg/history"
	"klipper-plr/pkg/log"
	"klipper-plr/pkg/metrics"
	"klipper-plr/pkg/reactor"
	"klipper-plr/pkg/rewrite"
	"klipper-plr/pkg/schedule"
	"klipper-plr/pkg/snapshot"
	"klipper-plr/pkg/store"
	"klipper-plr/pkg/zhome"
)

// Options wires a Manager. Homer may be nil, which disables the
// commands that move the machine.
type Options struct {
	Reactor  *reactor.Reactor
	Source   snapshot.StatusSource
	GCode    zhome.GCodeRunner
	Store    store.Store
	Settings *config.Settings
	Homer    *zhome.Homer
	Metrics  *metrics.RecoveryMetrics
	Now      func() time.Time
}

// Manager owns all recovery state. Every method that touches it runs on
// the reactor goroutine: the timer callback, or commands submitted
// through Execute.
type Manager struct {
	r       *reactor.Reactor
	src     snapshot.StatusSource
	gcode   zhome.GCodeRunner
	store   store.Store
	cfg     *config.Settings
	homer   *zhome.Homer
	metrics *metrics.RecoveryMetrics
	now     func() time.Time
	logger  *log.Logger

	recorder *snapshot.Recorder
	history  *history.Buffer
	sched    *schedule.Scheduler
	commands *gcode.Dispatcher
	timer    *reactor.Timer

	enabled    bool
	active     bool
	resuming   bool
	printState string
	extruder   string
}

// New builds a Manager. Saving starts disabled until PLR_ENABLE.
func New(opts Options) (*Manager, error) {
	if opts.Reactor == nil || opts.Source == nil || opts.Store == nil || opts.Settings == nil {
		return nil, perrors.New(perrors.ErrRuntimeInit, "recovery manager needs a reactor, status source, store and settings")
	}
	cfg := opts.Settings
	buf, err := history.New(cfg.HistorySize)
	if err != nil {
		return nil, perrors.Wrap(err, perrors.ErrConfigValidation, "history_size").SetSection(config.SectionName)
	}
	m := &Manager{
		r:        opts.Reactor,
		src:      opts.Source,
		gcode:    opts.GCode,
		store:    opts.Store,
		cfg:      cfg,
		homer:    opts.Homer,
		metrics:  opts.Metrics,
		now:      opts.Now,
		logger:   log.GetLogger("plr"),
		recorder: snapshot.NewRecorder(opts.Source, cfg.PartCoolingFans),
		history:  buf,
		sched: schedule.New(schedule.Settings{
			BaseInterval: cfg.SaveInterval,
			Capacity:     cfg.HistorySize,
			DefaultDelay: cfg.SaveDelay,
		}),
		commands: gcode.NewDispatcher(),
	}
	if m.metrics == nil {
		m.metrics = metrics.NewRecoveryMetrics()
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.registerCommands()
	return m, nil
}

// Start arms the periodic timer for an immediate first run.
func (m *Manager) Start() {
	if m.timer == nil {
		m.timer = m.r.RegisterTimer(m.Tick, reactor.NOW)
	}
}

// Stop removes the periodic timer.
func (m *Manager) Stop() {
	if m.timer != nil {
		m.r.UnregisterTimer(m.timer)
		m.timer = nil
	}
}

// Execute runs one command line on the reactor and returns its report.
func (m *Manager) Execute(ctx context.Context, line string) (string, error) {
	res, err := m.r.Call(ctx, func(float64) (interface{}, error) {
		return m.commands.Execute(line)
	})
	out, _ := res.(string)
	return out, err
}

// Commands exposes the command table.
func (m *Manager) Commands() *gcode.Dispatcher { return m.commands }

// Status is a point-in-time view of the manager.
type Status struct {
	Enabled       bool    `json:"enabled"`
	Active        bool    `json:"active"`
	Resuming      bool    `json:"resuming"`
	PrintState    string  `json:"print_state"`
	HistoryLength int     `json:"history_length"`
	HistorySize   int     `json:"history_size"`
	Failures      int     `json:"consecutive_failures"`
	LastSave      float64 `json:"last_save"`
	Layer         int     `json:"layer"`
}

// Status reads the current state on the reactor.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	res, err := m.r.Call(ctx, func(float64) (interface{}, error) {
		return m.status(), nil
	})
	if err != nil {
		return Status{}, err
	}
	return res.(Status), nil
}

func (m *Manager) status() Status {
	layer, _ := m.recorder.Layer()
	return Status{
		Enabled:       m.enabled,
		Active:        m.active,
		Resuming:      m.resuming,
		PrintState:    m.printState,
		HistoryLength: m.history.Len(),
		HistorySize:   m.history.Cap(),
		Failures:      m.sched.ConsecutiveFailures(),
		LastSave:      m.sched.State.LastSave,
		Layer:         layer,
	}
}

// Tick is the periodic timer callback. It follows the print state,
// collects a snapshot, saves when due and returns the next wake time.
func (m *Manager) Tick(eventtime float64) float64 {
	printing := m.observe(eventtime)
	if !m.active || !m.enabled {
		return eventtime + schedule.IdleWake
	}

	m.collect(eventtime)

	var prev, last *snapshot.Snapshot
	if p, l, ok := m.history.LastTwo(); ok {
		prev, last = p, l
	}
	interval := m.sched.Interval(eventtime, prev, last)
	m.metrics.SetInterval(interval)

	if m.sched.ShouldSave(eventtime, interval) {
		m.sched.Attempted(eventtime)
		if err := m.save(eventtime); err != nil {
			m.logger.WithError(err).Warn("periodic save failed")
		}
	}
	return m.sched.NextWake(eventtime, interval, printing)
}

// observe follows print_stats and the active extruder. It reports
// whether the printer is printing.
func (m *Manager) observe(eventtime float64) bool {
	st, ok := m.src.ObjectStatus("print_stats", eventtime)
	if !ok {
		return false
	}
	state, _ := snapshot.String(st, "state")
	if state != m.printState {
		filename, _ := snapshot.String(st, "filename")
		m.printStateChanged(state, filename)
	}

	if th, ok := m.src.ObjectStatus("toolhead", eventtime); ok {
		if name, ok := snapshot.String(th, "extruder"); ok && name != "" {
			if m.extruder != "" && name != m.extruder {
				m.extruderActivated(eventtime)
			}
			m.extruder = name
		}
	}
	return state == "printing"
}

func (m *Manager) printStateChanged(state, filename string) {
	m.logger.WithFields(log.Fields{"from": m.printState, "to": state}).Debug("print state changed")
	m.printState = state
	m.metrics.SetPrintState(state)

	printing := state == "printing"
	if printing != m.active {
		m.active = printing
		if printing {
			m.logger.Info("print started, recording")
			m.history.Clear()
			m.recorder.Reset()
			m.sched.State.Failures = 0
			m.sched.State.Invalid = 0
		} else {
			m.logger.Debug("print no longer running, recording paused")
		}
	}

	switch state {
	case "complete", "error", "cancelled":
		if filename != "" {
			m.restoreOriginal(filename)
		}
	}
}

func (m *Manager) restoreOriginal(filename string) {
	path := filepath.Join(m.cfg.GCodeDir, filename)
	restored, err := rewrite.RestoreOriginal(path)
	if err != nil {
		m.logger.WithError(err).Warn("restoring original job file failed")
		return
	}
	if restored {
		m.logger.Info("restored original job file " + path)
	}
}

// collect appends a valid snapshot to the history. A missing status
// source is skipped silently; an invalid snapshot counts as a failure.
func (m *Manager) collect(eventtime float64) {
	s := m.recorder.Collect(eventtime)
	if s == nil {
		return
	}
	if err := snapshot.Validate(s); err != nil {
		m.sched.Rejected()
		m.metrics.Collected(false, m.history.Len())
		m.metrics.ConsecutiveFailure.Set(nil, float64(m.sched.ConsecutiveFailures()))
		m.logger.WithError(err).Debug("discarding invalid snapshot")
		return
	}
	m.sched.Accepted()
	m.history.Push(s)
	m.metrics.Collected(true, m.history.Len())
}

// save persists the snapshot lying one controller lag behind the
// newest. Saving is skipped, without error, while inactive, disabled,
// resuming or short of history.
func (m *Manager) save(eventtime float64) error {
	switch {
	case !m.active:
		m.logger.Debug("not saving: printer not active")
		return nil
	case m.resuming:
		m.logger.Debug("not saving: resume in progress")
		return nil
	case !m.enabled:
		m.logger.Debug("not saving: recovery disabled")
		return nil
	}

	lag, known := snapshot.ControllerLag(m.src, eventtime)
	delay, clamped := m.sched.Delay(lag, known)
	if clamped {
		m.logger.WithFields(log.Fields{"lag": lag, "delay": delay}).Warn("controller lag exceeds history, using oldest snapshot")
	}
	s, ok := m.history.ReadDelayed(delay)
	if !ok {
		m.logger.Debug("not saving: %d snapshots buffered, need %d", m.history.Len(), delay+1)
		return nil
	}

	meta := snapshot.NewResumeMetadata(s, snapshot.CollectMCUStatus(m.src, eventtime), m.now())
	meta.SaveTime = eventtime
	raw, err := snapshot.EncodeMetadata(meta)
	if err != nil {
		m.failed("invalid")
		return err
	}
	if err := m.store.Set(store.KeyResumeMeta, raw); err != nil {
		m.failed("store")
		return err
	}
	m.sched.Saved(eventtime)
	m.metrics.Saved(m.now(), delay, clamped)
	m.logger.WithFields(log.Fields{
		"save_id":  meta.SaveID,
		"progress": meta.FileProgress.ProgressPct,
		"delay":    delay,
	}).Debug(fmt.Sprintf("saved state collected at %.2f", meta.CollectionTime))
	return nil
}

func (m *Manager) failed(reason string) {
	m.sched.Failed()
	m.metrics.SaveFailed(reason, m.sched.ConsecutiveFailures())
}

// rearm wakes the periodic timer now so the interval restarts from the
// latest event.
func (m *Manager) rearm() {
	if m.timer != nil && m.sched.TimeBased() {
		m.r.UpdateTimer(m.timer, reactor.NOW)
	}
}

// LayerChanged records a new layer, saves immediately and re-arms the
// timer. It is a no-op unless layer saving is on and a print is active.
func (m *Manager) LayerChanged(eventtime float64, layer int, height *float64) {
	if !m.cfg.SaveOnLayerChange || !m.active {
		return
	}
	if height != nil {
		m.recorder.SetLayer(layer, *height)
	} else {
		m.recorder.SetLayerNumber(layer)
	}
	m.logger.Debug("layer changed to %d", layer)
	if err := m.save(eventtime); err != nil {
		m.logger.WithError(err).Warn("layer change save failed")
	}
	m.rearm()
}

func (m *Manager) extruderActivated(eventtime float64) {
	if !m.active {
		return
	}
	m.sched.ExtruderChanged(eventtime)
	m.logger.Debug("extruder activated, saving")
	if err := m.save(eventtime); err != nil {
		m.logger.WithError(err).Warn("extruder change save failed")
	}
	m.rearm()
}

// loadSaved returns the persisted resume metadata, nil when none.
func (m *Manager) loadSaved() (*snapshot.ResumeMetadata, error) {
	all, err := m.store.GetAll()
	if err != nil {
		return nil, err
	}
	return snapshot.DecodeMetadata(all[store.KeyResumeMeta])
}

// reset clears the persisted metadata and the layer and save counters.
func (m *Manager) reset() error {
	if err := m.store.Set(store.KeyResumeMeta, "{}"); err != nil {
		return err
	}
	m.recorder.Reset()
	m.sched.Reset()
	return nil
}
