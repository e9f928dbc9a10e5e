// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package zhome

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"klipper-plr/pkg/config"
	perrors "klipper-plr/pkg/errors"
	"klipper-plr/pkg/log"
	"klipper-plr/pkg/motion"
	"klipper-plr/pkg/store"
)

// Mode selects where applied offsets come from.
type Mode int

const (
	// ModeCalibrate measures offsets and persists them.
	ModeCalibrate Mode = iota
	// ModeResume applies previously persisted offsets.
	ModeResume
)

func (m Mode) String() string {
	if m == ModeResume {
		return "RESUME"
	}
	return "CALIBRATE"
}

// ParseMode accepts CALIBRATE or RESUME in any case; empty means
// CALIBRATE.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "CALIBRATE":
		return ModeCalibrate, nil
	case "RESUME":
		return ModeResume, nil
	}
	return ModeCalibrate, perrors.CommandError("MODE", "MODE must be either CALIBRATE or RESUME")
}

// Offsets maps actuator name to measured offset in mm.
type Offsets map[string]float64

// EngineSettings tunes calibration passes and offset moves.
type EngineSettings struct {
	RetractDist    float64
	FastSpeed      float64
	SlowSpeed      float64
	IterationCount int
	MaxAdjustment  float64
	ZHeightOffset  float64
}

// Engine turns per-actuator trigger heights into reference-relative
// offsets and moves actuators by them.
type Engine struct {
	port      motion.HomingPort
	collector *Collector
	store     store.Store
	cfg       EngineSettings
	logger    *log.Logger

	last Offsets
}

// NewEngine wires an Engine.
func NewEngine(port motion.HomingPort, collector *Collector, st store.Store, cfg EngineSettings) *Engine {
	return &Engine{
		port:      port,
		collector: collector,
		store:     st,
		cfg:       cfg,
		logger:    log.GetLogger("zhome"),
	}
}

// Last returns the most recent measured offsets, or nil.
func (e *Engine) Last() Offsets {
	return e.last
}

func names(actuators []config.Actuator) []string {
	out := make([]string, len(actuators))
	for i, a := range actuators {
		out[i] = a.Name
	}
	return out
}

// isolated runs fn and then re-attaches every actuator, whatever fn
// returned.
func (e *Engine) isolated(actuators []config.Actuator, fn func() error) (err error) {
	defer func() {
		if rerr := motion.ActivateAll(e.port, names(actuators)); rerr != nil {
			e.logger.WithError(rerr).Error("re-enabling Z actuators failed")
			if err == nil {
				err = perrors.MovementError("", rerr)
			}
		}
	}()
	return fn()
}

// pass probes the reference actuator, then every other one, each in
// isolation. Offsets are baseline minus trigger height.
func (e *Engine) pass(actuators []config.Actuator, ref int, refHeight float64) (Offsets, error) {
	order := make([]config.Actuator, 0, len(actuators))
	order = append(order, actuators[ref])
	for i, a := range actuators {
		if i != ref {
			order = append(order, a)
		}
	}

	offsets := make(Offsets, len(actuators))
	err := e.isolated(actuators, func() error {
		var baseline float64
		for i, a := range order {
			if err := motion.Isolate(e.port, names(actuators), a.Name); err != nil {
				return perrors.MovementError(a.Name, err)
			}
			if err := e.port.Dwell(0.5); err != nil {
				return perrors.MovementError(a.Name, err)
			}
			trigger, err := e.collector.Measure(a.Name, a.Sensor, refHeight)
			if err != nil {
				return fmt.Errorf("probing %s: %w", a.Name, err)
			}
			if i == 0 {
				baseline = trigger
				offsets[a.Name] = 0
				continue
			}
			offsets[a.Name] = baseline - trigger
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return offsets, nil
}

// Measure runs a single pass without iterations or persistence.
func (e *Engine) Measure(actuators []config.Actuator, ref int, refHeight float64) (Offsets, error) {
	if ref < 0 || ref >= len(actuators) {
		return nil, perrors.CommandError("calibrate", fmt.Sprintf("reference index %d out of range", ref))
	}
	offsets, err := e.pass(actuators, ref, refHeight)
	if err != nil {
		return nil, err
	}
	e.last = offsets
	return offsets, nil
}

// Calibrate measures offsets relative to actuators[ref], refines them
// with IterationCount further passes, checks them against
// MaxAdjustment and persists them.
func (e *Engine) Calibrate(actuators []config.Actuator, ref int, refHeight float64) (Offsets, error) {
	initial, err := e.Measure(actuators, ref, refHeight)
	if err != nil {
		return nil, err
	}
	final := initial
	if e.cfg.IterationCount > 0 {
		if final, err = e.iterate(actuators, ref, initial); err != nil {
			return nil, err
		}
	}
	for _, a := range actuators {
		if math.Abs(final[a.Name]) > e.cfg.MaxAdjustment {
			return nil, perrors.New(perrors.ErrMovementMaxAdjustment,
				fmt.Sprintf("offset %.3f exceeds max_adjustment %.3f", final[a.Name], e.cfg.MaxAdjustment)).SetSection(a.Name)
		}
	}
	e.last = final
	if err := e.Persist(actuators, final); err != nil {
		return nil, err
	}
	return final, nil
}

// iterate re-probes every actuator IterationCount times after
// retracting the whole axis. The last pass is added to initial.
func (e *Engine) iterate(actuators []config.Actuator, ref int, initial Offsets) (Offsets, error) {
	var last Offsets
	for it := 1; it <= e.cfg.IterationCount; it++ {
		if err := motion.ActivateAll(e.port, names(actuators)); err != nil {
			return nil, perrors.MovementError("", err)
		}
		if err := e.port.Dwell(0.1); err != nil {
			return nil, perrors.MovementError("", err)
		}
		pos, err := e.port.CurrentPosition()
		if err != nil {
			return nil, perrors.MovementError("", err)
		}
		refHeight := math.Max(pos[motion.Z]-e.cfg.RetractDist, 0)
		if err := e.port.MoveTo(pos.WithZ(refHeight), e.cfg.FastSpeed); err != nil {
			return nil, perrors.MovementError("", err)
		}
		if err := e.port.WaitIdle(); err != nil {
			return nil, perrors.MovementError("", err)
		}
		if last, err = e.pass(actuators, ref, refHeight); err != nil {
			return nil, fmt.Errorf("iteration %d: %w", it, err)
		}
		e.logger.WithField("iteration", it).Debug(fmt.Sprintf("offsets %v", last))
	}
	final := make(Offsets, len(initial))
	for name, off := range initial {
		final[name] = off + last[name]
	}
	return final, nil
}

// Persist writes one z_offset_<name> key per actuator.
func (e *Engine) Persist(actuators []config.Actuator, offsets Offsets) error {
	for _, a := range actuators {
		if err := e.store.Set(store.OffsetKey(a.Name), store.EncodeFloat(offsets[a.Name])); err != nil {
			return err
		}
	}
	return nil
}

// SaveReferencePosition persists the reference trigger position used
// to re-establish the Z frame on resume.
func (e *Engine) SaveReferencePosition(pos motion.Position) error {
	v, err := store.EncodeJSON(pos[:])
	if err != nil {
		return perrors.StoreError(store.KeyEndstopPosition, err)
	}
	return e.store.Set(store.KeyEndstopPosition, v)
}

// LoadPersisted reads stored offsets and the reference position, which
// is nil when none was saved. Unparseable entries are skipped.
func (e *Engine) LoadPersisted(actuators []config.Actuator) (Offsets, *motion.Position, error) {
	all, err := e.store.GetAll()
	if err != nil {
		return nil, nil, err
	}
	offsets := make(Offsets, len(actuators))
	for _, a := range actuators {
		raw, ok := all[store.OffsetKey(a.Name)]
		if !ok {
			continue
		}
		v, err := store.DecodeFloat(raw)
		if err != nil {
			e.logger.WithError(err).Warn("ignoring stored offset for " + a.Name)
			continue
		}
		offsets[a.Name] = v
	}

	var refPos *motion.Position
	if raw, ok := all[store.KeyEndstopPosition]; ok {
		var coords []float64
		if err := store.DecodeJSON(raw, &coords); err != nil || len(coords) < 3 {
			e.logger.Warn("ignoring malformed %s", store.KeyEndstopPosition)
		} else {
			var p motion.Position
			copy(p[:], coords)
			refPos = &p
		}
	}
	return offsets, refPos, nil
}

// Apply moves each actuator, one at a time in isolation, by its offset
// plus configured adjustment. CALIBRATE uses the last measured offsets,
// RESUME the persisted ones followed by a Z frame reset to the stored
// reference position when there is one.
func (e *Engine) Apply(actuators []config.Actuator, mode Mode) error {
	base := e.last
	var refPos *motion.Position
	if mode == ModeResume {
		var err error
		if base, refPos, err = e.LoadPersisted(actuators); err != nil {
			return err
		}
	}

	err := e.isolated(actuators, func() error {
		for _, a := range actuators {
			offset := base[a.Name] + a.Adjust
			if offset == 0 {
				continue
			}
			if err := motion.Isolate(e.port, names(actuators), a.Name); err != nil {
				return perrors.MovementError(a.Name, err)
			}
			if err := e.port.Dwell(0.1); err != nil {
				return perrors.MovementError(a.Name, err)
			}
			if err := e.port.WaitIdle(); err != nil {
				return perrors.MovementError(a.Name, err)
			}
			pos, err := e.port.CurrentPosition()
			if err != nil {
				return perrors.MovementError(a.Name, err)
			}
			e.logger.WithFields(log.Fields{"offset": base[a.Name], "adjust": a.Adjust}).
				Debug(fmt.Sprintf("moving %s by %.3f", a.Name, offset))
			if err := e.port.MoveTo(pos.WithZ(pos[motion.Z]+offset), e.cfg.SlowSpeed); err != nil {
				return perrors.MovementError(a.Name, err)
			}
			if err := e.port.WaitIdle(); err != nil {
				return perrors.MovementError(a.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if refPos != nil {
		pos, err := e.port.CurrentPosition()
		if err != nil {
			return perrors.MovementError("", err)
		}
		z := refPos[motion.Z] + e.cfg.ZHeightOffset
		if err := e.port.SetKinematicPosition(pos.WithZ(z)); err != nil {
			return perrors.MovementError("", errors.Join(fmt.Errorf("set kinematic Z=%.3f", z), err))
		}
		e.logger.Info("Z frame reset to %.3f", z)
	}
	return nil
}
