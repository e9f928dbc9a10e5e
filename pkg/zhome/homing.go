// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package zhome

import (
	"fmt"
	"math"
	"strings"

	"klipper-plr/pkg/config"
	perrors "klipper-plr/pkg/errors"
	"klipper-plr/pkg/log"
	"klipper-plr/pkg/motion"
)

// GCodeRunner executes a G-code script, one command per line.
type GCodeRunner interface {
	RunScript(script string) error
}

// Result describes one completed Z-home run.
type Result struct {
	Mode       Mode
	Offsets    Offsets
	Halted     bool // stopped after the initial probe
	ReferenceZ float64
}

// Homer runs the full multi-Z home: initial probe, per-actuator
// measurement, return to the reference height, final probe and offset
// application.
type Homer struct {
	port      motion.HomingPort
	engine    *Engine
	collector *Collector
	gcode     GCodeRunner
	settings  *config.Settings
	logger    *log.Logger
}

// SampleSettingsFrom derives probing settings from the recovery
// settings.
func SampleSettingsFrom(s *config.Settings) SampleSettings {
	return SampleSettings{
		ProbeTarget:       s.ZPosition,
		FastSpeed:         s.FastMoveSpeed,
		SlowSpeed:         s.SlowHomingSpeed,
		SampleRetractDist: s.SampleRetractDist,
		SampleCount:       s.SampleSize,
		RetryCount:        s.SamplesRetryCount,
		SamplesRange:      s.ProbeSamplesRange,
		SettleTolerance:   s.SettleTolerance,
		Debug:             s.DebugMode,
	}
}

// EngineSettingsFrom derives offset engine settings from the recovery
// settings.
func EngineSettingsFrom(s *config.Settings) EngineSettings {
	return EngineSettings{
		RetractDist:    s.RetractDist,
		FastSpeed:      s.FastMoveSpeed,
		SlowSpeed:      s.SlowHomingSpeed,
		IterationCount: s.ProbeIterationCount,
		MaxAdjustment:  s.MaxAdjustment,
		ZHeightOffset:  s.ZHeightOffset,
	}
}

// NewHomer wires a Homer and its engine. gcode may be nil when no
// before/after scripts are configured.
func NewHomer(port motion.HomingPort, engine *Engine, gcode GCodeRunner, settings *config.Settings) *Homer {
	return &Homer{
		port:      port,
		engine:    engine,
		collector: engine.collector,
		gcode:     gcode,
		settings:  settings,
		logger:    log.GetLogger("zhome"),
	}
}

// Engine returns the offset engine the homer drives.
func (h *Homer) Engine() *Engine { return h.engine }

func (h *Homer) runScript(name string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	if h.gcode == nil {
		return perrors.CommandError(name, "no G-code runner available")
	}
	if err := h.gcode.RunScript(strings.Join(lines, "\n")); err != nil {
		return perrors.Wrap(err, perrors.ErrCommand, name+" failed")
	}
	return nil
}

func (h *Homer) moveZ(z, speed float64) error {
	pos, err := h.port.CurrentPosition()
	if err != nil {
		return err
	}
	if err := h.port.MoveTo(pos.WithZ(z), speed); err != nil {
		return err
	}
	return h.port.WaitIdle()
}

func (h *Homer) requireHomed(command string) error {
	homed, err := h.port.HomedAxes()
	if err != nil {
		return perrors.MovementError("", err)
	}
	if !strings.Contains(strings.ToLower(homed), "z") {
		return perrors.CommandError(command, "must home Z axis first")
	}
	return nil
}

// ApplyStored applies the persisted offsets without probing and
// returns them. Z must be homed.
func (h *Homer) ApplyStored(mode Mode) (Offsets, error) {
	if err := h.requireHomed("PLR_TEST_APPLY_OFFSETS"); err != nil {
		return nil, err
	}
	offsets, _, err := h.engine.LoadPersisted(h.settings.Actuators)
	if err != nil {
		return nil, err
	}
	h.engine.last = offsets
	if err := h.engine.Apply(h.settings.Actuators, mode); err != nil {
		return nil, err
	}
	return offsets, nil
}

// Home runs the Z-home flow in the given mode. Z must already be homed.
func (h *Homer) Home(mode Mode) (*Result, error) {
	s := h.settings
	before, after := s.BeforeCalibrateGCode, s.AfterCalibrateGCode
	if mode == ModeResume {
		before, after = s.BeforeResumeGCode, s.AfterResumeGCode
	}
	if err := h.runScript("before_gcode", before); err != nil {
		return nil, err
	}

	if err := h.requireHomed("PLR_Z_HOME"); err != nil {
		return nil, err
	}

	h.logger.Info("Z home starting in %s mode", mode)
	if mode == ModeCalibrate {
		pos, err := h.port.CurrentPosition()
		if err != nil {
			return nil, perrors.MovementError("", err)
		}
		travel := math.Min(s.FastTravelUptoZHeight, s.ZPosition)
		if pos[motion.Z] < travel {
			if err := h.moveZ(travel, s.FastTravelSpeed); err != nil {
				return nil, perrors.MovementError("", err)
			}
		}
	}

	ref := s.Actuators[0]
	pos, err := h.port.CurrentPosition()
	if err != nil {
		return nil, perrors.MovementError("", err)
	}
	trigger, err := h.port.ProbeToward(ref.Sensor, pos.WithZ(s.ZPosition), s.FastMoveSpeed)
	if err != nil {
		return nil, perrors.MovementError(ref.Name, fmt.Errorf("initial probe: %w", err))
	}
	h.logger.Info("initial probe triggered at %s", trigger)
	if mode == ModeCalibrate {
		if err := h.engine.SaveReferencePosition(trigger); err != nil {
			return nil, err
		}
	}

	if err := h.moveZ(trigger[motion.Z]-s.RetractDist, s.FastMoveSpeed); err != nil {
		return nil, perrors.MovementError("", err)
	}
	referenceZ := trigger[motion.Z] - s.RetractDist
	result := &Result{Mode: mode, ReferenceZ: referenceZ}
	if s.HaltAfterInitialProbe {
		h.logger.Info("halting after initial probe")
		result.Halted = true
		return result, nil
	}

	var offsets Offsets
	if mode == ModeCalibrate {
		offsets, err = h.engine.Calibrate(s.Actuators, 0, referenceZ)
	} else {
		offsets, err = h.engine.Measure(s.Actuators, 0, referenceZ)
	}
	if err != nil {
		return nil, err
	}
	result.Offsets = offsets
	for _, a := range s.Actuators {
		h.logger.Info("%s offset %.4f", a.Name, offsets[a.Name])
	}

	if err := h.moveZ(referenceZ, s.SlowHomingSpeed); err != nil {
		return nil, perrors.MovementError("", err)
	}
	pos, err = h.port.CurrentPosition()
	if err != nil {
		return nil, perrors.MovementError("", err)
	}
	if _, err := h.port.ProbeToward(ref.Sensor, pos.WithZ(s.ZPosition), s.SlowHomingSpeed); err != nil {
		return nil, perrors.MovementError(ref.Name, fmt.Errorf("final probe: %w", err))
	}

	if err := h.engine.Apply(s.Actuators, mode); err != nil {
		return nil, err
	}

	if err := h.runScript("after_gcode", after); err != nil {
		h.logger.WithError(err).Warn("after G-code failed")
	}
	h.logger.Info("Z home complete")
	return result, nil
}
