// Power loss recovery settings
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"os"
	"path/filepath"
	"strings"

	perrors "klipper-plr/pkg/errors"
)

// SectionName is the printer.cfg section holding the recovery settings.
const SectionName = "power_loss_recovery"

// Store backends accepted by store_backend.
const (
	BackendVariables = "variables"
	BackendSQLite    = "sqlite"
)

// Actuator is one independently driven Z point.
type Actuator struct {
	Name   string  // stepper name, e.g. "stepper_z1"
	Sensor string  // limit sensor pin name
	Adjust float64 // static correction added at motion time only
}

// Settings is the validated [power_loss_recovery] section.
type Settings struct {
	SaveInterval      float64
	SaveOnLayerChange bool
	VariablesFile     string
	StoreBackend      string
	DebugMode         bool
	PartCoolingFans   []string
	HistorySize       int
	SaveDelay         int
	GCodeDir          string

	RestartGCode         []string
	BeforeResumeGCode    []string
	AfterResumeGCode     []string
	BeforeCalibrateGCode []string
	AfterCalibrateGCode  []string

	ZPosition             float64
	FastMoveSpeed         float64
	SlowHomingSpeed       float64
	RetractDist           float64
	MaxAdjustment         float64
	FastTravelUptoZHeight float64
	FastTravelSpeed       float64
	ZHeightOffset         float64
	HaltAfterInitialProbe bool

	ProbeIterationCount int
	SampleSize          int
	SampleRetractDist   float64
	SamplesRetryCount   int
	ProbeSamplesRange   float64
	SettleTolerance     float64

	// Actuators lists stepper_z first; it is the calibration reference.
	Actuators []Actuator
}

func intp(v int) *int             { return &v }
func floatp(v float64) *float64   { return &v }
func above(v float64) FloatBounds { return FloatBounds{Above: floatp(v)} }

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// settingsReader accumulates the first error so the loader reads as a
// flat list of options.
type settingsReader struct {
	sec *Section
	err error
}

func (r *settingsReader) getFloat(option string, def float64, b FloatBounds) float64 {
	if r.err != nil {
		return def
	}
	v, err := r.sec.GetFloatWithBounds(option, b, def)
	r.err = err
	return v
}

func (r *settingsReader) getInt(option string, def int, minVal, maxVal *int) int {
	if r.err != nil {
		return def
	}
	v, err := r.sec.GetIntWithBounds(option, minVal, maxVal, def)
	r.err = err
	return v
}

func (r *settingsReader) getBool(option string, def bool) bool {
	if r.err != nil {
		return def
	}
	v, err := r.sec.GetBool(option, def)
	r.err = err
	return v
}

func (r *settingsReader) getStr(option, def string) string {
	v, _ := r.sec.Get(option, def)
	return strings.TrimSpace(v)
}

// LoadSettings reads and validates the recovery section of cfg.
func LoadSettings(cfg *Config) (*Settings, error) {
	sec, err := cfg.GetSection(SectionName)
	if err != nil {
		return nil, err
	}
	r := &settingsReader{sec: sec}
	s := &Settings{}

	s.SaveInterval = r.getFloat("save_interval", 30, FloatBounds{MinVal: floatp(0), MaxVal: floatp(300)})
	s.SaveOnLayerChange = r.getBool("save_on_layer", true)
	s.VariablesFile = ExpandHome(r.getStr("variables_file", "~/printer_state_vars.cfg"))
	s.DebugMode = r.getBool("debug_mode", false)
	s.HistorySize = r.getInt("history_size", 5, intp(2), intp(20))
	s.SaveDelay = r.getInt("save_delay", 2, intp(0), intp(s.HistorySize-1))
	s.ProbeIterationCount = r.getInt("probe_iteration_count", 0, intp(0), intp(10))
	if r.err != nil {
		return nil, r.err
	}
	if s.StoreBackend, err = sec.GetChoice("store_backend", []string{BackendVariables, BackendSQLite}, BackendVariables); err != nil {
		return nil, err
	}
	if s.PartCoolingFans, err = sec.GetList("part_cooling_fans", ",", nil); err != nil {
		return nil, err
	}

	s.RestartGCode = sec.GetLines("restart_gcode")
	s.BeforeResumeGCode = sec.GetLines("before_resume_gcode")
	s.AfterResumeGCode = sec.GetLines("after_resume_gcode")
	s.BeforeCalibrateGCode = sec.GetLines("before_calibrate_gcode")
	s.AfterCalibrateGCode = sec.GetLines("after_calibrate_gcode")

	s.ZPosition = r.getFloat("z_position", 0, FloatBounds{})
	s.FastMoveSpeed = r.getFloat("fast_move_speed", 10, above(0))
	s.SlowHomingSpeed = r.getFloat("slow_homing_speed", 2, above(0))
	s.RetractDist = r.getFloat("retract_dist", 2, above(0))
	s.MaxAdjustment = r.getFloat("max_adjustment", 5, above(0))
	s.FastTravelUptoZHeight = r.getFloat("fast_travel_upto_z_height", 0, FloatBounds{MinVal: floatp(0)})
	s.FastTravelSpeed = r.getFloat("fast_travel_speed", 50, above(0))
	s.ZHeightOffset = r.getFloat("z_height_offset", 0, FloatBounds{})
	s.HaltAfterInitialProbe = r.getBool("halt_after_initial_probe", false)

	s.SampleSize = r.getInt("sample_size", 3, intp(1), nil)
	s.SampleRetractDist = r.getFloat("sample_retract_dist", 2, above(0))
	s.SamplesRetryCount = r.getInt("samples_retry_count", 5, intp(0), nil)
	s.ProbeSamplesRange = r.getFloat("probe_samples_range", 0.5, above(0))
	s.SettleTolerance = r.getFloat("settle_tolerance", 1, above(0))
	if r.err != nil {
		return nil, r.err
	}

	if s.Actuators, err = loadActuators(sec); err != nil {
		return nil, err
	}

	s.GCodeDir = ExpandHome("~/printer_data/gcodes")
	if sd := cfg.GetSectionOptional("virtual_sdcard"); sd != nil {
		if p, _ := sd.Get("path", ""); p != "" {
			s.GCodeDir = ExpandHome(p)
		}
	}
	return s, nil
}

// loadActuators collects pin_stepper_z, pin_stepper_z1.. in order. Every
// actuator needs a pin; stepper_z is required and becomes the reference.
func loadActuators(sec *Section) ([]Actuator, error) {
	names := []string{"stepper_z"}
	for _, opt := range sec.GetPrefixOptions("pin_stepper_z") {
		name := strings.TrimPrefix(opt, "pin_")
		if name != "stepper_z" {
			names = append(names, name)
		}
	}
	actuators := make([]Actuator, 0, len(names))
	for _, name := range names {
		pin, err := sec.GetPin("pin_" + name)
		if err != nil {
			return nil, err
		}
		adjust, err := sec.GetFloat(name+"_adjust_offset", 0)
		if err != nil {
			return nil, err
		}
		actuators = append(actuators, Actuator{Name: name, Sensor: pin.FullName(), Adjust: adjust})
	}
	if len(actuators) < 2 {
		return nil, perrors.ConfigValidationError(SectionName, "pin_stepper_z1", "at least two Z actuators are required")
	}
	return actuators, nil
}

// ActuatorNames returns the configured actuator names in order.
func (s *Settings) ActuatorNames() []string {
	names := make([]string, len(s.Actuators))
	for i, a := range s.Actuators {
		names[i] = a.Name
	}
	return names
}
