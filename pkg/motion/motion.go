// Package motion defines the narrow motion interface the calibration
// engine drives. Planning and stepper control live behind it.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package motion

import (
	"errors"
	"fmt"
)

// Position is a toolhead position [x, y, z, e] in mm.
type Position [4]float64

// Axis indexes into Position.
const (
	X = 0
	Y = 1
	Z = 2
	E = 3
)

func (p Position) String() string {
	return fmt.Sprintf("X%.3f Y%.3f Z%.3f E%.3f", p[X], p[Y], p[Z], p[E])
}

// WithZ returns p with its Z coordinate replaced.
func (p Position) WithZ(z float64) Position {
	p[Z] = z
	return p
}

// ErrPrematureTrigger is returned by ProbeToward when the limit sensor
// is already tripped before motion begins.
var ErrPrematureTrigger = errors.New("endstop triggered prior to movement")

// ErrNoTrigger is returned when a probing move reaches its target
// without the sensor tripping.
var ErrNoTrigger = errors.New("no trigger after full movement")

// Port is the motion controller as seen by the calibration engine.
// Every call is synchronous: it returns once the controller accepted
// (and for WaitIdle and Dwell, finished) the request.
type Port interface {
	CurrentPosition() (Position, error)
	MoveTo(pos Position, speed float64) error
	WaitIdle() error
	Dwell(seconds float64) error

	// SetActuatorActive attaches or detaches one Z actuator from
	// motion. Detached actuators hold position while Z moves.
	SetActuatorActive(actuator string, active bool) error

	// ProbeToward moves toward target until sensor trips and returns
	// the toolhead position at the trigger.
	ProbeToward(sensor string, target Position, speed float64) (Position, error)

	// ActuatorPosition reads one actuator's own position in mm. The
	// reading is what the sampler averages for noise reduction.
	ActuatorPosition(actuator string) (float64, error)
}

// HomingPort adds the operations the full Z-home flow needs.
type HomingPort interface {
	Port

	// HomedAxes returns the homed axes, e.g. "xyz".
	HomedAxes() (string, error)

	// SetKinematicPosition redefines the current position without
	// moving.
	SetKinematicPosition(pos Position) error
}

// ActivateAll re-attaches every actuator, returning the first error
// after attempting all of them.
func ActivateAll(p Port, actuators []string) error {
	var first error
	for _, a := range actuators {
		if err := p.SetActuatorActive(a, true); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Isolate detaches every actuator except keep.
func Isolate(p Port, actuators []string, keep string) error {
	for _, a := range actuators {
		if err := p.SetActuatorActive(a, a == keep); err != nil {
			return err
		}
	}
	return nil
}
