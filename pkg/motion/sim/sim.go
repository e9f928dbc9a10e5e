// Package sim is a simulated multi-Z rig implementing motion.HomingPort.
//
// Each actuator has its own physical height and a limit sensor above
// it that trips once the actuator reaches its trigger height. Moving Z
// moves every attached actuator by the same amount.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package sim

import (
	"fmt"
	"sync"

	"klipper-plr/pkg/motion"
)

// Actuator describes one simulated Z drive.
type Actuator struct {
	Name    string
	Sensor  string
	Trigger float64 // height at which Sensor trips
	Start   float64 // initial height
}

type actuator struct {
	Actuator
	pos    float64
	active bool
	reads  int
}

// Move records one commanded move.
type Move struct {
	Target motion.Position
	Speed  float64
	Probe  string // sensor name for probing moves
}

// Rig is the simulated machine.
type Rig struct {
	mu        sync.Mutex
	pos       motion.Position
	actuators []*actuator
	bySensor  map[string]*actuator
	byName    map[string]*actuator

	// Homed is reported by HomedAxes.
	Homed string
	// Jitter is added to successive trigger heights of a sensor, one
	// entry per probing move, then zero.
	Jitter map[string][]float64
	// Premature makes the next N probes of a sensor fail as already
	// triggered.
	Premature map[string]int
	// Drift is added cumulatively to every ActuatorPosition read.
	Drift map[string]float64
	// FailMoves makes MoveTo fail once it has been called this many
	// times; zero disables.
	FailMoves int

	Moves     []Move
	DwellTime float64
	moveCalls int
}

// New builds a rig with all actuators attached at their start height
// and the toolhead at z.
func New(z float64, actuators ...Actuator) *Rig {
	r := &Rig{
		bySensor:  make(map[string]*actuator),
		byName:    make(map[string]*actuator),
		Homed:     "xyz",
		Jitter:    make(map[string][]float64),
		Premature: make(map[string]int),
		Drift:     make(map[string]float64),
	}
	r.pos[motion.Z] = z
	for _, a := range actuators {
		st := &actuator{Actuator: a, pos: a.Start, active: true}
		r.actuators = append(r.actuators, st)
		r.bySensor[a.Sensor] = st
		r.byName[a.Name] = st
	}
	return r
}

// Height returns an actuator's physical height.
func (r *Rig) Height(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[name].pos
}

// Active reports whether an actuator is attached.
func (r *Rig) Active(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[name].active
}

func (r *Rig) CurrentPosition() (motion.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos, nil
}

func (r *Rig) shift(dz float64) {
	for _, a := range r.actuators {
		if a.active {
			a.pos += dz
		}
	}
	r.pos[motion.Z] += dz
}

func (r *Rig) MoveTo(pos motion.Position, speed float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moveCalls++
	if r.FailMoves > 0 && r.moveCalls >= r.FailMoves {
		return fmt.Errorf("move rejected")
	}
	if speed <= 0 {
		return fmt.Errorf("invalid speed %v", speed)
	}
	r.Moves = append(r.Moves, Move{Target: pos, Speed: speed})
	r.shift(pos[motion.Z] - r.pos[motion.Z])
	r.pos = pos
	return nil
}

func (r *Rig) WaitIdle() error { return nil }

func (r *Rig) Dwell(seconds float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.DwellTime += seconds
	return nil
}

func (r *Rig) SetActuatorActive(name string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("unknown actuator %s", name)
	}
	a.active = active
	return nil
}

// ProbeToward moves Z up toward target until sensor's actuator reaches
// its trigger height.
func (r *Rig) ProbeToward(sensor string, target motion.Position, speed float64) (motion.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.bySensor[sensor]
	if !ok {
		return r.pos, fmt.Errorf("unknown sensor %s", sensor)
	}
	r.Moves = append(r.Moves, Move{Target: target, Speed: speed, Probe: sensor})
	if n := r.Premature[sensor]; n > 0 {
		r.Premature[sensor] = n - 1
		return r.pos, motion.ErrPrematureTrigger
	}
	trigger := a.Trigger
	if j := r.Jitter[sensor]; len(j) > 0 {
		trigger += j[0]
		r.Jitter[sensor] = j[1:]
	}
	if a.pos >= trigger {
		return r.pos, motion.ErrPrematureTrigger
	}
	dz := trigger - a.pos
	if !a.active || r.pos[motion.Z]+dz > target[motion.Z] {
		r.shift(target[motion.Z] - r.pos[motion.Z])
		return r.pos, motion.ErrNoTrigger
	}
	r.shift(dz)
	return r.pos, nil
}

func (r *Rig) ActuatorPosition(name string) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byName[name]
	if !ok {
		return 0, fmt.Errorf("unknown actuator %s", name)
	}
	a.reads++
	return a.pos + float64(a.reads)*r.Drift[name], nil
}

func (r *Rig) HomedAxes() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Homed, nil
}

func (r *Rig) SetKinematicPosition(pos motion.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pos = pos
	return nil
}
