// Package snapshot captures consistent machine state for power loss
// recovery and validates it before it may be kept or persisted.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package snapshot

import (
	"crypto/rand"
	"fmt"
	"math"
	"time"

	"github.com/oklog/ulid/v2"

	perrors "klipper-plr/pkg/errors"
)

// Temperature and progress limits.
const (
	AbsoluteZero = -273.15
	MaxHotend    = 500.0
	MaxBed       = 200.0
)

// XYZ is a coordinate triple.
type XYZ struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// FileProgress locates the print within its job file.
type FileProgress struct {
	Position    int64   `json:"position"`
	TotalSize   int64   `json:"total_size"`
	ProgressPct float64 `json:"progress_pct"`
}

// Snapshot is the machine state at one logical instant.
type Snapshot struct {
	Position       XYZ                `json:"position"`
	XYZOffsets     *XYZ               `json:"xyz_offsets,omitempty"`
	FanSpeeds      map[string]float64 `json:"fan_speeds,omitempty"`
	Layer          int                `json:"layer"`
	LayerHeight    float64            `json:"layer_height"`
	FileProgress   FileProgress       `json:"file_progress"`
	ActiveExtruder string             `json:"active_extruder,omitempty"`
	HotendTemp     float64            `json:"hotend_temp"`
	BedTemp        float64            `json:"bed_temp"`
	SaveTime       float64            `json:"save_time"`
	CollectionTime float64            `json:"collection_time"`
	CurrentFile    string             `json:"current_file"`
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	if s.XYZOffsets != nil {
		off := *s.XYZOffsets
		c.XYZOffsets = &off
	}
	if s.FanSpeeds != nil {
		c.FanSpeeds = make(map[string]float64, len(s.FanSpeeds))
		for k, v := range s.FanSpeeds {
			c.FanSpeeds[k] = v
		}
	}
	return &c
}

// MCUStatus describes the controller move queue at persist time.
type MCUStatus struct {
	MovesPending int     `json:"moves_pending"`
	MinMoveTime  float64 `json:"min_move_time"`
	MaxMoveTime  float64 `json:"max_move_time"`
}

// ResumeMetadata is the snapshot chosen for durability.
type ResumeMetadata struct {
	Snapshot
	MCUStatus MCUStatus `json:"mcu_status"`
	SaveID    string    `json:"save_id,omitempty"`
}

// NewResumeMetadata attaches controller status and a fresh save id to a
// copy of s.
func NewResumeMetadata(s *Snapshot, mcu MCUStatus, now time.Time) *ResumeMetadata {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return &ResumeMetadata{
		Snapshot:  *s.Clone(),
		MCUStatus: mcu,
		SaveID:    ulid.MustNew(ulid.Timestamp(now), entropy).String(),
	}
}

func finite(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return perrors.ValidationError(field, "not a finite number")
	}
	return nil
}

func within(field string, v, lo, hi float64) error {
	if err := finite(field, v); err != nil {
		return err
	}
	if v < lo || v > hi {
		return perrors.ValidationError(field, fmt.Sprintf("%g outside [%g, %g]", v, lo, hi))
	}
	return nil
}

// Validate checks every range invariant and returns the first
// violation.
func Validate(s *Snapshot) error {
	if s == nil {
		return perrors.ValidationError("snapshot", "missing")
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"position.x", s.Position.X},
		{"position.y", s.Position.Y},
		{"position.z", s.Position.Z},
		{"layer_height", s.LayerHeight},
		{"collection_time", s.CollectionTime},
		{"save_time", s.SaveTime},
	} {
		if err := finite(f.name, f.v); err != nil {
			return err
		}
	}
	if s.XYZOffsets != nil {
		for name, v := range map[string]float64{
			"xyz_offsets.x": s.XYZOffsets.X,
			"xyz_offsets.y": s.XYZOffsets.Y,
			"xyz_offsets.z": s.XYZOffsets.Z,
		} {
			if err := finite(name, v); err != nil {
				return err
			}
		}
	}
	if s.Layer < 0 {
		return perrors.ValidationError("layer", "cannot be negative")
	}
	if s.FileProgress.Position < 0 {
		return perrors.ValidationError("file_progress.position", "cannot be negative")
	}
	if s.FileProgress.TotalSize < 0 {
		return perrors.ValidationError("file_progress.total_size", "cannot be negative")
	}
	if err := within("file_progress.progress_pct", s.FileProgress.ProgressPct, 0, 100); err != nil {
		return err
	}
	if err := within("hotend_temp", s.HotendTemp, AbsoluteZero, MaxHotend); err != nil {
		return err
	}
	if err := within("bed_temp", s.BedTemp, AbsoluteZero, MaxBed); err != nil {
		return err
	}
	for name, v := range s.FanSpeeds {
		if err := within("fan_speeds."+name, v, 0, 1); err != nil {
			return err
		}
	}
	return nil
}

// Round rounds v to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// Percent returns position as a percentage of total, 0 for an empty
// file.
func Percent(position, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(position) / float64(total) * 100
}
