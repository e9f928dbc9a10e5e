// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package snapshot

import (
	"encoding/json"
	"fmt"

	"klipper-plr/pkg/log"
)

// StatusSource returns printer object status as of eventtime.
// ObjectStatus reports false when the object is unavailable.
// ObjectsStatus reads several objects at one instant and leaves out the
// unavailable ones.
type StatusSource interface {
	ObjectStatus(name string, eventtime float64) (map[string]interface{}, bool)
	ObjectsStatus(names []string, eventtime float64) map[string]map[string]interface{}
}

// Extruders are the extruder objects a snapshot may read from.
var Extruders = []string{"extruder", "extruder1"}

// Number reads a numeric status field.
func Number(m map[string]interface{}, key string) (float64, bool) {
	return toFloat(m[key])
}

func toFloat(x interface{}) (float64, bool) {
	switch v := x.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// String reads a string status field.
func String(m map[string]interface{}, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

// Floats reads a numeric list status field such as a position.
func Floats(m map[string]interface{}, key string) ([]float64, bool) {
	switch v := m[key].(type) {
	case []float64:
		return v, true
	case []interface{}:
		out := make([]float64, 0, len(v))
		for i := range v {
			f, ok := toFloat(v[i])
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	}
	return nil, false
}

// Recorder builds snapshots from printer object status.
type Recorder struct {
	src    StatusSource
	fans   []string
	logger *log.Logger

	layer       int
	layerHeight float64
}

// NewRecorder returns a recorder sampling the given part cooling fans.
func NewRecorder(src StatusSource, fans []string) *Recorder {
	return &Recorder{src: src, fans: fans, logger: log.GetLogger("snapshot")}
}

// SetLayer records the current layer reported by the slicer.
func (r *Recorder) SetLayer(layer int, height float64) {
	r.layer = layer
	r.layerHeight = height
}

// SetLayerNumber updates the layer without touching the height.
func (r *Recorder) SetLayerNumber(layer int) { r.layer = layer }

// Layer returns the last recorded layer and layer height.
func (r *Recorder) Layer() (int, float64) { return r.layer, r.layerHeight }

// Reset clears layer tracking.
func (r *Recorder) Reset() {
	r.layer = 0
	r.layerHeight = 0
}

func (r *Recorder) objects() []string {
	names := []string{"print_stats", "virtual_sdcard", "toolhead", "heater_bed", "gcode_move"}
	names = append(names, Extruders...)
	return append(names, r.fans...)
}

func required(all map[string]map[string]interface{}, name string) (map[string]interface{}, error) {
	st, ok := all[name]
	if !ok {
		return nil, fmt.Errorf("%s status unavailable", name)
	}
	return st, nil
}

// Collect reads every status object at eventtime and returns a rounded
// snapshot, or nil when a required object is unavailable. The result
// is not validated.
func (r *Recorder) Collect(eventtime float64) *Snapshot {
	s, err := r.collect(eventtime)
	if err != nil {
		r.logger.Debug("skipping snapshot: %v", err)
		return nil
	}
	return s
}

func (r *Recorder) collect(eventtime float64) (*Snapshot, error) {
	all := r.src.ObjectsStatus(r.objects(), eventtime)
	printStats, err := required(all, "print_stats")
	if err != nil {
		return nil, err
	}
	sdcard, err := required(all, "virtual_sdcard")
	if err != nil {
		return nil, err
	}
	toolhead, err := required(all, "toolhead")
	if err != nil {
		return nil, err
	}
	extruderName, ok := String(toolhead, "extruder")
	if !ok || extruderName == "" {
		extruderName = "extruder"
	}
	extruder, err := required(all, extruderName)
	if err != nil {
		return nil, err
	}

	s := &Snapshot{
		Layer:          r.layer,
		LayerHeight:    Round(r.layerHeight, 3),
		ActiveExtruder: extruderName,
		SaveTime:       eventtime,
		CollectionTime: eventtime,
	}

	s.CurrentFile, ok = String(printStats, "filename")
	if !ok || s.CurrentFile == "" {
		s.CurrentFile = "unknown"
	}
	pos, _ := Number(sdcard, "file_position")
	size, _ := Number(sdcard, "file_size")
	s.FileProgress = FileProgress{
		Position:    int64(pos),
		TotalSize:   int64(size),
		ProgressPct: Round(Percent(int64(pos), int64(size)), 2),
	}

	if p, ok := Floats(toolhead, "position"); ok && len(p) >= 3 {
		s.Position = XYZ{X: Round(p[0], 3), Y: Round(p[1], 3), Z: Round(p[2], 3)}
	} else {
		return nil, fmt.Errorf("toolhead position unavailable")
	}

	temp, _ := Number(extruder, "temperature")
	s.HotendTemp = Round(temp, 1)
	if bed, ok := all["heater_bed"]; ok {
		temp, _ := Number(bed, "temperature")
		s.BedTemp = Round(temp, 1)
	}

	off := &XYZ{}
	if gm, ok := all["gcode_move"]; ok {
		origin, ok1 := Floats(gm, "homing_origin")
		offset, ok2 := Floats(gm, "position_offset")
		if ok1 && ok2 && len(origin) >= 3 && len(offset) >= 3 {
			off = &XYZ{
				X: Round(origin[0]+offset[0], 3),
				Y: Round(origin[1]+offset[1], 3),
				Z: Round(origin[2]+offset[2], 3),
			}
		}
	}
	s.XYZOffsets = off

	s.FanSpeeds = make(map[string]float64, len(r.fans))
	for _, name := range r.fans {
		st, ok := all[name]
		if !ok {
			r.logger.Debug("fan %s status unavailable", name)
			continue
		}
		speed, _ := Number(st, "speed")
		s.FanSpeeds[name] = Round(speed, 3)
	}
	return s, nil
}

// CollectMCUStatus reads the controller move queue status, zero when
// unavailable.
func CollectMCUStatus(src StatusSource, eventtime float64) MCUStatus {
	st, ok := src.ObjectStatus("mcu", eventtime)
	if !ok {
		return MCUStatus{}
	}
	pending, _ := Number(st, "moves_pending")
	minT, _ := Number(st, "min_move_time")
	maxT, _ := Number(st, "max_move_time")
	return MCUStatus{MovesPending: int(pending), MinMoveTime: minT, MaxMoveTime: maxT}
}

// ControllerLag estimates how far the planned print time runs ahead of
// the controller, from toolhead print_time and estimated_print_time.
func ControllerLag(src StatusSource, eventtime float64) (float64, bool) {
	st, ok := src.ObjectStatus("toolhead", eventtime)
	if !ok {
		return 0, false
	}
	printTime, ok1 := Number(st, "print_time")
	est, ok2 := Number(st, "estimated_print_time")
	if !ok1 || !ok2 {
		return 0, false
	}
	return printTime - est, true
}

// StaticSource is a StatusSource backed by fixed maps.
type StaticSource map[string]map[string]interface{}

// ObjectStatus implements StatusSource.
func (s StaticSource) ObjectStatus(name string, _ float64) (map[string]interface{}, bool) {
	st, ok := s[name]
	return st, ok
}

// ObjectsStatus implements StatusSource.
func (s StaticSource) ObjectsStatus(names []string, _ float64) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(names))
	for _, name := range names {
		if st, ok := s[name]; ok {
			out[name] = st
		}
	}
	return out
}
