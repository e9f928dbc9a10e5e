// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package recovery

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	perrors "klipper-plr/pkg/errors"
	"klipper-plr/pkg/gcode"
	"klipper-plr/pkg/rewrite"
	"klipper-plr/pkg/snapshot"
	"klipper-plr/pkg/store"
	"klipper-plr/pkg/zhome"
)

func (m *Manager) registerCommands() {
	c := m.commands
	c.Register("PLR_SAVE_PRINT_STATE", "Save the current printer state now", m.cmdSaveState)
	if m.cfg.SaveOnLayerChange {
		c.Register("PLR_SAVE_PRINT_STATE_WITH_LAYER", "Record a layer change and save", m.cmdSaveStateWithLayer)
	}
	c.Register("PLR_QUERY_SAVED_STATE", "Report recorder status and the saved state", m.cmdQuery)
	c.Register("PLR_RESET_PRINT_DATA", "Clear the saved state", m.cmdReset)
	c.Register("PLR_ENABLE", "Enable state saving", m.cmdEnable)
	c.Register("PLR_DISABLE", "Disable state saving", m.cmdDisable)
	c.Register("PLR_SAVE_MESH", "Remember the active bed mesh profile", m.cmdSaveMesh)
	c.Register("PLR_LOAD_MESH", "Load the remembered bed mesh profile", m.cmdLoadMesh)
	c.Register("PLR_TEST_APPLY_OFFSETS", "Apply stored Z offsets without probing", m.cmdTestApplyOffsets)
	c.Register("PLR_Z_HOME", "Home Z with every actuator; MODE=CALIBRATE|RESUME", m.cmdZHome)
	c.Register("PLR_RESUME_PRINT", "Rewrite the interrupted job and start it", m.cmdResumePrint)
}

func (m *Manager) runScript(script string) error {
	if m.gcode == nil {
		return perrors.CommandError(script, "no G-code runner available")
	}
	return m.gcode.RunScript(script)
}

func (m *Manager) cmdSaveState(*gcode.Command) (string, error) {
	if err := m.save(m.r.Monotonic()); err != nil {
		return "", err
	}
	return "Printer state saved", nil
}

func (m *Manager) cmdSaveStateWithLayer(cmd *gcode.Command) (string, error) {
	if _, ok := cmd.Args["LAYER"]; !ok {
		return "", perrors.CommandError(cmd.Name, "missing LAYER")
	}
	layer, err := cmd.GetInt("LAYER", 0)
	if err != nil {
		return "", err
	}
	var height *float64
	if _, ok := cmd.Args["LAYER_HEIGHT"]; ok {
		h, err := cmd.GetFloat("LAYER_HEIGHT", 0)
		if err != nil {
			return "", err
		}
		height = &h
	}
	m.LayerChanged(m.r.Monotonic(), layer, height)
	return "", nil
}

func enabledText(on bool) string {
	if on {
		return "Enabled"
	}
	return "Disabled"
}

func (m *Manager) cmdQuery(*gcode.Command) (string, error) {
	return m.query(), nil
}

func (m *Manager) query() string {
	layer, _ := m.recorder.Layer()
	lines := []string{
		"Power loss recovery status:",
		fmt.Sprintf("Active: %t", m.active),
		"Saving: " + enabledText(m.enabled),
		"Debug mode: " + enabledText(m.cfg.DebugMode),
	}
	if m.sched.TimeBased() {
		lines = append(lines, fmt.Sprintf("Time based saving: Enabled (%gs interval)", m.cfg.SaveInterval))
	} else {
		lines = append(lines, "Time based saving: Disabled")
	}
	if m.cfg.SaveOnLayerChange {
		lines = append(lines, fmt.Sprintf("Layer based saving: Enabled (current layer: %d)", layer))
	} else {
		lines = append(lines, "Layer based saving: Disabled")
	}
	lines = append(lines,
		fmt.Sprintf("History: %d of %d", m.history.Len(), m.history.Cap()),
		fmt.Sprintf("Save delay: %d snapshots", m.cfg.SaveDelay),
	)

	meta, err := m.loadSaved()
	switch {
	case err != nil:
		lines = append(lines, "", "Saved state unreadable: "+err.Error())
	case meta == nil:
		lines = append(lines, "", "No saved state")
	default:
		fp := meta.FileProgress
		lines = append(lines, "",
			"Saved state:",
			fmt.Sprintf("Collected at: %.2f", meta.CollectionTime),
			"File: "+meta.CurrentFile,
			fmt.Sprintf("Layer: %d", meta.Layer),
			fmt.Sprintf("Progress: %.2f%% (position %d of %d bytes)", fp.ProgressPct, fp.Position, fp.TotalSize),
			fmt.Sprintf("Position: X%.1f Y%.1f Z%.1f", meta.Position.X, meta.Position.Y, meta.Position.Z),
			fmt.Sprintf("Temperatures: hotend %.1fC, bed %.1fC", meta.HotendTemp, meta.BedTemp),
		)
		if meta.SaveID != "" {
			lines = append(lines, "Save id: "+meta.SaveID)
		}
	}
	return strings.Join(lines, "\n")
}

func (m *Manager) cmdReset(*gcode.Command) (string, error) {
	if err := m.reset(); err != nil {
		return "", err
	}
	return "All saved state data cleared", nil
}

func (m *Manager) cmdEnable(*gcode.Command) (string, error) {
	m.enabled = true
	m.logger.Info("state saving enabled")
	return "Power loss recovery enabled", nil
}

func (m *Manager) cmdDisable(*gcode.Command) (string, error) {
	m.enabled = false
	m.logger.Info("state saving disabled")
	return "Power loss recovery disabled", nil
}

func (m *Manager) cmdSaveMesh(cmd *gcode.Command) (string, error) {
	st, ok := m.src.ObjectStatus("bed_mesh", m.r.Monotonic())
	if !ok {
		return "", perrors.CommandError(cmd.Name, "bed_mesh not available")
	}
	name, _ := snapshot.String(st, "profile_name")
	if name == "" {
		return "", perrors.CommandError(cmd.Name, "no bed mesh profile currently active")
	}
	if err := m.store.Set(store.KeyMeshProfile, store.Quote(name)); err != nil {
		return "", err
	}
	return "Saved bed mesh profile: " + name, nil
}

func (m *Manager) cmdLoadMesh(cmd *gcode.Command) (string, error) {
	all, err := m.store.GetAll()
	if err != nil {
		return "", err
	}
	raw := all[store.KeyMeshProfile]
	name, err := store.Unquote(raw)
	if err != nil {
		name = strings.TrimSpace(raw)
	}
	if name == "" {
		return "", perrors.CommandError(cmd.Name, "no saved bed mesh profile found")
	}
	st, ok := m.src.ObjectStatus("bed_mesh", m.r.Monotonic())
	if !ok {
		return "", perrors.CommandError(cmd.Name, "bed_mesh not available")
	}
	if profiles, ok := st["profiles"].(map[string]interface{}); ok {
		if _, found := profiles[name]; !found {
			return "", perrors.CommandError(cmd.Name, fmt.Sprintf("profile '%s' not found in bed_mesh profiles", name))
		}
	}
	if err := m.runScript(fmt.Sprintf("BED_MESH_PROFILE LOAD='%s'", name)); err != nil {
		return "", err
	}
	return "Loaded bed mesh profile: " + name, nil
}

func (m *Manager) modeArg(cmd *gcode.Command) (zhome.Mode, error) {
	if m.homer == nil {
		return 0, perrors.CommandError(cmd.Name, "no motion port attached")
	}
	return zhome.ParseMode(cmd.Get("MODE", "CALIBRATE"))
}

func (m *Manager) formatOffsets(header string, offsets zhome.Offsets) string {
	lines := []string{header}
	for _, name := range m.cfg.ActuatorNames() {
		lines = append(lines, fmt.Sprintf("%s: %.3fmm", name, offsets[name]))
	}
	return strings.Join(lines, "\n")
}

func (m *Manager) cmdTestApplyOffsets(cmd *gcode.Command) (string, error) {
	mode, err := m.modeArg(cmd)
	if err != nil {
		return "", err
	}
	offsets, err := m.homer.ApplyStored(mode)
	if err != nil {
		return "", err
	}
	return m.formatOffsets(fmt.Sprintf("Applied stored Z offsets in %s mode:", mode), offsets), nil
}

func (m *Manager) cmdZHome(cmd *gcode.Command) (string, error) {
	mode, err := m.modeArg(cmd)
	if err != nil {
		return "", err
	}
	res, err := m.homer.Home(mode)
	m.metrics.HomingFinished(mode.String(), err)
	if err != nil {
		return "", perrors.Wrap(err, perrors.ErrCommand, "Z calibration failed").SetSection(cmd.Name)
	}
	if res.Halted {
		return fmt.Sprintf("Halted after initial probe at Z=%.3f", res.ReferenceZ), nil
	}

	if mode == zhome.ModeResume {
		meta, err := m.loadSaved()
		if err != nil {
			m.logger.WithError(err).Warn("saved state unreadable, fans and offsets not restored")
		} else if meta != nil {
			m.restoreFans(&meta.Snapshot)
			m.restoreOffsets(&meta.Snapshot)
		}
		m.resuming = false
	}
	return m.formatOffsets(fmt.Sprintf("Z home (%s mode) complete, offsets:", mode), res.Offsets), nil
}

// restoreFans replays the saved duty of each configured part cooling
// fan. Failures are logged and skipped.
func (m *Manager) restoreFans(s *snapshot.Snapshot) {
	extruder := s.ActiveExtruder
	if extruder == "" {
		extruder = m.extruder
	}
	for _, name := range m.cfg.PartCoolingFans {
		speed, ok := s.FanSpeeds[name]
		if !ok {
			continue
		}
		var script string
		if name == "fan" || name == extruder+"_fan" {
			script = fmt.Sprintf("M106 P0 S%d", int(speed*255+.5))
		} else {
			if _, ok := m.src.ObjectStatus(name, m.r.Monotonic()); !ok {
				m.logger.Debug("fan %s not found, skipping", name)
				continue
			}
			script = fmt.Sprintf("SET_FAN_SPEED FAN=%s SPEED=%s", name, store.EncodeFloat(speed))
		}
		if err := m.runScript(script); err != nil {
			m.logger.WithError(err).Warn("restoring " + name + " speed failed")
		}
	}
}

func (m *Manager) restoreOffsets(s *snapshot.Snapshot) {
	if s.XYZOffsets == nil {
		return
	}
	o := s.XYZOffsets
	script := fmt.Sprintf("SET_GCODE_OFFSET X=%s Y=%s Z=%s",
		store.EncodeFloat(o.X), store.EncodeFloat(o.Y), store.EncodeFloat(o.Z))
	if err := m.runScript(script); err != nil {
		m.logger.WithError(err).Warn("restoring G-code offsets failed")
	}
}

func (m *Manager) cmdResumePrint(cmd *gcode.Command) (string, error) {
	m.resuming = true
	fail := func(msg string) (string, error) {
		m.resuming = false
		return "", perrors.CommandError(cmd.Name, msg)
	}

	meta, err := m.loadSaved()
	if err != nil {
		return fail("saved state unreadable: " + err.Error())
	}
	if meta == nil {
		return fail("no valid saved state found")
	}
	if meta.CurrentFile == "" || meta.CurrentFile == "unknown" {
		return fail("no filename in saved state")
	}
	path := filepath.Join(m.cfg.GCodeDir, meta.CurrentFile)
	if _, err := os.Stat(path); err != nil {
		return fail("original job file not found: " + path)
	}

	rw := rewrite.New(rewrite.Options{
		RestartGCode: m.cfg.RestartGCode,
		FallbackZ:    meta.Position.Z,
	})
	res, err := rw.Rewrite(path, meta.FileProgress.Position)
	m.metrics.Rewritten(err)
	if err != nil {
		m.resuming = false
		return "", err
	}

	base := filepath.Base(res.Path)
	if err := m.runScript(fmt.Sprintf(`SDCARD_PRINT_FILE FILENAME="%s"`, base)); err != nil {
		m.resuming = false
		if uerr := res.Undo(); uerr != nil {
			m.logger.WithError(uerr).Error("rolling back resume file " + res.Path + " failed")
		}
		return "", perrors.Wrap(err, perrors.ErrCommand, "starting resumed print failed").SetSection(cmd.Name)
	}
	if err := res.Commit(); err != nil {
		m.logger.WithError(err).Warn("removing replaced resume file failed")
	}
	return strings.Join([]string{
		"Created and started resume file: " + base,
		fmt.Sprintf("Resume position: %d (%.1f%%)", meta.FileProgress.Position, meta.FileProgress.ProgressPct),
		fmt.Sprintf("Restored Z: %.3f", res.Stats.LayerZ),
	}, "\n"), nil
}
