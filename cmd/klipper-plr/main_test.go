package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-plr/pkg/config"
	perrors "klipper-plr/pkg/errors"
	"klipper-plr/pkg/rewrite"
	"klipper-plr/pkg/snapshot"
	"klipper-plr/pkg/store"
)

type env struct {
	dir     string
	printer string
	vars    string
	gcodes  string
}

func newEnv(t *testing.T, backend string) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		dir:     dir,
		printer: filepath.Join(dir, "printer.cfg"),
		vars:    filepath.Join(dir, "vars.cfg"),
		gcodes:  filepath.Join(dir, "gcodes"),
	}
	require.NoError(t, os.MkdirAll(e.gcodes, 0o755))
	cfg := fmt.Sprintf(`[virtual_sdcard]
path: %s

[power_loss_recovery]
variables_file: %s
store_backend: %s
restart_gcode:
    M104 S210
    G28 X Y
pin_stepper_z: PG10
pin_stepper_z1: PG11
pin_stepper_z2: PG12
`, e.gcodes, e.vars, backend)
	require.NoError(t, os.WriteFile(e.printer, []byte(cfg), 0o644))
	return e
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	argv := append([]string{"klipper-plr", "--printer-config", e.printer}, args...)
	err := newApp(&out).Run(argv)
	return out.String(), err
}

func (e *env) saveState(t *testing.T, file string, position int64, z float64) {
	t.Helper()
	st, err := store.OpenVariables(e.vars)
	require.NoError(t, err)
	meta := snapshot.NewResumeMetadata(&snapshot.Snapshot{
		Position:       snapshot.XYZ{X: 10, Y: 10, Z: z},
		Layer:          2,
		LayerHeight:    0.2,
		FileProgress:   snapshot.FileProgress{Position: position, TotalSize: 1000, ProgressPct: 10},
		HotendTemp:     210,
		BedTemp:        60,
		CollectionTime: 42,
		SaveTime:       42,
		CurrentFile:    file,
	}, snapshot.MCUStatus{}, time.Now())
	raw, err := snapshot.EncodeMetadata(meta)
	require.NoError(t, err)
	require.NoError(t, st.Set(store.KeyResumeMeta, raw))
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, newApp(&out).Run([]string{"klipper-plr", "version"}))
	assert.Equal(t, "klipper-plr dev\n", out.String())
}

func TestQueryAndReset(t *testing.T) {
	e := newEnv(t, config.BackendVariables)
	e.saveState(t, "part.gcode", 100, 0.4)

	out, err := e.run(t, "query")
	require.NoError(t, err)
	assert.Contains(t, out, "Saved state:")
	assert.Contains(t, out, "File: part.gcode")
	assert.Contains(t, out, "History: 0 of 5")

	_, err = e.run(t, "reset")
	require.NoError(t, err)

	out, err = e.run(t, "query")
	require.NoError(t, err)
	assert.Contains(t, out, "No saved state")
}

const testJob = "; sliced\n" +
	rewrite.SetupMarker + "\n" +
	"G28\n" +
	rewrite.BodyMarker + "\n" +
	";LAYER_CHANGE\n" +
	";Z:0.2\n" +
	"G1 X1 Y1 E1\n" +
	";LAYER_CHANGE\n" +
	";Z:0.4\n" +
	"G1 X2 Y2 E2\n" +
	"M84\n"

func TestRewriteFromSavedStateAndRestore(t *testing.T) {
	e := newEnv(t, config.BackendVariables)
	path := filepath.Join(e.gcodes, "part.gcode")
	require.NoError(t, os.WriteFile(path, []byte(testJob), 0o644))
	offset := int64(strings.Index(testJob, "G1 X2") + 1)
	e.saveState(t, "part.gcode", offset, 0.4)

	out, err := e.run(t, "rewrite")
	require.NoError(t, err)
	assert.Contains(t, out, "resuming at Z0.400")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "M104 S210\nG28 X Y\n"+rewrite.ZRestoreLine(0.4))
	assert.Contains(t, string(data), "G1 X2 Y2 E2")
	assert.NotContains(t, string(data), "G1 X1 Y1 E1")
	assert.FileExists(t, rewrite.BackupPath(path))

	out, err = e.run(t, "restore", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Restored")
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, testJob, string(data))

	out, err = e.run(t, "restore", path)
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to do")
}

func TestRewriteExplicitOffset(t *testing.T) {
	e := newEnv(t, config.BackendVariables)
	path := filepath.Join(e.dir, "other.gcode")
	require.NoError(t, os.WriteFile(path, []byte(testJob), 0o644))
	offset := strings.Index(testJob, "G1 X2") + 1

	_, err := e.run(t, "rewrite", "--offset", fmt.Sprint(offset), "--fallback-z", "3", path)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), rewrite.ZRestoreLine(0.4))
}

func TestRewriteWithoutSavedState(t *testing.T) {
	e := newEnv(t, config.BackendVariables)
	_, err := e.run(t, "rewrite")
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.ErrCommand))
}

func TestRestoreNeedsFile(t *testing.T) {
	e := newEnv(t, config.BackendVariables)
	_, err := e.run(t, "restore")
	assert.True(t, perrors.Is(err, perrors.ErrCommand))
}

func TestCalibrateSim(t *testing.T) {
	e := newEnv(t, config.BackendVariables)
	out, err := e.run(t, "calibrate", "--sim", "--spread", "0.2")
	require.NoError(t, err)
	assert.Contains(t, out, "Calibrated 3 actuators")
	assert.Contains(t, out, "stepper_z1: ")

	st, err := store.OpenVariables(e.vars)
	require.NoError(t, err)
	all, err := st.GetAll()
	require.NoError(t, err)
	for _, name := range []string{"stepper_z", "stepper_z1", "stepper_z2"} {
		assert.Contains(t, all, store.OffsetKey(name))
	}
	assert.Contains(t, all, store.KeyEndstopPosition)
}

func TestCalibrateRequiresSim(t *testing.T) {
	e := newEnv(t, config.BackendVariables)
	_, err := e.run(t, "calibrate")
	assert.True(t, perrors.Is(err, perrors.ErrCommand))
}

func TestSQLiteBackend(t *testing.T) {
	e := newEnv(t, config.BackendSQLite)
	_, err := e.run(t, "reset")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(e.dir, "vars.db"))

	out, err := e.run(t, "query")
	require.NoError(t, err)
	assert.Contains(t, out, "No saved state")
}

func TestSimActuators(t *testing.T) {
	settings := &config.Settings{Actuators: []config.Actuator{
		{Name: "stepper_z", Sensor: "a"},
		{Name: "stepper_z1", Sensor: "b"},
		{Name: "stepper_z2", Sensor: "c"},
	}}
	acts := simActuators(settings, 10, 0.5)
	require.Len(t, acts, 3)
	assert.Equal(t, 10.0, acts[0].Trigger)
	assert.Equal(t, 10.5, acts[1].Trigger)
	assert.Equal(t, 9.5, acts[2].Trigger)
	assert.Equal(t, "b", acts[1].Sensor)

	settings.RetractDist = 2
	assert.Equal(t, 10+1.5+4+5.0, simTravel(settings, 10, 0.5))
	settings.ZPosition = 100
	assert.Equal(t, 100.0, simTravel(settings, 10, 0.5))
}

func TestSqlitePath(t *testing.T) {
	assert.Equal(t, "/tmp/vars.db", sqlitePath("/tmp/vars.cfg"))
	assert.Equal(t, "/tmp/vars.db", sqlitePath("/tmp/vars"))
}

type nopRunner struct{}

func (nopRunner) RunScript(string) error { return nil }

func TestPrinterStore(t *testing.T) {
	vs, err := store.OpenVariables(filepath.Join(t.TempDir(), "vars.cfg"))
	require.NoError(t, err)
	assert.IsType(t, &store.GCodeStore{}, printerStore(vs, nopRunner{}))

	mem := store.NewMemory()
	assert.Same(t, mem, printerStore(mem, nopRunner{}))
}
