// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/urfave/cli/v2"

	"klipper-plr/pkg/config"
	perrors "klipper-plr/pkg/errors"
	"klipper-plr/pkg/metrics"
	"klipper-plr/pkg/motion/sim"
	"klipper-plr/pkg/reactor"
	"klipper-plr/pkg/recovery"
	"klipper-plr/pkg/rewrite"
	"klipper-plr/pkg/snapshot"
	"klipper-plr/pkg/store"
	"klipper-plr/pkg/zhome"
)

// offline runs fn against a manager backed by the configured store and
// no printer connection.
func offline(c *cli.Context, fn func(ctx context.Context, settings *config.Settings, st store.Store, mgr *recovery.Manager) error) error {
	dc, settings, err := loadConfig(c)
	if err != nil {
		return err
	}
	closeLog, err := setupLogging(c, dc, settings)
	if err != nil {
		return err
	}
	defer closeLog()
	st, closeStore, err := openStore(settings)
	if err != nil {
		return err
	}
	defer closeStore()

	r := reactor.New()
	mgr, err := recovery.New(recovery.Options{
		Reactor:  r,
		Source:   snapshot.StaticSource{},
		Store:    st,
		Settings: settings,
	})
	if err != nil {
		return err
	}
	r.Run()
	defer func() {
		r.End()
		r.Wait()
	}()
	return fn(c.Context, settings, st, mgr)
}

func commandAction(line string) cli.ActionFunc {
	return func(c *cli.Context) error {
		return offline(c, func(ctx context.Context, _ *config.Settings, _ store.Store, mgr *recovery.Manager) error {
			out, err := mgr.Execute(ctx, line)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, out)
			return nil
		})
	}
}

func queryCommand() *cli.Command {
	return &cli.Command{
		Name:   "query",
		Usage:  "show the saved resume point",
		Action: commandAction("PLR_QUERY_SAVED_STATE"),
	}
}

func resetCommand() *cli.Command {
	return &cli.Command{
		Name:   "reset",
		Usage:  "forget the saved resume point",
		Action: commandAction("PLR_RESET_PRINT_DATA"),
	}
}

func rewriteCommand() *cli.Command {
	return &cli.Command{
		Name:      "rewrite",
		Usage:     "rewrite a job file to resume at the saved (or given) byte offset",
		ArgsUsage: "[FILE]",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "offset", Usage: "resume byte offset, defaults to the saved position"},
			&cli.Float64Flag{Name: "fallback-z", Usage: "Z used when no layer change precedes the offset"},
		},
		Action: func(c *cli.Context) error {
			return offline(c, func(_ context.Context, settings *config.Settings, st store.Store, _ *recovery.Manager) error {
				path := c.Args().First()
				offset := c.Int64("offset")
				fallbackZ := c.Float64("fallback-z")
				if path == "" || !c.IsSet("offset") {
					all, err := st.GetAll()
					if err != nil {
						return err
					}
					meta, err := snapshot.DecodeMetadata(all[store.KeyResumeMeta])
					if err != nil {
						return err
					}
					if meta == nil {
						return perrors.CommandError("rewrite", "no saved state; pass FILE and --offset")
					}
					if path == "" {
						path = filepath.Join(settings.GCodeDir, meta.CurrentFile)
					}
					if !c.IsSet("offset") {
						offset = meta.FileProgress.Position
					}
					if !c.IsSet("fallback-z") {
						fallbackZ = meta.Position.Z
					}
				}
				res, err := rewrite.New(rewrite.Options{
					RestartGCode: settings.RestartGCode,
					FallbackZ:    fallbackZ,
				}).Rewrite(path, offset)
				if err != nil {
					return err
				}
				if err := res.Commit(); err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "Rewrote %s from byte %d, resuming at Z%.3f\nOriginal kept at %s\n",
					res.Path, offset, res.Stats.LayerZ, res.Backup)
				return nil
			})
		},
	}
}

func restoreCommand() *cli.Command {
	return &cli.Command{
		Name:      "restore",
		Usage:     "put a rewritten job file back to its original",
		ArgsUsage: "FILE",
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return perrors.CommandError("restore", "FILE is required")
			}
			restored, err := rewrite.RestoreOriginal(path)
			if err != nil {
				return err
			}
			if restored {
				fmt.Fprintf(c.App.Writer, "Restored %s\n", path)
			} else {
				fmt.Fprintf(c.App.Writer, "No backup for %s, nothing to do\n", path)
			}
			return nil
		},
	}
}

func calibrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "calibrate",
		Usage: "run the multi-Z calibration and store the offsets",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "sim", Usage: "calibrate the simulated rig"},
			&cli.Float64Flag{Name: "trigger-height", Value: 10, Usage: "simulated reference sensor height"},
			&cli.Float64Flag{Name: "spread", Value: 0.1, Usage: "simulated height step between actuators"},
		},
		Action: func(c *cli.Context) error {
			if !c.Bool("sim") {
				return perrors.CommandError("calibrate", "only --sim is available offline; run PLR_Z_HOME MODE=CALIBRATE on the printer")
			}
			return offline(c, func(_ context.Context, settings *config.Settings, st store.Store, _ *recovery.Manager) error {
				settings.ZPosition = simTravel(settings, c.Float64("trigger-height"), c.Float64("spread"))
				rig, homer := newSimHomer(settings, st, printRunner{c}, metrics.NewRecoveryMetrics(),
					simActuators(settings, c.Float64("trigger-height"), c.Float64("spread"))...)
				res, err := homer.Home(zhome.ModeCalibrate)
				if err != nil {
					return err
				}
				names := make([]string, 0, len(res.Offsets))
				for name := range res.Offsets {
					names = append(names, name)
				}
				sort.Strings(names)
				fmt.Fprintf(c.App.Writer, "Calibrated %d actuators (reference Z %.3f)\n", len(names), res.ReferenceZ)
				for _, name := range names {
					fmt.Fprintf(c.App.Writer, "%s: %.3fmm (height %.3f)\n", name, res.Offsets[name], rig.Height(name))
				}
				return nil
			})
		},
	}
}

// simActuators places each actuator's sensor spread apart above the
// reference, alternating sides.
func simActuators(settings *config.Settings, trigger, spread float64) []sim.Actuator {
	out := make([]sim.Actuator, len(settings.Actuators))
	for i, a := range settings.Actuators {
		step := float64((i+1)/2) * spread
		if i%2 == 0 {
			step = -step
		}
		out[i] = sim.Actuator{Name: a.Name, Sensor: a.Sensor, Trigger: trigger + step}
	}
	return out
}

// simTravel keeps the probing target above every simulated sensor.
func simTravel(settings *config.Settings, trigger, spread float64) float64 {
	need := trigger + float64(len(settings.Actuators))*spread + 2*settings.RetractDist + 5
	if settings.ZPosition > need {
		return settings.ZPosition
	}
	return need
}

// newSimHomer wires a Homer to a simulated rig. Without explicit
// actuators, every configured actuator triggers at 10mm.
func newSimHomer(settings *config.Settings, st store.Store, gc zhome.GCodeRunner, m *metrics.RecoveryMetrics, actuators ...sim.Actuator) (*sim.Rig, *zhome.Homer) {
	if len(actuators) == 0 {
		actuators = simActuators(settings, 10, 0)
		settings.ZPosition = simTravel(settings, 10, 0)
	}
	rig := sim.New(0, actuators...)
	collector := zhome.NewCollector(rig, zhome.SampleSettingsFrom(settings), m)
	engine := zhome.NewEngine(rig, collector, st, zhome.EngineSettingsFrom(settings))
	return rig, zhome.NewHomer(rig, engine, gc, settings)
}

// printRunner shows scripts instead of sending them to a printer.
type printRunner struct{ c *cli.Context }

func (p printRunner) RunScript(script string) error {
	fmt.Fprintf(p.c.App.Writer, "> %s\n", script)
	return nil
}
