// klipper-plr is the power loss recovery companion for a Klipper
// printer. It follows the printer through Moonraker, keeps the resume
// point of the running job on disk and brings an interrupted job back.
//
// Usage:
//
//	klipper-plr [--config plr.toml] run
//	klipper-plr query
//	klipper-plr reset
//	klipper-plr rewrite [--offset N] FILE
//	klipper-plr restore FILE
//	klipper-plr calibrate --sim
//	klipper-plr version
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"klipper-plr/pkg/config"
	perrors "klipper-plr/pkg/errors"
	"klipper-plr/pkg/log"
	"klipper-plr/pkg/store"
)

var version = "dev"

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:    "klipper-plr",
		Usage:   "power loss recovery for Klipper printers",
		Version: version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "daemon settings file (plr.toml)",
				EnvVars: []string{"PLR_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "printer-config",
				Usage:   "printer.cfg holding [power_loss_recovery], overrides printer_config",
				EnvVars: []string{"PLR_PRINTER_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "DEBUG, INFO, WARN or ERROR, overrides the settings file",
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			queryCommand(),
			resetCommand(),
			rewriteCommand(),
			restoreCommand(),
			calibrateCommand(),
			{
				Name:  "version",
				Usage: "print the version",
				Action: func(c *cli.Context) error {
					fmt.Fprintln(c.App.Writer, "klipper-plr", version)
					return nil
				},
			},
		},
	}
}

// loadConfig reads the daemon file and the printer recovery section.
func loadConfig(c *cli.Context) (*config.DaemonConfig, *config.Settings, error) {
	dc, err := config.LoadDaemonConfig(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if p := c.String("printer-config"); p != "" {
		dc.PrinterConfig = config.ExpandHome(p)
	}
	pc, err := config.Load(dc.PrinterConfig)
	if err != nil {
		return nil, nil, err
	}
	settings, err := config.LoadSettings(pc)
	if err != nil {
		return nil, nil, err
	}
	return dc, settings, nil
}

// setupLogging configures the root logger. debug_mode wins over the
// configured level.
func setupLogging(c *cli.Context, dc *config.DaemonConfig, settings *config.Settings) (func(), error) {
	root := log.Default()
	root.SetLevel(logLevel(c, dc, settings))
	root.SetFormat(log.ParseFormat(dc.Log.Format))
	if dc.Log.File == "" {
		return func() {}, nil
	}
	w, err := log.AttachFile(root, log.RotationConfig{
		Filename:   dc.Log.File,
		MaxSize:    dc.Log.MaxSizeMB,
		MaxBackups: dc.Log.MaxBackups,
	})
	if err != nil {
		return nil, perrors.Wrap(err, perrors.ErrRuntimeInit, "open log file")
	}
	return func() { w.Close() }, nil
}

func logLevel(c *cli.Context, dc *config.DaemonConfig, settings *config.Settings) log.LogLevel {
	switch {
	case settings != nil && settings.DebugMode:
		return log.DEBUG
	case c.String("log-level") != "":
		return log.ParseLevel(c.String("log-level"))
	default:
		return log.ParseLevel(dc.Log.Level)
	}
}

// sqlitePath places the database next to the variables file.
func sqlitePath(variablesFile string) string {
	return strings.TrimSuffix(variablesFile, filepath.Ext(variablesFile)) + ".db"
}

// openStore opens the configured backend. The returned func closes it.
func openStore(settings *config.Settings) (store.Store, func(), error) {
	switch settings.StoreBackend {
	case config.BackendSQLite:
		s, err := store.OpenSQLite(sqlitePath(settings.VariablesFile))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		s, err := store.OpenVariables(settings.VariablesFile)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
}
