// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"klipper-plr/pkg/api"
	"klipper-plr/pkg/config"
	"klipper-plr/pkg/log"
	"klipper-plr/pkg/metrics"
	"klipper-plr/pkg/moonraker"
	"klipper-plr/pkg/reactor"
	"klipper-plr/pkg/recovery"
	"klipper-plr/pkg/store"
	"klipper-plr/pkg/zhome"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "follow the printer and keep the resume point current",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "moonraker", Usage: "moonraker websocket url, overrides moonraker_url"},
			&cli.StringFlag{Name: "listen", Usage: "api listen address, overrides listen"},
			&cli.BoolFlag{Name: "sim", Usage: "drive Z homing against the simulated rig"},
		},
		Action: runDaemon,
	}
}

func runDaemon(c *cli.Context) error {
	dc, settings, err := loadConfig(c)
	if err != nil {
		return err
	}
	if u := c.String("moonraker"); u != "" {
		dc.MoonrakerURL = u
	}
	if l := c.String("listen"); l != "" {
		dc.Listen = l
	}
	closeLog, err := setupLogging(c, dc, settings)
	if err != nil {
		return err
	}
	defer closeLog()
	logger := log.GetLogger("main")
	logger.WithFields(log.Fields{
		"version":   version,
		"printer":   dc.PrinterConfig,
		"moonraker": dc.MoonrakerURL,
		"store":     settings.StoreBackend,
	}).Info("klipper-plr starting")

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(settings)
	if err != nil {
		return err
	}
	defer closeStore()

	mr := moonraker.New(moonraker.Config{
		URL:     dc.MoonrakerURL,
		Objects: moonraker.Objects(settings.PartCoolingFans...),
		Version: version,
	})
	if vs, ok := st.(*store.VariablesStore); ok {
		if err := vs.Watch(ctx); err != nil {
			logger.WithError(err).Warn("variables file watch unavailable")
		}
	}
	st = printerStore(st, mr)
	m := metrics.NewRecoveryMetrics()

	var homer *zhome.Homer
	if c.Bool("sim") {
		_, homer = newSimHomer(settings, st, mr, m)
		logger.Warn("Z homing runs against the simulated rig")
	}

	r := reactor.New()
	mgr, err := recovery.New(recovery.Options{
		Reactor:  r,
		Source:   mr,
		GCode:    mr,
		Store:    st,
		Settings: settings,
		Homer:    homer,
		Metrics:  m,
	})
	if err != nil {
		return err
	}
	mr.OnGCodeResponse(forwarder(ctx, mgr, mr))

	r.Run()
	defer func() {
		r.End()
		r.Wait()
	}()
	if _, err := r.Call(ctx, func(float64) (interface{}, error) {
		mgr.Start()
		return nil, nil
	}); err != nil {
		return err
	}

	if path := c.String("config"); path != "" {
		w, err := config.WatchDaemonConfig(ctx, path, func(err error) {
			logger.WithError(err).Warn("settings reload failed")
		})
		if err != nil {
			logger.WithError(err).Warn("settings watch unavailable")
		} else {
			w.OnChange(func(nc *config.DaemonConfig) {
				level := logLevel(c, nc, settings)
				log.Default().SetLevel(level)
				logger.Info("log level now %s", level)
			})
		}
	}

	mrDone := make(chan struct{})
	go func() {
		defer close(mrDone)
		mr.Run(ctx)
	}()

	apiCfg := api.Config{Addr: dc.Listen, Backend: mgr}
	if dc.Metrics {
		apiCfg.Metrics = m
		apiCfg.MetricsAuth = metrics.HandlerConfig{Ready: mr.Connected}
	}
	err = api.New(apiCfg).ListenAndServe(ctx)
	stop()
	<-mrDone
	if err != nil {
		return err
	}
	logger.Info("klipper-plr stopped")
	return nil
}

// printerStore saves variables through the printer, which owns the
// variables file and rewrites it whole on every save. Other backends
// are used directly.
func printerStore(st store.Store, gc store.ScriptRunner) store.Store {
	if vs, ok := st.(*store.VariablesStore); ok {
		return store.NewGCodeStore(vs, gc)
	}
	return st
}

// forwarder runs recovery commands forwarded through the console and
// echoes their report back to it.
func forwarder(ctx context.Context, mgr *recovery.Manager, mr *moonraker.Client) func(string) {
	logger := log.GetLogger("forward")
	return func(line string) {
		cmd, ok := moonraker.ParseForwarded(line)
		if !ok {
			return
		}
		// The read goroutine must stay free to deliver the replies the
		// command may wait for.
		go func() {
			out, err := mgr.Execute(ctx, cmd)
			if err != nil {
				logger.WithError(err).WithField("command", cmd).Warn("forwarded command failed")
				respond(mr, "error", err.Error())
				return
			}
			if out != "" {
				respond(mr, "echo", out)
			}
		}()
	}
}

func respond(mr *moonraker.Client, typ, text string) {
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		line = strings.ReplaceAll(line, `"`, "'")
		if err := mr.RunScript(fmt.Sprintf(`RESPOND TYPE=%s MSG="%s"`, typ, line)); err != nil {
			return
		}
	}
}
