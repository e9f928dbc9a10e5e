// Daemon settings (plr.toml)
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	perrors "klipper-plr/pkg/errors"
)

// DaemonConfig configures the klipper-plr process itself, as opposed to
// the printer.cfg recovery section.
type DaemonConfig struct {
	PrinterConfig string `toml:"printer_config"`
	MoonrakerURL  string `toml:"moonraker_url"`
	Listen        string `toml:"listen"`
	Metrics       bool   `toml:"metrics"`

	Log struct {
		Level      string `toml:"level"`
		Format     string `toml:"format"`
		File       string `toml:"file"`
		MaxSizeMB  int    `toml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups"`
	} `toml:"log"`
}

// DefaultDaemonConfig returns the settings used when no file is given.
func DefaultDaemonConfig() *DaemonConfig {
	c := &DaemonConfig{
		PrinterConfig: "~/printer_data/config/printer.cfg",
		MoonrakerURL:  "ws://127.0.0.1:7125/websocket",
		Listen:        "127.0.0.1:7131",
		Metrics:       true,
	}
	c.Log.Level = "info"
	c.Log.Format = "text"
	return c
}

// LoadDaemonConfig decodes path over the defaults. An empty path
// returns the defaults.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	c := DefaultDaemonConfig()
	if path == "" {
		return c, nil
	}
	md, err := toml.DecodeFile(ExpandHome(path), c)
	if err != nil {
		return nil, perrors.Wrap(err, perrors.ErrConfigType, "decode "+path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, perrors.New(perrors.ErrConfigOption, fmt.Sprintf("unknown keys in %s: %v", path, undecoded))
	}
	c.PrinterConfig = ExpandHome(c.PrinterConfig)
	c.Log.File = ExpandHome(c.Log.File)
	return c, nil
}

// DaemonWatcher reloads the daemon file on change and hands the new
// settings to registered callbacks.
type DaemonWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	onChange []func(*DaemonConfig)
	onError  func(error)
}

// WatchDaemonConfig starts watching the directory holding path.
func WatchDaemonConfig(ctx context.Context, path string, onError func(error)) (*DaemonWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	path = ExpandHome(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch directory: %w", err)
	}
	dw := &DaemonWatcher{path: path, watcher: w, onError: onError}
	go dw.loop(ctx)
	return dw, nil
}

// OnChange registers a callback run after a successful reload.
func (d *DaemonWatcher) OnChange(cb func(*DaemonConfig)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChange = append(d.onChange, cb)
}

func (d *DaemonWatcher) loop(ctx context.Context) {
	defer d.watcher.Close()
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(d.path) || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, d.reload)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.report(err)
		}
	}
}

func (d *DaemonWatcher) reload() {
	c, err := LoadDaemonConfig(d.path)
	if err != nil {
		d.report(err)
		return
	}
	d.mu.Lock()
	cbs := append([]func(*DaemonConfig){}, d.onChange...)
	d.mu.Unlock()
	for _, cb := range cbs {
		cb(c)
	}
}

func (d *DaemonWatcher) report(err error) {
	if d.onError != nil {
		d.onError(err)
	}
}
