// Variables file store
//
// Keeps values in the [Variables] file format shared with the printer
// host's save_variables module, one "name = value" line per key.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package store

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	perrors "klipper-plr/pkg/errors"
	"klipper-plr/pkg/log"
)

// VariablesStore is a Store backed by a save_variables style file.
type VariablesStore struct {
	filename string
	mu       sync.RWMutex
	values   map[string]string
	logger   *log.Logger
}

// OpenVariables loads filename, creating it if missing.
func OpenVariables(filename string) (*VariablesStore, error) {
	if filename == "" {
		return nil, perrors.StoreError("", fmt.Errorf("filename is required"))
	}
	vs := &VariablesStore{
		filename: filename,
		values:   make(map[string]string),
		logger:   log.GetLogger("store"),
	}
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
			return nil, perrors.StoreError("", err)
		}
		if err := vs.write(vs.values); err != nil {
			return nil, err
		}
	}
	if err := vs.Reload(); err != nil {
		return nil, err
	}
	vs.logger.Info("loaded %d variables from %s", len(vs.values), filename)
	return vs, nil
}

// Path returns the backing file name.
func (vs *VariablesStore) Path() string { return vs.filename }

// lock takes an advisory lock on a sidecar file so other writers of the
// same variables file serialize with us.
func (vs *VariablesStore) lock(how int) (func(), error) {
	f, err := os.OpenFile(vs.filename+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// Reload replaces the cached values with the file contents.
func (vs *VariablesStore) Reload() error {
	unlock, err := vs.lock(unix.LOCK_SH)
	if err != nil {
		return perrors.StoreError("", err)
	}
	defer unlock()

	values, err := readVariables(vs.filename)
	if err != nil {
		return perrors.StoreError("", err)
	}
	vs.mu.Lock()
	vs.values = values
	vs.mu.Unlock()
	return nil
}

func readVariables(filename string) (map[string]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("unable to open file: %w", err)
	}
	defer f.Close()

	values := make(map[string]string)
	inVariables := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "[Variables]" {
			inVariables = true
			continue
		}
		if strings.HasPrefix(line, "[") {
			inVariables = false
			continue
		}
		if !inVariables {
			continue
		}
		name, value, ok := strings.Cut(line, " = ")
		if !ok {
			continue
		}
		values[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}
	return values, nil
}

// Set writes key and rewrites the whole file atomically.
func (vs *VariablesStore) Set(key, value string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if strings.ContainsAny(value, "\r\n") {
		return perrors.StoreError(key, fmt.Errorf("value must be a single line"))
	}
	unlock, err := vs.lock(unix.LOCK_EX)
	if err != nil {
		return perrors.StoreError(key, err)
	}
	defer unlock()

	// Merge with the file so keys written by other tools survive.
	current, err := readVariables(vs.filename)
	if err != nil {
		return perrors.StoreError(key, err)
	}
	current[key] = value
	if err := vs.write(current); err != nil {
		return perrors.StoreError(key, err)
	}

	vs.mu.Lock()
	vs.values = current
	vs.mu.Unlock()
	vs.logger.Debug("saved variable '%s'", key)
	return nil
}

// write replaces the file through a synced temp file and rename.
func (vs *VariablesStore) write(values map[string]string) error {
	tmp, err := os.CreateTemp(filepath.Dir(vs.filename), filepath.Base(vs.filename)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := bufio.NewWriter(tmp)
	fmt.Fprintln(w, "[Variables]")
	for _, k := range keys {
		fmt.Fprintf(w, "%s = %s\n", k, values[k])
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), vs.filename)
}

// GetAll returns a copy of the cached values.
func (vs *VariablesStore) GetAll() (map[string]string, error) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	out := make(map[string]string, len(vs.values))
	for k, v := range vs.values {
		out[k] = v
	}
	return out, nil
}

// Watch reloads the cache when another process rewrites the file, until
// ctx is done.
func (vs *VariablesStore) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return perrors.StoreError("", err)
	}
	if err := w.Add(filepath.Dir(vs.filename)); err != nil {
		w.Close()
		return perrors.StoreError("", err)
	}
	base := filepath.Base(vs.filename)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := vs.Reload(); err != nil {
					vs.logger.WithError(err).Warn("reload after external change failed")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				vs.logger.WithError(err).Warn("watch error")
			}
		}
	}()
	return nil
}
