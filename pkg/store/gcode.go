// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package store

import (
	"fmt"
	"strings"

	perrors "klipper-plr/pkg/errors"
)

// ScriptRunner runs a G-code script on the printer and waits for it.
type ScriptRunner interface {
	RunScript(script string) error
}

// GCodeStore writes through the printer's SAVE_VARIABLE command and
// reads the variables file the printer maintains. The printer keeps its
// own copy of every variable and rewrites the whole file on each save,
// so values written to the file behind its back would be reverted.
type GCodeStore struct {
	vars *VariablesStore
	gc   ScriptRunner
}

// NewGCodeStore returns a store saving through gc and reading vars.
func NewGCodeStore(vars *VariablesStore, gc ScriptRunner) *GCodeStore {
	return &GCodeStore{vars: vars, gc: gc}
}

// SaveVariableScript renders the command saving value under key.
// Parameters are shell-split by the printer, so the value is single
// quoted.
func SaveVariableScript(key, value string) string {
	quoted := "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
	return fmt.Sprintf("SAVE_VARIABLE VARIABLE=%s VALUE=%s", key, quoted)
}

// Set saves key through the printer, then rereads the file.
func (s *GCodeStore) Set(key, value string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if strings.ContainsAny(value, "\r\n") {
		return perrors.StoreError(key, fmt.Errorf("value must be a single line"))
	}
	if err := s.gc.RunScript(SaveVariableScript(key, value)); err != nil {
		return perrors.StoreError(key, err)
	}
	return s.vars.Reload()
}

// GetAll returns the variables last read from the file.
func (s *GCodeStore) GetAll() (map[string]string, error) {
	return s.vars.GetAll()
}
