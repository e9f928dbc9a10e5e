// Package store persists recovery state as string key/value pairs.
//
// Values are opaque text: decimal numbers, JSON documents or quoted
// strings. Callers encode and decode with the helpers in codec.go.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package store

import (
	"fmt"
	"strings"
	"sync"

	perrors "klipper-plr/pkg/errors"
)

// Keys written by the recovery host.
const (
	KeyResumeMeta      = "resume_meta_info"
	KeyEndstopPosition = "z_endstop_position_stepper_z"
	KeyMeshProfile     = "saved_mesh_profile"
	offsetKeyPrefix    = "z_offset_"
)

// OffsetKey names the stored measured offset of an actuator.
func OffsetKey(actuator string) string {
	return offsetKeyPrefix + actuator
}

// Store is a durable string key/value store. Each Set is atomic for its
// single key; there are no multi-key transactions.
type Store interface {
	Set(key, value string) error
	GetAll() (map[string]string, error)
}

func checkKey(key string) error {
	if key == "" || strings.ToLower(key) != key || strings.ContainsAny(key, " =\n[]") {
		return perrors.StoreError(key, fmt.Errorf("invalid key %q", key))
	}
	return nil
}

// Memory is an in-process Store. Fail, when set, is returned by every
// Set for the listed keys.
type Memory struct {
	mu     sync.Mutex
	values map[string]string
	Fail   map[string]error
	Writes int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

// Set stores value under key.
func (m *Memory) Set(key, value string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.Fail[key]; ok {
		return perrors.StoreError(key, err)
	}
	m.values[key] = value
	m.Writes++
	return nil
}

// GetAll returns a copy of every stored value.
func (m *Memory) GetAll() (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}
