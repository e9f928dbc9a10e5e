// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"strings"

	perrors "klipper-plr/pkg/errors"
)

// Pin is a parsed endstop pin specification.
type Pin struct {
	Name   string // e.g. "PA5", "z_virtual_endstop"
	Chip   string // defaults to "mcu"
	Invert bool   // ! prefix
	Pullup int    // 1 for ^, -1 for ~
}

// FullName returns the pin name with its chip prefix unless it is "mcu".
// This is the name limit sensors are addressed by.
func (p Pin) FullName() string {
	if p.Chip != "" && p.Chip != "mcu" {
		return p.Chip + ":" + p.Name
	}
	return p.Name
}

// ParsePin parses [^|~][!][chip:]name.
func ParsePin(desc string) (Pin, error) {
	d := strings.TrimSpace(desc)
	if d == "" {
		return Pin{}, perrors.New(perrors.ErrConfigType, "empty pin specification")
	}

	p := Pin{Chip: "mcu"}
	switch d[0] {
	case '^':
		p.Pullup = 1
		d = strings.TrimSpace(d[1:])
	case '~':
		p.Pullup = -1
		d = strings.TrimSpace(d[1:])
	}
	if d != "" && d[0] == '!' {
		p.Invert = true
		d = strings.TrimSpace(d[1:])
	}
	if idx := strings.Index(d, ":"); idx >= 0 {
		p.Chip = strings.TrimSpace(d[:idx])
		d = strings.TrimSpace(d[idx+1:])
	}
	if d == "" || strings.ContainsAny(d, "^~!: ") {
		return Pin{}, perrors.New(perrors.ErrConfigType, "invalid pin specification: "+desc)
	}
	p.Name = d
	return p, nil
}

// GetPin returns a Pin option value from the section.
func (s *Section) GetPin(option string) (Pin, error) {
	v, err := s.Get(option)
	if err != nil {
		return Pin{}, err
	}
	pin, err := ParsePin(v)
	if err != nil {
		return Pin{}, perrors.Wrap(err, perrors.ErrConfigType, "bad pin").SetSection(s.name).SetOption(option)
	}
	return pin, nil
}
