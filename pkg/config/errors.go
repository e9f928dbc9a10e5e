// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"fmt"

	perrors "klipper-plr/pkg/errors"
)

// ErrMissingOption returns an error for a required but missing option.
func ErrMissingOption(section, option string) *perrors.HostError {
	return perrors.New(perrors.ErrConfigOption, fmt.Sprintf("option '%s' in section '%s' must be specified", option, section)).
		SetSection(section).
		SetOption(option)
}

// ErrMissingSection returns an error for a missing section.
func ErrMissingSection(section string) *perrors.HostError {
	return perrors.ConfigSectionError(section)
}

// ErrInvalidValue returns an error for an unparseable value.
func ErrInvalidValue(section, option, value, expected string) *perrors.HostError {
	return perrors.New(perrors.ErrConfigType, fmt.Sprintf("option '%s' in section '%s': invalid value '%s', expected %s", option, section, value, expected)).
		SetSection(section).
		SetOption(option)
}

// ErrOutOfRange returns an error for a value outside the allowed range.
func ErrOutOfRange(section, option string, value float64, constraint string) *perrors.HostError {
	return perrors.ConfigValidationError(section, option, fmt.Sprintf("value %v %s", value, constraint))
}

// ErrInvalidChoice returns an error for an invalid choice value.
func ErrInvalidChoice(section, option, value string, choices []string) *perrors.HostError {
	return perrors.ConfigValidationError(section, option, fmt.Sprintf("'%s' is not a valid choice (valid: %v)", value, choices))
}
