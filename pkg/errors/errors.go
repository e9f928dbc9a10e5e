// Unified error handling for the power loss recovery host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigType       ErrorCode = "CONFIG_TYPE"

	// Movement errors raised while probing or applying offsets
	ErrMovement              ErrorCode = "MOVEMENT"
	ErrMovementPremature     ErrorCode = "MOVEMENT_PREMATURE_TRIGGER"
	ErrMovementUnstable      ErrorCode = "MOVEMENT_UNSTABLE"
	ErrMovementInsufficient  ErrorCode = "MOVEMENT_INSUFFICIENT_SAMPLES"
	ErrMovementMaxAdjustment ErrorCode = "MOVEMENT_MAX_ADJUSTMENT"

	// Snapshot validation
	ErrValidation ErrorCode = "VALIDATION"

	// Persisted store
	ErrStore ErrorCode = "STORE"

	// Job file rewriting
	ErrRewriteFailed ErrorCode = "REWRITE_FAILED"

	// Command surface
	ErrCommand ErrorCode = "COMMAND"

	// Runtime errors
	ErrRuntime     ErrorCode = "RUNTIME"
	ErrRuntimeInit ErrorCode = "RUNTIME_INIT"
)

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Section is the config section or context
	Section string

	// Option is the config option name (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	scope := e.Section
	if e.Option != "" {
		scope = e.Option
	}
	msg := fmt.Sprintf("[%s:%s] %s", e.Code, scope, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Config errors

// ConfigSectionError creates an error for missing config section
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *HostError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// Movement errors

// PrematureTriggerError reports a limit sensor that was already tripped
// before motion began.
func PrematureTriggerError(actuator, sensor string) *HostError {
	return New(ErrMovementPremature, fmt.Sprintf("endstop %s triggered prematurely", sensor)).
		SetSection(actuator)
}

// UnstableError reports position drift above tolerance before probing.
func UnstableError(actuator string, drift, tolerance float64) *HostError {
	return New(ErrMovementUnstable, fmt.Sprintf("movement not stable: drift %.4f exceeds %.4f", drift, tolerance)).
		SetSection(actuator)
}

// InsufficientSamplesError reports an exhausted retry budget.
func InsufficientSamplesError(actuator string, got, want, retries int) *HostError {
	return New(ErrMovementInsufficient, fmt.Sprintf("collected %d of %d samples after %d retries", got, want, retries)).
		SetSection(actuator)
}

// MovementError creates a general movement error
func MovementError(actuator string, err error) *HostError {
	return Wrap(err, ErrMovement, "movement failed").SetSection(actuator)
}

// ValidationError reports a snapshot field failing its structural or
// range check.
func ValidationError(field string, reason string) *HostError {
	return New(ErrValidation, fmt.Sprintf("%s: %s", field, reason)).SetOption(field)
}

// StoreError wraps a persistence failure for key.
func StoreError(key string, err error) *HostError {
	return Wrap(err, ErrStore, "persist failed").SetOption(key)
}

// RewriteFailed wraps an aborted job file transformation.
func RewriteFailed(path string, err error) *HostError {
	return Wrap(err, ErrRewriteFailed, "job file rewrite aborted").SetSection(path)
}

// CommandError creates an error surfaced to the operator by a command.
func CommandError(command, message string) *HostError {
	return New(ErrCommand, message).SetSection(command)
}

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// FromPanic converts a recovered panic value to an error. It must be
// given the result of recover() called directly in the deferred func.
func FromPanic(r interface{}) *HostError {
	switch x := r.(type) {
	case nil:
		return nil
	case string:
		return RuntimeError(fmt.Sprintf("panic: %s", x))
	case runtime.Error:
		return Wrap(x, ErrRuntime, "panic")
	case error:
		return Wrap(x, ErrRuntime, "panic")
	default:
		return RuntimeError(fmt.Sprintf("panic: %v", x))
	}
}

// Is checks if any error in err's chain carries the given code
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	for err != nil {
		if !stderrors.As(err, &hostErr) {
			return false
		}
		if hostErr.Code == code {
			return true
		}
		err = hostErr.Err
	}
	return false
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation) ||
		Is(err, ErrConfigType)
}

// IsMovement checks if error aborted a probing or offset command
func IsMovement(err error) bool {
	return Is(err, ErrMovement) ||
		Is(err, ErrMovementPremature) ||
		Is(err, ErrMovementUnstable) ||
		Is(err, ErrMovementInsufficient) ||
		Is(err, ErrMovementMaxAdjustment)
}
