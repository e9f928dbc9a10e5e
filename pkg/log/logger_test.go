// Structured logging tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer) *Logger {
	logger := New("test")
	logger.SetWriter(buf)
	logger.SetColorize(false)
	return logger
}

func TestLoggerBasic(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	logger.Info("hello %s", "world")

	output := buf.String()
	if !strings.Contains(output, "[INFO ]") {
		t.Errorf("expected INFO level, got: %s", output)
	}
	if !strings.Contains(output, "test: hello world") {
		t.Errorf("expected prefixed message, got: %s", output)
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	logger.Debug("debug message")
	if buf.Len() != 0 {
		t.Errorf("expected DEBUG to be filtered, got: %s", buf.String())
	}
	logger.Warn("warn message")
	if !strings.Contains(buf.String(), "warn message") {
		t.Errorf("expected WARN to pass, got: %s", buf.String())
	}

	buf.Reset()
	logger.SetLevel(ERROR)
	logger.Warn("filtered")
	if buf.Len() != 0 {
		t.Errorf("expected WARN to be filtered at ERROR, got: %s", buf.String())
	}
}

func TestLoggerPercentWithoutArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	logger.Info("progress 50%")
	if !strings.Contains(buf.String(), "progress 50%") {
		t.Errorf("message without args must not be formatted, got: %s", buf.String())
	}
}

func TestLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	logger.SetFormat(FormatJSON)

	logger.WithFields(Fields{"layer": 3, "z": 0.6}).Info("saved")

	var entry JSONLogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON output %q: %v", buf.String(), err)
	}
	if entry.Level != "INFO" || entry.Logger != "test" || entry.Message != "saved" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Fields["layer"] != float64(3) {
		t.Errorf("expected layer field 3, got %v", entry.Fields["layer"])
	}
}

func TestEntryChainingAndError(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	logger.WithField("a", 1).WithField("b", 2).WithError(errors.New("boom")).Warn("failed")

	output := buf.String()
	if !strings.Contains(output, "{a=1, b=2, error=boom}") {
		t.Errorf("expected sorted fields, got: %s", output)
	}
}

func TestWithPrefixSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	root := newTestLogger(&buf)
	child := root.WithPrefix("zhome")

	root.SetLevel(DEBUG)
	child.Debug("probing")
	if !strings.Contains(buf.String(), "zhome: probing") {
		t.Errorf("child should follow root level, got: %s", buf.String())
	}
	if child.Prefix() != "zhome" {
		t.Errorf("expected prefix zhome, got %s", child.Prefix())
	}
}

func TestLoggerCaller(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	logger.SetCaller(true)

	logger.Info("where")
	if !strings.Contains(buf.String(), "logger_test.go:") {
		t.Errorf("expected caller file, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{" error ", ERROR},
		{"bogus", INFO},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestConfigureFromEnv(t *testing.T) {
	t.Setenv("PLR_LOG_LEVEL", "error")
	t.Setenv("PLR_LOG_FORMAT", "json")
	logger := New("env")
	ConfigureFromEnv(logger)
	if logger.GetLevel() != ERROR {
		t.Errorf("expected ERROR, got %v", logger.GetLevel())
	}
	if logger.sink.outFormat != FormatJSON {
		t.Errorf("expected JSON format")
	}
}
