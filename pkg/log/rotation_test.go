// Log rotation tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRotatingFileWriterRotation(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "plr.log")

	writer, err := NewRotatingFileWriter(RotationConfig{Filename: logFile, MaxBackups: 2})
	if err != nil {
		t.Fatalf("failed to create rotating writer: %v", err)
	}
	defer writer.Close()
	writer.maxSize = 10

	for _, msg := range []string{"first-line\n", "second-line\n", "third-line\n"} {
		if _, err := writer.Write([]byte(msg)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	current, _ := os.ReadFile(logFile)
	if string(current) != "third-line\n" {
		t.Errorf("unexpected current file: %q", current)
	}
	b1, _ := os.ReadFile(logFile + ".1")
	if string(b1) != "second-line\n" {
		t.Errorf("unexpected .1 backup: %q", b1)
	}
	b2, _ := os.ReadFile(logFile + ".2")
	if string(b2) != "first-line\n" {
		t.Errorf("unexpected .2 backup: %q", b2)
	}
}

func TestRotatingFileWriterRequiresName(t *testing.T) {
	if _, err := NewRotatingFileWriter(RotationConfig{}); err == nil {
		t.Fatal("expected error for empty filename")
	}
}
