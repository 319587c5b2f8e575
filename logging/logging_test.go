/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/PivotLLM/Switchboard/global"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf)

	l.Debug("hidden")
	l.Info("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug message written at INFO level")
	}
	if !strings.Contains(buf.String(), "[INFO]") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("info line missing, got %q", buf.String())
	}

	buf.Reset()
	l.SetLevel(global.LogLevelError)
	l.Warnf("warn %d", 1)
	l.Errorf("error %d", 2)
	if strings.Contains(buf.String(), "warn 1") {
		t.Error("warn message written at ERROR level")
	}
	if !strings.Contains(buf.String(), "[ERROR]") || !strings.Contains(buf.String(), "error 2") {
		t.Errorf("error line missing, got %q", buf.String())
	}
}

func TestNamedSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	root := NewWithWriter(&buf)
	child := root.Named("transport")

	root.SetLevel(global.LogLevelDebug)
	child.Debugf("spawned %s", "fs")

	if !strings.Contains(buf.String(), "[transport] spawned fs") {
		t.Errorf("named line = %q, want component tag", buf.String())
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Infof("no panic %d", 1)
	if l.Named("x") != nil {
		t.Error("Named on nil logger should return nil")
	}
}

func TestNewCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "switchboard.log")
	l, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	l.Info("hello")
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log file = %q, want hello", string(data))
	}
}
