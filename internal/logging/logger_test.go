// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	logger, closer := NewLogger("info", "json", path)
	logger.Info("hello", "k", "v")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("log file missing record: %s", data)
	}
}

func TestNewLogger_LevelFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	logger, closer := NewLogger("warn", "json", path)
	logger.Info("dropped")
	logger.Warn("kept")
	closer.Close()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "dropped") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(string(data), "kept") {
		t.Error("warn record should pass")
	}
}

func TestNewLogger_NoFileIsNoop(t *testing.T) {
	logger, closer := NewLogger("debug", "text", "")
	if logger == nil {
		t.Fatal("logger must not be nil")
	}
	if err := closer.Close(); err != nil {
		t.Errorf("noop closer should not fail: %v", err)
	}
}

func TestForComponent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	logger, closer := NewLogger("info", "json", path)
	ForComponent(logger, "shadow").Info("tagged")
	closer.Close()

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `"component":"shadow"`) {
		t.Errorf("component tag missing: %s", data)
	}
}

func TestSessionLogger_CapturesDebug(t *testing.T) {
	dir := t.TempDir()
	base, baseCloser := NewLogger("info", "json", "")
	defer baseCloser.Close()

	logger, closer, err := NewSessionLogger(base, dir, "peer-1")
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("session detail")
	closer.Close()

	data, err := os.ReadFile(filepath.Join(dir, "peer-1.log"))
	if err != nil {
		t.Fatal(err)
	}
	// O arquivo de sessão captura DEBUG mesmo com o logger base em INFO.
	if !strings.Contains(string(data), "session detail") {
		t.Errorf("session file missing debug record: %s", data)
	}
}

func TestSessionLogger_EmptyDirIsPassthrough(t *testing.T) {
	base, baseCloser := NewLogger("info", "json", "")
	defer baseCloser.Close()

	logger, closer, err := NewSessionLogger(base, "", "peer")
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()
	if logger != base {
		t.Error("empty session dir should return the base logger unchanged")
	}
}
