package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/BrandonDHaskell/Silenus/server/internal/telemetry/logger"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return m
}

func TestNew_RejectsUnknownLevelAndFormat(t *testing.T) {
	if _, err := logger.New(logger.Config{Level: "loud"}); err == nil {
		t.Errorf("expected error for unknown level")
	}
	if _, err := logger.New(logger.Config{Format: "xml"}); err == nil {
		t.Errorf("expected error for unknown format")
	}
}

func TestRedactsUIDAndSecrets(t *testing.T) {
	var buf bytes.Buffer
	l, err := logger.New(logger.Config{Level: "info", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Info("auth", "uid", "04A1B2C3D4E5F6", "api_key", "hunter2", "dispenser_id", "tap-1")
	m := decode(t, &buf)

	if m["uid"] != "04A1B2C3…" {
		t.Errorf("uid = %v", m["uid"])
	}
	if m["api_key"] != "***REDACTED***" {
		t.Errorf("api_key = %v", m["api_key"])
	}
	if m["dispenser_id"] != "tap-1" {
		t.Errorf("dispenser_id = %v", m["dispenser_id"])
	}
}

func TestRedactsInsideGroups(t *testing.T) {
	var buf bytes.Buffer
	l, _ := logger.New(logger.Config{Output: &buf})
	l.Info("nested", slog.Group("session", slog.String("uid", "AABBCCDDEEFF")))

	if !strings.Contains(buf.String(), `"uid":"AABBCCDD…"`) {
		t.Errorf("group uid not shortened: %s", buf.String())
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l, _ := logger.New(logger.Config{Level: "warn", Output: &buf})

	l.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn: %s", buf.String())
	}

	if err := logger.SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	l.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("debug should pass after SetLevel")
	}
	if logger.Level() != slog.LevelDebug {
		t.Errorf("Level() = %v", logger.Level())
	}
	if err := logger.SetLevel("nope"); err == nil {
		t.Errorf("expected error for bad level")
	}
}

func TestShortUID(t *testing.T) {
	if got := logger.ShortUID("ABCD"); got != "ABCD" {
		t.Errorf("short uid changed: %q", got)
	}
	if got := logger.ShortUID("0123456789"); got != "01234567…" {
		t.Errorf("got %q", got)
	}
}
