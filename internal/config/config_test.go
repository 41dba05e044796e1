package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/config"
	"github.com/BrandonDHaskell/Silenus/server/internal/telemetry/logger"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "silenus.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const tapYAML = `
http:
  addr: ":9090"
log:
  level: debug
dispensers:
  - id: tap-1
    liquid: stout
    unit_ml: 100
    pulses_per_liter: 450
    min_open: 750ms
    zero_flow_ml_per_min: 15
    reader:
      kind: uart
      device: /dev/ttyS0
  - id: tap-2
    unit_ml: 50
    pulses_per_liter: 1000
`

// ── Defaults ─────────────────────────────────────────────────────────────────

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := config.Default()
	if cfg.HTTP.Addr != want.HTTP.Addr || cfg.Auth.Mode != "local" || cfg.Events.Sink != "store" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if len(cfg.Dispensers) != 0 {
		t.Errorf("dispensers = %d, want 0", len(cfg.Dispensers))
	}
}

// ── File ─────────────────────────────────────────────────────────────────────

func TestLoad_File(t *testing.T) {
	cfg, err := config.Load(writeFile(t, t.TempDir(), tapYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("http.addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q", cfg.Log.Level)
	}
	// Unset sections keep their defaults.
	if cfg.Events.QueueSize != 256 {
		t.Errorf("events.queue_size = %d, want 256", cfg.Events.QueueSize)
	}
	if len(cfg.Dispensers) != 2 {
		t.Fatalf("dispensers = %d, want 2", len(cfg.Dispensers))
	}

	d := cfg.Dispensers[0]
	if d.ID != "tap-1" || d.Liquid != "stout" || d.UnitMl != 100 || d.PulsesPerLiter != 450 {
		t.Errorf("tap-1 = %+v", d)
	}
	if d.MinOpen != 750*time.Millisecond {
		t.Errorf("min_open = %v", d.MinOpen)
	}
	if d.ZeroFlowMlPerMin != 15 {
		t.Errorf("zero_flow_ml_per_min = %v", d.ZeroFlowMlPerMin)
	}
	if d.Reader.Kind != "uart" || d.Reader.Device != "/dev/ttyS0" {
		t.Errorf("reader = %+v", d.Reader)
	}

	d2 := cfg.Dispensers[1]
	if d2.Label != "tap-2" {
		t.Errorf("label default = %q, want id", d2.Label)
	}
	if d2.Reader.Kind != "sim" || d2.GracePeriod != 300*time.Millisecond || d2.PollInterval != 50*time.Millisecond {
		t.Errorf("tap-2 defaults = %+v", d2)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// ── Environment ──────────────────────────────────────────────────────────────

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), tapYAML)
	t.Setenv("SILENUS_HTTP_ADDR", ":7000")
	t.Setenv("SILENUS_AUTH_MODE", "http")
	t.Setenv("SILENUS_AUTH_BASE_URL", "http://hub:8080")
	t.Setenv("SILENUS_EVENTS_QUEUE_SIZE", "32")
	t.Setenv("SILENUS_AUTH_TIMEOUT", "750ms")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":7000" {
		t.Errorf("http.addr = %q, want env value", cfg.HTTP.Addr)
	}
	if cfg.Auth.Mode != "http" || cfg.Auth.BaseURL != "http://hub:8080" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Events.QueueSize != 32 {
		t.Errorf("events.queue_size = %d, want 32", cfg.Events.QueueSize)
	}
	if cfg.Auth.Timeout != 750*time.Millisecond {
		t.Errorf("auth.timeout = %v", cfg.Auth.Timeout)
	}
}

// ── Validation ───────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"zero unit", "dispensers:\n  - id: a\n    unit_ml: 0\n    pulses_per_liter: 450\n", "unit_ml"},
		{"negative calibration", "dispensers:\n  - id: a\n    unit_ml: 10\n    pulses_per_liter: -1\n", "pulses_per_liter"},
		{"missing id", "dispensers:\n  - unit_ml: 10\n    pulses_per_liter: 450\n", "id is required"},
		{"duplicate id", "dispensers:\n  - id: a\n    unit_ml: 10\n    pulses_per_liter: 450\n  - id: a\n    unit_ml: 10\n    pulses_per_liter: 450\n", "duplicated"},
		{"negative idle rate", "dispensers:\n  - id: a\n    unit_ml: 10\n    pulses_per_liter: 450\n    zero_flow_ml_per_min: -1\n", "zero_flow_ml_per_min"},
		{"spi reader", "dispensers:\n  - id: a\n    unit_ml: 10\n    pulses_per_liter: 450\n    reader:\n      kind: spi\n", "reader.kind"},
		{"uart without device", "dispensers:\n  - id: a\n    unit_ml: 10\n    pulses_per_liter: 450\n    reader:\n      kind: uart\n", "reader.device"},
		{"http auth without url", "auth:\n  mode: http\n", "auth.base_url"},
		{"bad auth mode", "auth:\n  mode: ldap\n", "auth.mode"},
		{"redis without addr", "auth:\n  cache: redis\n", "redis_addr"},
		{"http sink without url", "events:\n  sink: http\n", "events.url"},
		{"bad format", "events:\n  format: xml\n", "events.format"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, t.TempDir(), tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Mode = "ldap"
	cfg.Events.Format = "xml"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "auth.mode") || !strings.Contains(err.Error(), "events.format") {
		t.Errorf("error = %v, want both problems", err)
	}
}

// ── Watcher ──────────────────────────────────────────────────────────────────

func TestWatcher_ReloadsLogLevel(t *testing.T) {
	if err := logger.SetLevel("info"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = logger.SetLevel("info") })

	dir := t.TempDir()
	path := writeFile(t, dir, "log:\n  level: info\n")

	w, err := config.NewWatcher(path, logger.Discard())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	reloaded := make(chan config.Config, 4)
	w.OnReload(func(c config.Config) { reloaded <- c })
	w.Start()
	defer w.Stop()

	writeFile(t, dir, "log:\n  level: debug\n")

	// A truncating write can surface as more than one event.
	deadline := time.After(3 * time.Second)
	for done := false; !done; {
		select {
		case c := <-reloaded:
			done = c.Log.Level == "debug"
		case <-deadline:
			t.Fatal("no debug reload after write")
		}
	}
	if got := logger.Level().String(); got != "DEBUG" {
		t.Errorf("logger level = %s, want DEBUG", got)
	}
}

func TestWatcher_RejectsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "log:\n  level: info\n")

	w, err := config.NewWatcher(path, logger.Discard())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	reloaded := make(chan config.Config, 4)
	w.OnReload(func(c config.Config) { reloaded <- c })
	w.Start()

	// Replace atomically so no empty intermediate file is observed.
	tmp := filepath.Join(t.TempDir(), "next.yaml")
	if err := os.WriteFile(tmp, []byte("log:\n  level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-reloaded:
		t.Fatalf("invalid config applied: %+v", c.Log)
	case <-time.After(300 * time.Millisecond):
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}
