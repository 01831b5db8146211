package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"telegram": {"token": "123:abc"},
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
		"storage": {"driver": "sqlite", "path": "./test.db"},
		"broadcast": {"workers": 4, "max_sends_per_window": 10, "rate_window": "1s"}
	}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Broadcast.Workers != 4 || cfg.Broadcast.RateWindow != "1s" {
		t.Fatalf("broadcast = %+v", cfg.Broadcast)
	}
}

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
logging:
  level: info
  console: true
  file:
    enabled: true
    path: ./herald.log
storage:
  driver: sqlite
  path: ./herald.db
  busy_timeout: 5s
broadcast:
  retry_max: 5
  retry_base: 250ms
admin:
  enabled: true
  addr: "127.0.0.1:8686"
retention:
  enabled: true
  max_age: 168h
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage.BusyTimeout != "5s" {
		t.Fatalf("busy_timeout = %q", cfg.Storage.BusyTimeout)
	}
	if cfg.Broadcast.RetryMax != 5 || cfg.Broadcast.RetryBase != "250ms" {
		t.Fatalf("broadcast = %+v", cfg.Broadcast)
	}
	if !cfg.Admin.Enabled || cfg.Admin.Addr != "127.0.0.1:8686" {
		t.Fatalf("admin = %+v", cfg.Admin)
	}
	if cfg.Retention.MaxAge != "168h" {
		t.Fatalf("retention = %+v", cfg.Retention)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	cases := []struct {
		name string
		file string
		body string
	}{
		{"json", "config.json", `{"telegram": {"token": "x"}, "sheduler": {}}`},
		{"yaml", "config.yaml", "telegram:\n  token: x\nbrodcast:\n  workers: 2\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.file, tc.body)
			if _, err := NewManager(path).Parse(); err == nil {
				t.Fatal("Parse accepted unknown key")
			}
		})
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeConfig(t, "config.json", `{"telegram": {"token": "x"}}{"extra": 1}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("Parse accepted trailing data")
	}
}

func TestDurations(t *testing.T) {
	var bad Durations
	bad.Field("x", "nonsense")
	if bad.Err() == nil {
		t.Fatal("accepted invalid duration")
	}

	var neg Durations
	neg.Field("x", "-5s")
	if neg.Err() == nil {
		t.Fatal("accepted negative duration")
	}

	var p Durations
	if d := p.Field("x", ""); d != 0 {
		t.Fatalf("empty duration = %v, want 0", d)
	}
	if d := p.FieldOr("x", "", 42); d != 42 {
		t.Fatalf("default = %v, want 42", d)
	}
	if d := p.Field("x", "250ms"); d != 250*time.Millisecond {
		t.Fatalf("parsed = %v, want 250ms", d)
	}
	if err := p.Err(); err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	// The accumulator keeps the first error, not the last.
	var multi Durations
	multi.Field("a", "bogus")
	multi.Field("b", "also-bogus")
	if err := multi.Err(); err == nil || !strings.Contains(err.Error(), "a:") {
		t.Fatalf("first error not kept: %v", err)
	}
}
