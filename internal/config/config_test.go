package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestParseInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue int
		envValue     string
		envSet       bool
		want         int
	}{
		{name: "valid integer", key: "TEST_INT", defaultValue: 10, envValue: "42", envSet: true, want: 42},
		{name: "invalid integer falls back", key: "TEST_INT_BAD", defaultValue: 10, envValue: "not-a-number", envSet: true, want: 10},
		{name: "empty value falls back", key: "TEST_INT_EMPTY", defaultValue: 10, envValue: "", envSet: true, want: 10},
		{name: "unset uses default", key: "TEST_INT_UNSET", defaultValue: 10, envSet: false, want: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envSet {
				t.Setenv(tt.key, tt.envValue)
			}
			if got := ParseInt(tt.key, tt.defaultValue); got != tt.want {
				t.Errorf("ParseInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue bool
		envValue     string
		envSet       bool
		want         bool
	}{
		{name: "yes is true", key: "TEST_BOOL", defaultValue: false, envValue: "yes", envSet: true, want: true},
		{name: "zero is false", key: "TEST_BOOL_ZERO", defaultValue: true, envValue: "0", envSet: true, want: false},
		{name: "mixed case", key: "TEST_BOOL_CASE", defaultValue: false, envValue: "True", envSet: true, want: true},
		{name: "garbage falls back", key: "TEST_BOOL_BAD", defaultValue: true, envValue: "maybe", envSet: true, want: true},
		{name: "unset uses default", key: "TEST_BOOL_UNSET", defaultValue: true, envSet: false, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envSet {
				t.Setenv(tt.key, tt.envValue)
			}
			if got := ParseBool(tt.key, tt.defaultValue); got != tt.want {
				t.Errorf("ParseBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseSeconds(t *testing.T) {
	t.Setenv("TEST_SEC", "2.5")
	if got := ParseSeconds("TEST_SEC", time.Second); got != 2500*time.Millisecond {
		t.Errorf("ParseSeconds() = %v, want 2.5s", got)
	}
	if got := ParseSeconds("TEST_SEC_UNSET", 15*time.Second); got != 15*time.Second {
		t.Errorf("ParseSeconds() default = %v, want 15s", got)
	}
}

func TestParseCSV(t *testing.T) {
	t.Setenv("TEST_CSV", " game/ServerScriptService , game/Workspace ,,")
	got := ParseCSV("TEST_CSV", nil)
	want := []string{"game/ServerScriptService", "game/Workspace"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseCSV() = %v, want %v", got, want)
	}

	def := []string{"a"}
	got = ParseCSV("TEST_CSV_UNSET", def)
	if !reflect.DeepEqual(got, def) {
		t.Errorf("ParseCSV() default = %v, want %v", got, def)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CODEXD_CONFIG", "")
	t.Setenv("QUEUE_DIR", dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:3030" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.PolicyProfile != ProfilePower {
		t.Errorf("PolicyProfile = %q", cfg.PolicyProfile)
	}
	if cfg.HeartbeatTTL != 15*time.Second || cfg.ClaimTTL != 30*time.Second {
		t.Errorf("TTLs = %v/%v", cfg.HeartbeatTTL, cfg.ClaimTTL)
	}
	if want := filepath.Join(dir, "codex_state.db"); cfg.SQLitePath != want {
		t.Errorf("SQLitePath = %q, want %q", cfg.SQLitePath, want)
	}
}

func TestLoadRejectsBadProfile(t *testing.T) {
	t.Setenv("CODEXD_CONFIG", "")
	t.Setenv("POLICY_PROFILE", "turbo")
	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted invalid POLICY_PROFILE")
	}
}

func TestLoadFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codexd.yaml")
	overlay := "listenAddr: 127.0.0.1:4545\nheartbeatTtlSec: 2.5\ndenyActions: [deleteInstance]\n"
	if err := os.WriteFile(path, []byte(overlay), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("QUEUE_DIR", dir)
	t.Setenv("LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("CODEXD_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:4545" {
		t.Errorf("file overlay did not win: ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.HeartbeatTTL != 2500*time.Millisecond {
		t.Errorf("HeartbeatTTL = %v", cfg.HeartbeatTTL)
	}
	if !reflect.DeepEqual(cfg.DenyActions, []string{"deleteInstance"}) {
		t.Errorf("DenyActions = %v", cfg.DenyActions)
	}
}

func TestDirLayout(t *testing.T) {
	c := Config{QueueDir: "q"}
	pairs := map[string]string{
		c.JobsDir():           filepath.Join("q", "jobs"),
		c.ResponsesDir():      filepath.Join("q", "responses"),
		c.AcksDir():           filepath.Join("q", "acks"),
		c.ErrorsDir():         filepath.Join("q", "errors"),
		c.ContextDir():        filepath.Join("q", "context"),
		c.WorkerLockPath():    filepath.Join("q", "worker.lock"),
		c.QueueStatePath():    filepath.Join("q", "queue_state.json"),
		c.ContextEventsPath(): filepath.Join("q", "context", "context_events.log"),
	}
	for got, want := range pairs {
		if got != want {
			t.Errorf("layout path = %q, want %q", got, want)
		}
	}
}
