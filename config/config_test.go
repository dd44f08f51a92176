package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rpc.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadOverlaysDefinedKeysOnly(t *testing.T) {
	path := writeFile(t, `
stream_queue_depth = 8
log_level = "warn"
call_timeout = "250ms"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.StreamQueueDepth != 8 {
		t.Errorf("stream_queue_depth: got %d, want 8", cfg.StreamQueueDepth)
	}
	if cfg.LogLevel != zerolog.WarnLevel {
		t.Errorf("log_level: got %v, want warn", cfg.LogLevel)
	}
	if cfg.CallTimeout != 250*time.Millisecond {
		t.Errorf("call_timeout: got %v", cfg.CallTimeout)
	}
	// Keys the file does not define keep their defaults.
	if cfg.MaxFrameSize != Default().MaxFrameSize {
		t.Errorf("max_frame_size should keep default, got %d", cfg.MaxFrameSize)
	}
}

func TestLoadBadValues(t *testing.T) {
	if _, err := Load(writeFile(t, `log_level = "shouting"`)); err == nil {
		t.Error("expected error for unknown log level")
	}
	if _, err := Load(writeFile(t, `call_timeout = "soon"`)); err == nil {
		t.Error("expected error for unparseable duration")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestTransportOptions(t *testing.T) {
	cfg := Default()
	cfg.MaxFrameSize = 1024
	opts := cfg.TransportOptions(zerolog.Nop())
	if opts.MaxFrameSize != 1024 || opts.StreamQueueDepth != 32 {
		t.Errorf("mapping mismatch: %+v", opts)
	}
}
