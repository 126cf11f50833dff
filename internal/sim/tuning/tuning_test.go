package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_OverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tuning.yaml")
	raw := []byte(`
coordinate_limit: 100000
attempts:
  enclosed_roof: 80
queue:
  mode: direct
  batch_size: 0
coordination:
  poll_interval_ms: 250
`)
	if err := os.WriteFile(p, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tune, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tune.CoordinateLimit != 100000 {
		t.Fatalf("coordinate_limit = %d", tune.CoordinateLimit)
	}
	if tune.Attempts.EnclosedRoof != 80 || tune.Attempts.OpenSky != 25 {
		t.Fatalf("attempts = %+v", tune.Attempts)
	}
	if tune.Queue.Mode != "direct" || tune.Queue.BatchSize != 4 {
		t.Fatalf("queue = %+v", tune.Queue)
	}
	if got := tune.Coordination.PollInterval(); got != 250*time.Millisecond {
		t.Fatalf("poll interval = %v", got)
	}
	if got := tune.Coordination.SweepInterval(); got != 10*time.Second {
		t.Fatalf("sweep interval default = %v", got)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte("attempts: [1,2"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(p); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestNormalize_UnknownMode(t *testing.T) {
	tune := Tuning{Queue: Queue{Mode: "burst"}}
	tune.Normalize()
	if tune.Queue.Mode != "queued" {
		t.Fatalf("mode = %q", tune.Queue.Mode)
	}
	if tune.Queue.TickInterval() != 500*time.Millisecond {
		t.Fatalf("tick interval = %v", tune.Queue.TickInterval())
	}
	if tune.Attempts.AttemptsFor("VOID_BORDERED") != 60 {
		t.Fatalf("void attempts = %d", tune.Attempts.AttemptsFor("VOID_BORDERED"))
	}
}
