package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	persistlog "voxelrtp.ai/internal/persistence/log"
	"voxelrtp.ai/internal/sim/tpreq"
)

func writeEvents(t *testing.T, dir string, evs ...tpreq.Event) {
	t.Helper()
	l := persistlog.NewLifecycleLogger(dir)
	for _, ev := range evs {
		if err := l.Write(ev); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestReadLifecycle_Filters(t *testing.T) {
	dir := t.TempDir()
	writeEvents(t, dir,
		tpreq.Event{Type: tpreq.EventQueued, PlayerID: "p1", World: "world_the_end", Server: "survival-1", At: 3},
		tpreq.Event{Type: tpreq.EventQueued, PlayerID: "p2", World: "world", Server: "survival-1", At: 1},
		tpreq.Event{Type: tpreq.EventResolved, PlayerID: "p1", World: "world_the_end", Server: "survival-2", At: 5},
	)

	all, err := readLifecycle(filepath.Join(dir, "lifecycle"), eventFilter{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(all) != 3 || all[0].PlayerID != "p2" {
		t.Fatalf("all: %+v", all)
	}

	only, err := readLifecycle(filepath.Join(dir, "lifecycle"), eventFilter{player: "p1", types: parseTypes("resolved")})
	if err != nil {
		t.Fatalf("read filtered: %v", err)
	}
	if len(only) != 1 || only[0].Type != tpreq.EventResolved {
		t.Fatalf("filtered: %+v", only)
	}

	var buf bytes.Buffer
	printSummary(&buf, all)
	if !strings.Contains(buf.String(), "events=3 players=2") || !strings.Contains(buf.String(), "QUEUED") {
		t.Fatalf("summary: %s", buf.String())
	}
}

func TestParseTypes(t *testing.T) {
	if parseTypes("  ") != nil {
		t.Fatalf("empty should be nil")
	}
	got := parseTypes("queued, SWEPT,,")
	if len(got) != 2 || !got[tpreq.EventQueued] || !got[tpreq.EventSwept] {
		t.Fatalf("types: %v", got)
	}
}

func TestResolveDBPath(t *testing.T) {
	if got := resolveDBPath("/data", ""); got != filepath.Join("/data", "requests.sqlite") {
		t.Fatalf("default: %s", got)
	}
	if got := resolveDBPath("/data", " /x.db "); got != "/x.db" {
		t.Fatalf("override: %s", got)
	}
}
