package log

import (
	"encoding/json"
	"testing"
	"time"
)

func TestJSONLZstdWriter_WritesAndRotates(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "search")
	now := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	if err := w.Write(map[string]any{"world": "a", "attempts": 25}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Write(map[string]any{"world": "b", "attempts": 50}); err != nil {
		t.Fatalf("write: %v", err)
	}
	now = now.Add(time.Hour)
	if err := w.Write(map[string]any{"world": "c", "attempts": 60}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := w.Files()
	if err != nil || len(files) != 2 {
		t.Fatalf("files: %v err=%v", files, err)
	}
	var worlds []string
	for _, f := range files {
		err := ReadJSONL(f, func(line []byte) error {
			var rec struct {
				World string `json:"world"`
			}
			if err := json.Unmarshal(line, &rec); err != nil {
				return err
			}
			worlds = append(worlds, rec.World)
			return nil
		})
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
	}
	if len(worlds) != 3 || worlds[0] != "a" || worlds[2] != "c" {
		t.Fatalf("records: %v", worlds)
	}
}

func TestSearchLogger_Path(t *testing.T) {
	dir := t.TempDir()
	l := NewSearchLogger(dir)
	if err := l.Write(map[string]string{"type": "SEARCH_EXHAUSTED"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	files, _ := l.w.Files()
	if len(files) != 1 {
		t.Fatalf("files: %v", files)
	}
	n := 0
	if err := ReadJSONL(files[0], func([]byte) error { n++; return nil }); err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 1 {
		t.Fatalf("lines: %d", n)
	}
}
