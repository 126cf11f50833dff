package terrain

import (
	"context"
	"errors"
	"testing"
)

func TestMemStore_GenerationPolicy(t *testing.T) {
	d := &Dimension{
		Name:         "w",
		Gen:          Flat(0, 64, Grass),
		Pregenerated: func(cx, cz int) bool { return cx == 0 && cz == 0 },
	}
	s := NewMemStore(d)
	ctx := context.Background()

	if _, err := s.GetOrLoadTile(ctx, "w", 0, 0, false); err != nil {
		t.Fatalf("pregenerated tile: %v", err)
	}
	if _, err := s.GetOrLoadTile(ctx, "w", 5, 5, false); !errors.Is(err, ErrTileNotGenerated) {
		t.Fatalf("expected ErrTileNotGenerated, got %v", err)
	}
	if _, err := s.GetOrLoadTile(ctx, "w", 5, 5, true); err != nil {
		t.Fatalf("generate tile: %v", err)
	}
	if got := s.LoadedTiles("w"); got != 2 {
		t.Fatalf("loaded tiles = %d, want 2", got)
	}
	if _, err := s.GetOrLoadTile(ctx, "nope", 0, 0, true); !errors.Is(err, ErrUnknownWorld) {
		t.Fatalf("expected ErrUnknownWorld, got %v", err)
	}
}

func TestMemStore_HighestSolidAndEdits(t *testing.T) {
	s := NewMemStore(&Dimension{Name: "w", Gen: Flat(0, 64, Grass)})
	if got := s.HighestSolidY("w", 10, -3); got != 64 {
		t.Fatalf("highest = %d, want 64", got)
	}
	s.Set("w", 10, 70, -3, Log)
	if got := s.HighestSolidY("w", 10, -3); got != 70 {
		t.Fatalf("highest after edit = %d, want 70", got)
	}
	if b := s.BlockAt("w", 10, 65, -3); !b.IsAir {
		t.Fatalf("expected air at 65, got %+v", b)
	}
	if b := s.BlockAt("w", 0, 64, 0); !b.IsSolid || b.Material != Grass {
		t.Fatalf("expected grass floor, got %+v", b)
	}
}

func TestTileOf_NegativeCoords(t *testing.T) {
	cx, cz := TileOf(-1, 16)
	if cx != -1 || cz != 1 {
		t.Fatalf("TileOf(-1,16) = %d,%d", cx, cz)
	}
}

func TestParseClass(t *testing.T) {
	for in, want := range map[string]Class{"open_sky": OpenSky, "NETHER": EnclosedRoof, "end": VoidBordered} {
		got, err := ParseClass(in)
		if err != nil || got != want {
			t.Fatalf("ParseClass(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseClass("moon"); err == nil {
		t.Fatalf("expected error for unknown class")
	}
}

func TestOnSimLoop(t *testing.T) {
	ctx := context.Background()
	if OnSimLoop(ctx) {
		t.Fatalf("plain context flagged as sim loop")
	}
	if !OnSimLoop(WithSimLoop(ctx)) {
		t.Fatalf("marked context not flagged")
	}
}

func TestMemHost_DoRunsOnSimLoop(t *testing.T) {
	h := NewMemHost()
	var onLoop bool
	if !h.Do(context.Background(), func(ctx context.Context) { onLoop = OnSimLoop(ctx) }) {
		t.Fatalf("Do did not run")
	}
	if !onLoop {
		t.Fatalf("loop context not marked")
	}
	h.Close()
	if h.Do(context.Background(), func(context.Context) {}) {
		t.Fatalf("Do ran after Close")
	}
}
