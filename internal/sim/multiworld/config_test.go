package multiworld

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"voxelrtp.ai/internal/sim/terrain"
	"voxelrtp.ai/internal/sim/tuning"
)

func TestLoad_WorldsYAML(t *testing.T) {
	cfg, err := Load("../../../configs/worlds.yaml")
	if err != nil {
		t.Fatalf("load worlds.yaml: %v", err)
	}
	if cfg.DefaultWorldID != "world" {
		t.Fatalf("default world: got %q", cfg.DefaultWorldID)
	}
	owner, ok := cfg.Owner("world_the_end")
	if !ok || owner != "survival-2" {
		t.Fatalf("owner of world_the_end: got %q ok=%v", owner, ok)
	}
	local := cfg.LocalWorlds("survival-1")
	if len(local) != 2 || local[0].ID != "world" || local[1].ID != "world_nether" {
		t.Fatalf("local worlds for survival-1: %+v", local)
	}
	nether, _ := cfg.WorldSpecByID("world_nether")
	if nether.RoofY != 127 || nether.CeilingY != 120 {
		t.Fatalf("nether heights: roof=%d ceiling=%d", nether.RoofY, nether.CeilingY)
	}
}

func TestLoad_SchemaRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worlds.yaml")
	doc := "worlds:\n  - id: a\n    class: OPEN_SKY\n    server: s1\n    border_r: 100\n    boundary: 4\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected schema error for unknown field")
	}
}

func TestLoad_SchemaRejectsBadClass(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worlds.yaml")
	doc := "worlds:\n  - id: a\n    class: UNDERWATER\n    server: s1\n    border_r: 100\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "worlds.yaml") {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	end, ok := cfg.WorldSpecByID("world_the_end")
	if !ok || len(end.FloorFamily) == 0 || end.GroundWindow != 4 {
		t.Fatalf("void defaults not applied: %+v", end)
	}
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "duplicate",
			cfg: Config{Worlds: []WorldSpec{
				{ID: "a", Class: "OPEN_SKY", Server: "s", BorderR: 10},
				{ID: "a", Class: "OPEN_SKY", Server: "s", BorderR: 10},
			}},
			want: "duplicate",
		},
		{
			name: "radii",
			cfg: Config{Worlds: []WorldSpec{
				{ID: "a", Class: "OPEN_SKY", Server: "s", BorderR: 10, MinRadius: 50, MaxRadius: 20},
			}},
			want: "min_radius",
		},
		{
			name: "ceiling",
			cfg: Config{Worlds: []WorldSpec{
				{ID: "n", Class: "ENCLOSED_ROOF", Server: "s", BorderR: 10, RoofY: 100, CeilingY: 110},
			}},
			want: "ceiling_y",
		},
		{
			name: "default",
			cfg: Config{DefaultWorldID: "x", Worlds: []WorldSpec{
				{ID: "a", Class: "OPEN_SKY", Server: "s", BorderR: 10},
			}},
			want: "default_world_id",
		},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestWorldSpec_Profile(t *testing.T) {
	w := WorldSpec{
		ID: "end", Class: "void_bordered", Server: "s", BorderR: 500,
		MinRadius: 10, MaxRadius: 400, BiomeDeny: []string{"ocean"},
	}
	cfg := Config{Worlds: []WorldSpec{w}}
	cfg.Normalize()
	p := cfg.Worlds[0].Profile(tuning.Defaults())
	if p.Class != terrain.VoidBordered || p.Rules.Class != terrain.VoidBordered {
		t.Fatalf("class: %v", p.Class)
	}
	if p.Attempts != 60 {
		t.Fatalf("attempts: got %d want 60", p.Attempts)
	}
	if !p.FloorFamily[terrain.EndStone] || !p.BiomeDeny["OCEAN"] {
		t.Fatalf("sets not carried: family=%v deny=%v", p.FloorFamily, p.BiomeDeny)
	}
	if !p.Rules.Blacklist[terrain.Lava] {
		t.Fatalf("default blacklist missing lava")
	}
}
