package safety

import (
	"testing"

	"voxelrtp.ai/internal/sim/terrain"
)

func netherRules() Rules {
	return Rules{Class: terrain.EnclosedRoof, RoofY: 127, CeilingThreshold: 120}
}

func TestIsSafe_OpenSkyFloorAndColumn(t *testing.T) {
	s := terrain.NewMemStore(&terrain.Dimension{Name: "w", Gen: terrain.Flat(0, 64, terrain.Grass)})
	v := New(s)
	rules := Rules{Class: terrain.OpenSky}

	if ok, r := v.IsSafe(terrain.Position{World: "w", X: 3.5, Y: 65, Z: 3.5}, rules); !ok {
		t.Fatalf("flat floor rejected: %s", r)
	}

	s.Set("w", 3, 64, 3, terrain.Magma)
	if ok, r := v.IsSafe(terrain.Position{World: "w", X: 3.5, Y: 65, Z: 3.5}, rules); ok || r != ReasonHazardFloor {
		t.Fatalf("magma floor: ok=%v reason=%s", ok, r)
	}

	s.Set("w", 4, 64, 4, terrain.Water)
	if ok, r := v.IsSafe(terrain.Position{World: "w", X: 4.5, Y: 65, Z: 4.5}, rules); ok || r != ReasonNonSolidFloor {
		t.Fatalf("water floor: ok=%v reason=%s", ok, r)
	}

	s.Set("w", 5, 66, 5, terrain.Stone)
	if ok, r := v.IsSafe(terrain.Position{World: "w", X: 5.5, Y: 65, Z: 5.5}, rules); ok || r != ReasonObstructed {
		t.Fatalf("blocked head: ok=%v reason=%s", ok, r)
	}
}

func TestIsSafe_Blacklist(t *testing.T) {
	s := terrain.NewMemStore(&terrain.Dimension{Name: "w", Gen: terrain.Flat(0, 64, terrain.Sand)})
	v := New(s)
	rules := Rules{Class: terrain.OpenSky, Blacklist: map[terrain.Material]bool{terrain.Sand: true}}
	if ok, r := v.IsSafe(terrain.Position{World: "w", X: 0.5, Y: 65, Z: 0.5}, rules); ok || r != ReasonBlacklisted {
		t.Fatalf("blacklisted floor: ok=%v reason=%s", ok, r)
	}
}

func TestIsSafe_EnclosedRoofMargin(t *testing.T) {
	gen := func(x, y, z int) terrain.Material {
		switch {
		case y == 0 || y >= 127:
			return terrain.Bedrock
		case y == 124 || y == 125:
			return terrain.Air
		case y == 80 || y == 81:
			return terrain.Air
		default:
			return terrain.Netherrack
		}
	}
	s := terrain.NewMemStore(&terrain.Dimension{Name: "n", Gen: gen, MaxY: 127})
	v := New(s)

	if ok, r := v.IsSafe(terrain.Position{World: "n", X: 0.5, Y: 80, Z: 0.5}, netherRules()); !ok {
		t.Fatalf("pocket at 80 rejected: %s", r)
	}
	if ok, r := v.IsSafe(terrain.Position{World: "n", X: 0.5, Y: 124, Z: 0.5}, netherRules()); ok || r != ReasonCeilingMargin {
		t.Fatalf("pocket under roof: ok=%v reason=%s", ok, r)
	}
}

func TestCheckCeiling(t *testing.T) {
	rules := Rules{RoofY: 127, CeilingThreshold: 200}
	if CheckCeiling(125, rules) != OK {
		t.Fatalf("head at 126 below roof must pass")
	}
	if CheckCeiling(126, rules) != ReasonCeilingMargin {
		t.Fatalf("head at roof must fail")
	}
}

func TestIsSafe_VoidBandAndFloating(t *testing.T) {
	s := terrain.NewMemStore(&terrain.Dimension{Name: "e", Gen: func(x, y, z int) terrain.Material {
		if y >= 55 && y <= 60 {
			return terrain.EndStone
		}
		return terrain.Air
	}})
	v := New(s)
	rules := Rules{Class: terrain.VoidBordered, BandMin: 40, BandMax: 120, GroundWindow: 4}

	if ok, r := v.IsSafe(terrain.Position{World: "e", X: 0.5, Y: 61, Z: 0.5}, rules); !ok {
		t.Fatalf("island top rejected: %s", r)
	}

	// single block platform in the void
	s.Set("e", 100, 90, 100, terrain.Obsidian)
	if ok, r := v.IsSafe(terrain.Position{World: "e", X: 100.5, Y: 91, Z: 100.5}, rules); ok || r != ReasonFloating {
		t.Fatalf("platform: ok=%v reason=%s", ok, r)
	}

	narrow := rules
	narrow.BandMax = 50
	if ok, r := v.IsSafe(terrain.Position{World: "e", X: 0.5, Y: 61, Z: 0.5}, narrow); ok || r != ReasonVoidBand {
		t.Fatalf("band: ok=%v reason=%s", ok, r)
	}
}
