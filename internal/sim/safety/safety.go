// Package safety decides whether a standing position is survivable. It is a
// second pass over resolver output and never the only gate.
package safety

import (
	"voxelrtp.ai/internal/sim/terrain"
)

// Reason names why a candidate was rejected. The empty reason means safe.
type Reason string

const (
	OK Reason = ""

	ReasonHazardFloor     Reason = "HAZARDOUS_FLOOR"
	ReasonNonSolidFloor   Reason = "NON_SOLID_FLOOR"
	ReasonObstructed      Reason = "OBSTRUCTED_COLUMN"
	ReasonBlacklisted     Reason = "BLACKLISTED_MATERIAL"
	ReasonLiquidAdjacent  Reason = "LIQUID_OR_HAZARD_ADJACENT"
	ReasonCeilingMargin   Reason = "CEILING_MARGIN"
	ReasonVoidBand        Reason = "VOID_BAND"
	ReasonFloating        Reason = "FLOATING_PLATFORM"
	ReasonVoidAdjacent    Reason = "VOID_ADJACENT"
	ReasonFloorFamily     Reason = "FLOOR_FAMILY"
	ReasonSkyCeiling      Reason = "SKY_CEILING"
	ReasonNoGround        Reason = "NO_GROUND"
	ReasonDisallowedBiome Reason = "DISALLOWED_BIOME"
	ReasonClaimed         Reason = "CLAIMED_REGION"
	ReasonTileLoad        Reason = "TILE_LOAD_FAILED"
	ReasonCoordinateLimit Reason = "COORDINATE_LIMIT"
	ReasonOutsideBorder   Reason = "OUTSIDE_BORDER"
	ReasonValidatorVeto   Reason = "VALIDATOR_VETO"
)

// Rules are the per-dimension limits a position must respect.
type Rules struct {
	Class terrain.Class

	// Enclosed roof: feet below CeilingThreshold and head below RoofY.
	RoofY            int
	CeilingThreshold int

	// Void bordered: feet within [BandMin, BandMax] and solid ground within
	// GroundWindow blocks under the floor.
	BandMin      int
	BandMax      int
	GroundWindow int

	Blacklist map[terrain.Material]bool
}

type Validator struct {
	world terrain.World
}

func New(world terrain.World) *Validator {
	return &Validator{world: world}
}

// IsSafe checks pos, whose Y is the feet block, against rules.
func (v *Validator) IsSafe(pos terrain.Position, rules Rules) (bool, Reason) {
	b := pos.Block()
	w := pos.World

	floor := v.world.BlockAt(w, b.X, b.Y-1, b.Z)
	feet := v.world.BlockAt(w, b.X, b.Y, b.Z)
	head := v.world.BlockAt(w, b.X, b.Y+1, b.Z)

	if r := CheckFloor(floor, rules); r != OK {
		return false, r
	}
	if !feet.Passable() || !head.Passable() {
		return false, ReasonObstructed
	}
	if rules.Blacklist[feet.Material] || rules.Blacklist[head.Material] {
		return false, ReasonBlacklisted
	}

	switch rules.Class {
	case terrain.EnclosedRoof:
		if r := CheckCeiling(b.Y, rules); r != OK {
			return false, r
		}
	case terrain.VoidBordered:
		if b.Y < rules.BandMin || b.Y > rules.BandMax {
			return false, ReasonVoidBand
		}
		if !v.GroundBelow(w, b.X, b.Y-1, b.Z, rules.GroundWindow) {
			return false, ReasonFloating
		}
	}
	return true, OK
}

// CheckFloor rejects liquid, air and hazardous floors.
func CheckFloor(floor terrain.Block, rules Rules) Reason {
	if rules.Blacklist[floor.Material] {
		return ReasonBlacklisted
	}
	if terrain.IsHazard(floor.Material) {
		return ReasonHazardFloor
	}
	if !floor.IsSolid || floor.IsLiquid {
		return ReasonNonSolidFloor
	}
	return OK
}

// CheckCeiling enforces the roof exclusion margin for feet altitude y.
func CheckCeiling(y int, rules Rules) Reason {
	if y >= rules.CeilingThreshold || y+1 >= rules.RoofY {
		return ReasonCeilingMargin
	}
	return OK
}

// GroundBelow reports a solid block within window blocks under floorY.
func (v *Validator) GroundBelow(world string, x, floorY, z, window int) bool {
	if window <= 0 {
		return true
	}
	for dy := 1; dy <= window; dy++ {
		if v.world.BlockAt(world, x, floorY-dy, z).IsSolid {
			return true
		}
	}
	return false
}
