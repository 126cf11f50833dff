package terrain

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// Class is the topology family of a dimension. It decides which search branch
// and which safety rules apply.
type Class int

const (
	ClassUnknown Class = iota
	OpenSky
	EnclosedRoof
	VoidBordered
)

func (c Class) String() string {
	switch c {
	case OpenSky:
		return "OPEN_SKY"
	case EnclosedRoof:
		return "ENCLOSED_ROOF"
	case VoidBordered:
		return "VOID_BORDERED"
	default:
		return "UNKNOWN"
	}
}

func ParseClass(s string) (Class, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OPEN_SKY", "OVERWORLD", "NORMAL":
		return OpenSky, nil
	case "ENCLOSED_ROOF", "NETHER":
		return EnclosedRoof, nil
	case "VOID_BORDERED", "END", "THE_END":
		return VoidBordered, nil
	default:
		return ClassUnknown, fmt.Errorf("unknown dimension class %q", s)
	}
}

type Biome string

// Position is a standing position: X/Z are block centers, Y is the feet block.
type Position struct {
	World string  `json:"world"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Yaw   float32 `json:"yaw"`
	Pitch float32 `json:"pitch"`
}

func (p Position) Block() BlockPos {
	return BlockPos{
		X: int(math.Floor(p.X)),
		Y: int(math.Floor(p.Y)),
		Z: int(math.Floor(p.Z)),
	}
}

func (p Position) String() string {
	return fmt.Sprintf("%s(%.1f,%.1f,%.1f)", p.World, p.X, p.Y, p.Z)
}

type BlockPos struct {
	X, Y, Z int
}

// Center returns the standing position at the middle of the block.
func (b BlockPos) Center(world string) Position {
	return Position{World: world, X: float64(b.X) + 0.5, Y: float64(b.Y), Z: float64(b.Z) + 0.5}
}

// Border is a square world border around a center. Radius is half the side.
type Border struct {
	CenterX float64 `json:"center_x"`
	CenterZ float64 `json:"center_z"`
	Radius  float64 `json:"radius"`
}

func (b Border) Contains(x, z float64) bool {
	if b.Radius <= 0 {
		return true
	}
	return math.Abs(x-b.CenterX) <= b.Radius && math.Abs(z-b.CenterZ) <= b.Radius
}

// Tile is a loaded 16x16 column of terrain.
type Tile struct {
	World string
	CX    int
	CZ    int
}

const TileSize = 16

// World is the terrain read capability. Implementations must be safe for
// concurrent readers.
type World interface {
	GetOrLoadTile(ctx context.Context, world string, cx, cz int, allowGenerate bool) (Tile, error)
	BlockAt(world string, x, y, z int) Block
	// HighestSolidY returns the altitude of the highest non-air block in the
	// column, or the dimension's min height minus one for an empty column.
	HighestSolidY(world string, x, z int) int
	BiomeAt(world string, x, y, z int) Biome
	BorderOf(world string) (Border, bool)
}

// Host is the entity/session capability of the server process.
// TeleportAsync must apply the move on whatever goroutine owns the entity.
type Host interface {
	TeleportAsync(ctx context.Context, playerID string, pos Position) <-chan bool
	IsOnline(playerID string) bool
	SendToProcess(playerID, serverID string)
	Notify(playerID, msg string)
}

// ClaimChecker vetoes positions inside protected regions.
type ClaimChecker interface {
	IsClaimed(pos Position) bool
}

type simLoopKey struct{}

// WithSimLoop marks ctx as running on the simulation loop.
func WithSimLoop(ctx context.Context) context.Context {
	return context.WithValue(ctx, simLoopKey{}, true)
}

// OnSimLoop reports whether ctx was derived from WithSimLoop.
func OnSimLoop(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(simLoopKey{}).(bool)
	return v
}
