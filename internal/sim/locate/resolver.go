package locate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"time"

	"voxelrtp.ai/internal/sim/safety"
	"voxelrtp.ai/internal/sim/terrain"
)

var (
	ErrUnknownWorld = errors.New("locate: unknown world")
	ErrNoBorder     = errors.New("locate: world has no border")
)

// maxAttempts bounds any single search regardless of configuration.
const maxAttempts = 1000

// Profile is everything the resolver knows about one world.
type Profile struct {
	World string
	Class terrain.Class
	Rules safety.Rules

	Attempts      int
	MinRadius     int
	MaxRadius     int
	AllowGenerate bool

	// Enclosed roof: lowest floor altitude the downward scan reaches.
	ScanFloorY int

	// Void bordered.
	FloorFamily  map[terrain.Material]bool
	VoidReach    int
	VoidFraction float64

	BiomeAllow map[terrain.Biome]bool
	BiomeDeny  map[terrain.Biome]bool
}

// Query asks for one safe position. Nil radii fall back to the profile.
type Query struct {
	World     string
	Attempts  int
	MinRadius *int
	MaxRadius *int
}

func Int(v int) *int { return &v }

type Result struct {
	Pos       terrain.Position
	Found     bool
	Attempts  int
	Histogram Histogram
	Err       error
}

// Diagnostics receives one SearchReport per exhausted or failed search.
type Diagnostics interface {
	Write(v any) error
}

type SearchReport struct {
	Type      string         `json:"type"`
	World     string         `json:"world"`
	Class     string         `json:"class"`
	Attempts  int            `json:"attempts"`
	Found     bool           `json:"found"`
	Failures  map[string]int `json:"failures"`
	ElapsedMs int64          `json:"elapsed_ms"`
	At        string         `json:"at"`
}

type Options struct {
	World    terrain.World
	Claims   terrain.ClaimChecker
	Profiles []Profile

	CoordinateLimit int
	SkyCeilingY     int
	Seed            int64

	Diagnostics Diagnostics
	Logger      *log.Logger
}

type Resolver struct {
	world     terrain.World
	claims    terrain.ClaimChecker
	validator *safety.Validator
	sampler   *Sampler
	profiles  map[string]Profile

	coordLimit float64
	skyCeiling int

	diag Diagnostics
	log  *log.Logger
}

func New(opts Options) (*Resolver, error) {
	if opts.World == nil {
		return nil, fmt.Errorf("locate: nil world")
	}
	profiles := map[string]Profile{}
	for _, p := range opts.Profiles {
		if p.World == "" {
			return nil, fmt.Errorf("locate: profile without world")
		}
		if p.Class == terrain.ClassUnknown {
			return nil, fmt.Errorf("locate: world %s has no dimension class", p.World)
		}
		profiles[p.World] = p
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	limit := float64(opts.CoordinateLimit)
	if limit <= 0 {
		limit = 29_000_000
	}
	sky := opts.SkyCeilingY
	if sky <= 0 {
		sky = 300
	}
	return &Resolver{
		world:      opts.World,
		claims:     opts.Claims,
		validator:  safety.New(opts.World),
		sampler:    NewSampler(opts.Seed),
		profiles:   profiles,
		coordLimit: limit,
		skyCeiling: sky,
		diag:       opts.Diagnostics,
		log:        logger,
	}, nil
}

func (r *Resolver) Profile(world string) (Profile, bool) {
	p, ok := r.profiles[world]
	return p, ok
}

// Find blocks until a safe position is found, the budget runs out or ctx
// is done. Not-found is (zero, false, nil).
func (r *Resolver) Find(ctx context.Context, q Query) (terrain.Position, bool, error) {
	res := r.Search(ctx, q)
	return res.Pos, res.Found, res.Err
}

// FindAsync runs Search on its own goroutine; the channel yields exactly one
// Result.
func (r *Resolver) FindAsync(ctx context.Context, q Query) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		out <- r.Search(ctx, q)
	}()
	return out
}

// search is the retry state carried from one attempt to the next.
type search struct {
	profile   Profile
	border    terrain.Border
	minR      float64
	maxR      float64
	budget    int
	remaining int
	hist      Histogram
	started   time.Time
}

func (r *Resolver) Search(ctx context.Context, q Query) Result {
	p, ok := r.profiles[q.World]
	if !ok {
		return Result{Err: fmt.Errorf("%w: %s", ErrUnknownWorld, q.World)}
	}
	border, ok := r.world.BorderOf(q.World)
	if !ok {
		return Result{Err: fmt.Errorf("%w: %s", ErrNoBorder, q.World)}
	}

	budget := q.Attempts
	if budget <= 0 {
		budget = p.Attempts
	}
	if budget <= 0 {
		budget = 1
	}
	if budget > maxAttempts {
		budget = maxAttempts
	}

	s := &search{
		profile:   p,
		border:    border,
		budget:    budget,
		remaining: budget,
		hist:      Histogram{},
		started:   time.Now(),
	}
	s.minR, s.maxR = annulus(p, border, q)

	for s.remaining > 0 {
		if err := ctx.Err(); err != nil {
			return Result{Attempts: s.budget - s.remaining, Histogram: s.hist, Err: err}
		}
		s.remaining--
		pos, reason, err := r.attempt(ctx, s)
		if err != nil {
			return Result{Attempts: s.budget - s.remaining, Histogram: s.hist, Err: err}
		}
		if reason == safety.OK {
			return Result{Pos: pos, Found: true, Attempts: s.budget - s.remaining, Histogram: s.hist}
		}
		s.hist.Add(reason)
	}

	r.report(s)
	return Result{Attempts: s.budget, Histogram: s.hist}
}

func (r *Resolver) report(s *search) {
	r.log.Printf("no safe location in %s after %d attempts (r=%.0f..%.0f): %s",
		s.profile.World, s.budget, s.minR, s.maxR, s.hist.String())
	if r.diag == nil {
		return
	}
	rep := SearchReport{
		Type:      "SEARCH_EXHAUSTED",
		World:     s.profile.World,
		Class:     s.profile.Class.String(),
		Attempts:  s.budget,
		Found:     false,
		Failures:  s.hist.toMap(),
		ElapsedMs: time.Since(s.started).Milliseconds(),
		At:        time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := r.diag.Write(rep); err != nil {
		r.log.Printf("diagnostics write: %v", err)
	}
}

// attempt samples and checks one candidate. A non-nil error means the
// search itself must stop (context cancelled).
func (r *Resolver) attempt(ctx context.Context, s *search) (terrain.Position, safety.Reason, error) {
	p := s.profile
	x, z, _ := r.sampler.Point(s.border.CenterX, s.border.CenterZ, s.minR, s.maxR)
	x, z = clampToBorder(x, z, s.border)
	if math.Abs(x) > r.coordLimit || math.Abs(z) > r.coordLimit {
		return terrain.Position{}, safety.ReasonCoordinateLimit, nil
	}
	bx, bz := int(math.Floor(x)), int(math.Floor(z))

	cx, cz := terrain.TileOf(bx, bz)
	if _, err := r.world.GetOrLoadTile(ctx, p.World, cx, cz, p.AllowGenerate); err != nil {
		if ctx.Err() != nil {
			return terrain.Position{}, safety.OK, ctx.Err()
		}
		return terrain.Position{}, safety.ReasonTileLoad, nil
	}

	var (
		y      int
		reason safety.Reason
	)
	switch p.Class {
	case terrain.OpenSky:
		y, reason = r.openSky(p, bx, bz)
	case terrain.EnclosedRoof:
		y, reason = r.enclosedRoof(p, bx, bz)
	case terrain.VoidBordered:
		y, reason = r.voidBordered(p, bx, bz)
	default:
		return terrain.Position{}, safety.OK, fmt.Errorf("locate: world %s has no dimension class", p.World)
	}
	if reason != safety.OK {
		return terrain.Position{}, reason, nil
	}

	pos := terrain.BlockPos{X: bx, Y: y, Z: bz}.Center(p.World)
	if reason := r.Check(p, pos); reason != safety.OK {
		return terrain.Position{}, reason, nil
	}
	return pos, safety.OK, nil
}

// Check runs the class-independent checks and the validator on a position
// picked by the caller. The tile must already be loaded.
func (r *Resolver) Check(p Profile, pos terrain.Position) safety.Reason {
	if reason := r.generic(p, pos); reason != safety.OK {
		return reason
	}
	if ok, reason := r.validator.IsSafe(pos, p.Rules); !ok {
		if reason == safety.OK {
			reason = safety.ReasonValidatorVeto
		}
		return reason
	}
	return safety.OK
}

// openSky stands on the highest solid, non-foliage block.
func (r *Resolver) openSky(p Profile, x, z int) (int, safety.Reason) {
	y := r.world.HighestSolidY(p.World, x, z)
	for i := 0; i < 64; i++ {
		b := r.world.BlockAt(p.World, x, y, z)
		if !b.IsAir && !terrain.IsFoliage(b.Material) {
			break
		}
		y--
	}
	floor := r.world.BlockAt(p.World, x, y, z)
	if floor.IsAir {
		return 0, safety.ReasonNoGround
	}
	if y >= r.skyCeiling {
		return 0, safety.ReasonSkyCeiling
	}
	if reason := safety.CheckFloor(floor, p.Rules); reason != safety.OK {
		return 0, reason
	}
	return y + 1, safety.OK
}

// enclosedRoof scans down from below the ceiling threshold for the first
// solid floor with two passable blocks above it.
func (r *Resolver) enclosedRoof(p Profile, x, z int) (int, safety.Reason) {
	top := p.Rules.CeilingThreshold - 1
	if top >= p.Rules.RoofY-1 {
		top = p.Rules.RoofY - 2
	}
	for y := top; y > p.ScanFloorY; y-- {
		if !r.standable(p, x, y, z) {
			continue
		}
		// Same margin as safety.IsSafe. Checked here too: one miss puts a
		// player inside the roof.
		if reason := safety.CheckCeiling(y, p.Rules); reason != safety.OK {
			return 0, reason
		}
		return y, safety.OK
	}
	return 0, safety.ReasonNoGround
}

// voidBordered scans the altitude band for a recognized island floor that is
// neither a thin platform nor mostly surrounded by void.
func (r *Resolver) voidBordered(p Profile, x, z int) (int, safety.Reason) {
	for y := p.Rules.BandMax; y >= p.Rules.BandMin; y-- {
		if !r.standable(p, x, y, z) {
			continue
		}
		floor := r.world.BlockAt(p.World, x, y-1, z)
		if len(p.FloorFamily) > 0 && !p.FloorFamily[floor.Material] {
			return 0, safety.ReasonFloorFamily
		}
		if !r.validator.GroundBelow(p.World, x, y-1, z, p.Rules.GroundWindow) {
			return 0, safety.ReasonFloating
		}
		if r.voidFraction(p, x, y, z) > p.VoidFraction {
			return 0, safety.ReasonVoidAdjacent
		}
		return y, safety.OK
	}
	return 0, safety.ReasonNoGround
}

func (r *Resolver) standable(p Profile, x, y, z int) bool {
	floor := r.world.BlockAt(p.World, x, y-1, z)
	if safety.CheckFloor(floor, p.Rules) != safety.OK {
		return false
	}
	return r.world.BlockAt(p.World, x, y, z).Passable() && r.world.BlockAt(p.World, x, y+1, z).Passable()
}

// voidFraction is the share of neighbouring columns with nothing solid in
// the ground window under feet level y.
func (r *Resolver) voidFraction(p Profile, x, y, z int) float64 {
	reach := p.VoidReach
	if reach <= 0 {
		reach = 1
	}
	window := p.Rules.GroundWindow
	if window <= 0 {
		window = 1
	}
	total, empty := 0, 0
	for dx := -reach; dx <= reach; dx++ {
		for dz := -reach; dz <= reach; dz++ {
			if dx == 0 && dz == 0 {
				continue
			}
			total++
			supported := false
			for dy := 1; dy <= window; dy++ {
				if r.world.BlockAt(p.World, x+dx, y-dy, z+dz).IsSolid {
					supported = true
					break
				}
			}
			if !supported {
				empty++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(empty) / float64(total)
}

// generic runs the checks shared by every dimension class.
func (r *Resolver) generic(p Profile, pos terrain.Position) safety.Reason {
	b := pos.Block()
	w := p.World
	for _, y := range []int{b.Y - 1, b.Y, b.Y + 1} {
		if p.Rules.Blacklist[r.world.BlockAt(w, b.X, y, b.Z).Material] {
			return safety.ReasonBlacklisted
		}
	}
	for dx := -1; dx <= 1; dx++ {
		for dz := -1; dz <= 1; dz++ {
			if dx == 0 && dz == 0 {
				continue
			}
			for _, y := range []int{b.Y, b.Y + 1} {
				nb := r.world.BlockAt(w, b.X+dx, y, b.Z+dz)
				if nb.IsLiquid || terrain.IsHazard(nb.Material) {
					return safety.ReasonLiquidAdjacent
				}
			}
			if terrain.IsHazard(r.world.BlockAt(w, b.X+dx, b.Y-1, b.Z+dz).Material) {
				return safety.ReasonLiquidAdjacent
			}
		}
	}
	biome := r.world.BiomeAt(w, b.X, b.Y, b.Z)
	if len(p.BiomeAllow) > 0 && !p.BiomeAllow[biome] {
		return safety.ReasonDisallowedBiome
	}
	if p.BiomeDeny[biome] {
		return safety.ReasonDisallowedBiome
	}
	if r.claims != nil && r.claims.IsClaimed(pos) {
		return safety.ReasonClaimed
	}
	return safety.OK
}
