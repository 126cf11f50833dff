package terrain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownWorld     = errors.New("unknown world")
	ErrTileNotGenerated = errors.New("tile not generated")
)

type ChunkKey struct {
	CX int
	CZ int
}

// Generator is the procedural base of a dimension; edits override it.
type Generator func(x, y, z int) Material

// Dimension is one in-memory dimension: a generator plus sparse edits.
type Dimension struct {
	Name   string
	Border Border
	MinY   int
	MaxY   int

	Gen   Generator
	Biome func(x, z int) Biome
	// Pregenerated reports tiles that exist without generation. Nil means all.
	Pregenerated func(cx, cz int) bool
	// LoadErr, when set, fails tile loads for the chunks it returns an error for.
	LoadErr func(cx, cz int) error

	edits  map[BlockPos]Material
	loaded map[ChunkKey]bool
}

// MemStore is an in-memory World. It backs tests and the demo server.
type MemStore struct {
	mu   sync.RWMutex
	dims map[string]*Dimension
}

func NewMemStore(dims ...*Dimension) *MemStore {
	s := &MemStore{dims: map[string]*Dimension{}}
	for _, d := range dims {
		s.Add(d)
	}
	return s
}

func (s *MemStore) Add(d *Dimension) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.edits == nil {
		d.edits = map[BlockPos]Material{}
	}
	if d.loaded == nil {
		d.loaded = map[ChunkKey]bool{}
	}
	if d.MaxY == 0 && d.MinY == 0 {
		d.MaxY = 255
	}
	s.dims[d.Name] = d
}

func (s *MemStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.dims))
	for n := range s.dims {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s *MemStore) dim(world string) *Dimension {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dims[world]
}

// Set overrides a single block.
func (s *MemStore) Set(world string, x, y, z int, m Material) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dims[world]
	if d == nil {
		return
	}
	d.edits[BlockPos{X: x, Y: y, Z: z}] = m
}

func (s *MemStore) GetOrLoadTile(ctx context.Context, world string, cx, cz int, allowGenerate bool) (Tile, error) {
	if err := ctx.Err(); err != nil {
		return Tile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dims[world]
	if d == nil {
		return Tile{}, fmt.Errorf("%w: %s", ErrUnknownWorld, world)
	}
	if d.LoadErr != nil {
		if err := d.LoadErr(cx, cz); err != nil {
			return Tile{}, err
		}
	}
	k := ChunkKey{CX: cx, CZ: cz}
	if !d.loaded[k] {
		exists := d.Pregenerated == nil || d.Pregenerated(cx, cz)
		if !exists && !allowGenerate {
			return Tile{}, fmt.Errorf("%w: %s %d,%d", ErrTileNotGenerated, world, cx, cz)
		}
		d.loaded[k] = true
	}
	return Tile{World: world, CX: cx, CZ: cz}, nil
}

// LoadedTiles returns the number of tiles touched so far in world.
func (s *MemStore) LoadedTiles(world string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d := s.dims[world]; d != nil {
		return len(d.loaded)
	}
	return 0
}

func (s *MemStore) BlockAt(world string, x, y, z int) Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.dims[world]
	if d == nil {
		return BlockOf(Air)
	}
	return BlockOf(d.materialLocked(x, y, z))
}

func (d *Dimension) materialLocked(x, y, z int) Material {
	if y < d.MinY || y > d.MaxY {
		return Air
	}
	if m, ok := d.edits[BlockPos{X: x, Y: y, Z: z}]; ok {
		return m
	}
	if d.Gen == nil {
		return Air
	}
	return d.Gen(x, y, z)
}

func (s *MemStore) HighestSolidY(world string, x, z int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.dims[world]
	if d == nil {
		return -1
	}
	for y := d.MaxY; y >= d.MinY; y-- {
		if !BlockOf(d.materialLocked(x, y, z)).IsAir {
			return y
		}
	}
	return d.MinY - 1
}

func (s *MemStore) BiomeAt(world string, x, y, z int) Biome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.dims[world]
	if d == nil || d.Biome == nil {
		return "PLAINS"
	}
	return d.Biome(x, z)
}

func (s *MemStore) BorderOf(world string) (Border, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.dims[world]
	if d == nil {
		return Border{}, false
	}
	return d.Border, true
}

// TileOf returns the tile coordinates containing block x,z.
func TileOf(x, z int) (int, int) {
	return FloorDiv(x, TileSize), FloorDiv(z, TileSize)
}
