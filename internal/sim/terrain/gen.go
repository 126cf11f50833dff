package terrain

import (
	"github.com/aquilax/go-perlin"
)

func FloorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func Hash2(seed int64, x, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

// RegionBiomes assigns one biome per square region of the given size.
func RegionBiomes(seed int64, regionSize int, biomes ...Biome) func(x, z int) Biome {
	if regionSize <= 0 {
		regionSize = 1
	}
	if len(biomes) == 0 {
		biomes = []Biome{"PLAINS", "FOREST", "DESERT"}
	}
	return func(x, z int) Biome {
		h := Hash2(seed, FloorDiv(x, regionSize), FloorDiv(z, regionSize))
		return biomes[h%uint64(len(biomes))]
	}
}

// Flat returns a generator with bedrock at minY, stone up to floorY-1 and
// top at floorY.
func Flat(minY, floorY int, top Material) Generator {
	return func(x, y, z int) Material {
		switch {
		case y == minY:
			return Bedrock
		case y < floorY:
			return Stone
		case y == floorY:
			return top
		default:
			return Air
		}
	}
}

// NoiseOverworld is an open-sky dimension with perlin hills and sea level 62.
func NoiseOverworld(name string, seed int64, border Border) *Dimension {
	p := perlin.NewPerlin(2, 2, 3, seed)
	height := func(x, z int) int {
		n := p.Noise2D(float64(x)/96, float64(z)/96)
		return 64 + int(n*24)
	}
	const sea = 62
	return &Dimension{
		Name:   name,
		Border: border,
		MinY:   0,
		MaxY:   319,
		Biome:  RegionBiomes(seed, 128, "PLAINS", "FOREST", "DESERT", "OCEAN"),
		Gen: func(x, y, z int) Material {
			h := height(x, z)
			switch {
			case y == 0:
				return Bedrock
			case y < h-3:
				return Stone
			case y < h:
				return Dirt
			case y == h:
				if h <= sea {
					return Sand
				}
				return Grass
			case y <= sea:
				return Water
			case y == h+1 && Hash2(seed, x, z)%17 == 0:
				return TallGrass
			default:
				return Air
			}
		},
	}
}

// NoiseCaverns is an enclosed-roof dimension: bedrock floor and roof, perlin
// carved caves and a lava sea.
func NoiseCaverns(name string, seed int64, border Border, roofY int) *Dimension {
	p := perlin.NewPerlin(2, 2, 3, seed)
	const lavaSea = 31
	return &Dimension{
		Name:   name,
		Border: border,
		MinY:   0,
		MaxY:   roofY,
		Biome:  RegionBiomes(seed, 96, "NETHER_WASTES", "SOUL_SAND_VALLEY", "BASALT_DELTAS"),
		Gen: func(x, y, z int) Material {
			switch {
			case y == 0 || y >= roofY-3:
				return Bedrock
			}
			if p.Noise3D(float64(x)/32, float64(y)/16, float64(z)/32) > 0.05 {
				return Netherrack
			}
			if y <= lavaSea {
				return Lava
			}
			return Air
		},
	}
}

// NoiseIslands is a void-bordered dimension: end stone islands floating over
// nothing.
func NoiseIslands(name string, seed int64, border Border) *Dimension {
	p := perlin.NewPerlin(2, 2, 3, seed)
	return &Dimension{
		Name:   name,
		Border: border,
		MinY:   0,
		MaxY:   255,
		Biome:  RegionBiomes(seed, 256, "THE_END", "END_HIGHLANDS"),
		Gen: func(x, y, z int) Material {
			n := p.Noise2D(float64(x)/64, float64(z)/64)
			if n < 0.1 {
				return Air
			}
			top := 56 + int(n*20)
			bottom := top - int(n*30) - 2
			if y <= top && y >= bottom {
				return EndStone
			}
			return Air
		},
	}
}
