package terrain

type Material string

const (
	Air        Material = "AIR"
	CaveAir    Material = "CAVE_AIR"
	Stone      Material = "STONE"
	Dirt       Material = "DIRT"
	Grass      Material = "GRASS_BLOCK"
	Sand       Material = "SAND"
	Gravel     Material = "GRAVEL"
	Snow       Material = "SNOW_BLOCK"
	Ice        Material = "ICE"
	Log        Material = "OAK_LOG"
	Planks     Material = "OAK_PLANKS"
	Bedrock    Material = "BEDROCK"
	Water      Material = "WATER"
	Lava       Material = "LAVA"
	Leaves     Material = "OAK_LEAVES"
	TallGrass  Material = "TALL_GRASS"
	Fern       Material = "FERN"
	Vine       Material = "VINE"
	Cactus     Material = "CACTUS"
	Magma      Material = "MAGMA_BLOCK"
	Fire       Material = "FIRE"
	Campfire   Material = "CAMPFIRE"
	PowderSnow Material = "POWDER_SNOW"
	BerryBush  Material = "SWEET_BERRY_BUSH"
	Netherrack Material = "NETHERRACK"
	SoulSand   Material = "SOUL_SAND"
	Basalt     Material = "BASALT"
	EndStone   Material = "END_STONE"
	Obsidian   Material = "OBSIDIAN"
	Purpur     Material = "PURPUR_BLOCK"
)

type Block struct {
	Material Material
	IsSolid  bool
	IsLiquid bool
	IsAir    bool
}

type materialInfo struct {
	solid   bool
	liquid  bool
	air     bool
	hazard  bool
	foliage bool
}

var materials = map[Material]materialInfo{
	Air:        {air: true},
	CaveAir:    {air: true},
	Stone:      {solid: true},
	Dirt:       {solid: true},
	Grass:      {solid: true},
	Sand:       {solid: true},
	Gravel:     {solid: true},
	Snow:       {solid: true},
	Ice:        {solid: true},
	Log:        {solid: true},
	Planks:     {solid: true},
	Bedrock:    {solid: true},
	Water:      {liquid: true},
	Lava:       {liquid: true, hazard: true},
	Leaves:     {solid: true, foliage: true},
	TallGrass:  {foliage: true},
	Fern:       {foliage: true},
	Vine:       {foliage: true},
	Cactus:     {solid: true, hazard: true},
	Magma:      {solid: true, hazard: true},
	Fire:       {hazard: true},
	Campfire:   {solid: true, hazard: true},
	PowderSnow: {hazard: true},
	BerryBush:  {hazard: true, foliage: true},
	Netherrack: {solid: true},
	SoulSand:   {solid: true},
	Basalt:     {solid: true},
	EndStone:   {solid: true},
	Obsidian:   {solid: true},
	Purpur:     {solid: true},
}

// BlockOf describes a material. Unknown materials are treated as solid.
func BlockOf(m Material) Block {
	info, ok := materials[m]
	if !ok {
		if m == "" {
			return Block{Material: Air, IsAir: true}
		}
		return Block{Material: m, IsSolid: true}
	}
	return Block{Material: m, IsSolid: info.solid, IsLiquid: info.liquid, IsAir: info.air}
}

// IsHazard reports materials that hurt a player standing in or on them.
func IsHazard(m Material) bool {
	return materials[m].hazard
}

// IsFoliage reports plants and leaves that sit on top of the real ground.
func IsFoliage(m Material) bool {
	return materials[m].foliage
}

// Passable reports whether a player body can occupy the block.
func (b Block) Passable() bool {
	if b.IsAir {
		return true
	}
	if b.IsSolid || b.IsLiquid {
		return false
	}
	return !IsHazard(b.Material)
}
