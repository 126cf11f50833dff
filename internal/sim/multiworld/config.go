package multiworld

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"voxelrtp.ai/internal/sim/locate"
	"voxelrtp.ai/internal/sim/safety"
	"voxelrtp.ai/internal/sim/terrain"
	"voxelrtp.ai/internal/sim/tuning"
)

//go:embed worlds.schema.json
var worldsSchema string

type Config struct {
	DefaultWorldID string      `yaml:"default_world_id"`
	Worlds         []WorldSpec `yaml:"worlds"`
}

type WorldSpec struct {
	ID    string `yaml:"id"`
	Class string `yaml:"class"`
	// Server is the id of the process that owns the world's terrain.
	Server string `yaml:"server"`

	CenterX       int  `yaml:"center_x"`
	CenterZ       int  `yaml:"center_z"`
	BorderR       int  `yaml:"border_r"`
	MinRadius     int  `yaml:"min_radius"`
	MaxRadius     int  `yaml:"max_radius"`
	AllowGenerate bool `yaml:"allow_generate"`

	CacheEnabled bool `yaml:"cache_enabled"`
	CacheSize    int  `yaml:"cache_size"`

	RoofY      int `yaml:"roof_y"`
	CeilingY   int `yaml:"ceiling_y"`
	ScanFloorY int `yaml:"scan_floor_y"`

	BandMin      int      `yaml:"band_min"`
	BandMax      int      `yaml:"band_max"`
	GroundWindow int      `yaml:"ground_window"`
	VoidReach    int      `yaml:"void_reach"`
	VoidFraction float64  `yaml:"void_fraction"`
	FloorFamily  []string `yaml:"floor_family,omitempty"`

	BiomeAllow []string `yaml:"biome_allow,omitempty"`
	BiomeDeny  []string `yaml:"biome_deny,omitempty"`
	Blacklist  []string `yaml:"blacklist,omitempty"`
}

// Load reads worlds.yaml, checks it against the embedded schema and
// normalizes it.
func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := validateSchema(b); err != nil {
		return cfg, fmt.Errorf("worlds.yaml: %w", err)
	}
	cfg = Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("worlds.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("worlds.yaml: %w", err)
	}
	return cfg, nil
}

func validateSchema(raw []byte) error {
	schema, err := jsonschema.CompileString("worlds.schema.json", worldsSchema)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	// Round-trip through JSON so the validator sees JSON-native types.
	j, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(j, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}

func defaults() Config {
	return Config{
		DefaultWorldID: "world",
		Worlds: []WorldSpec{
			{
				ID:            "world",
				Class:         "OPEN_SKY",
				Server:        "survival-1",
				BorderR:       10000,
				MinRadius:     100,
				MaxRadius:     5000,
				AllowGenerate: true,
				CacheEnabled:  true,
			},
			{
				ID:            "world_nether",
				Class:         "ENCLOSED_ROOF",
				Server:        "survival-1",
				BorderR:       2000,
				MinRadius:     50,
				MaxRadius:     1500,
				AllowGenerate: true,
				CacheEnabled:  true,
			},
			{
				ID:            "world_the_end",
				Class:         "VOID_BORDERED",
				Server:        "survival-2",
				BorderR:       3000,
				MinRadius:     500,
				MaxRadius:     2500,
				AllowGenerate: true,
			},
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	for i := range c.Worlds {
		w := &c.Worlds[i]
		w.ID = strings.TrimSpace(w.ID)
		w.Class = strings.ToUpper(strings.TrimSpace(w.Class))
		w.Server = strings.TrimSpace(w.Server)
		switch w.Class {
		case "ENCLOSED_ROOF":
			if w.RoofY <= 0 {
				w.RoofY = 127
			}
			if w.CeilingY <= 0 {
				w.CeilingY = w.RoofY - 7
			}
			if w.ScanFloorY <= 0 {
				w.ScanFloorY = 5
			}
		case "VOID_BORDERED":
			if w.BandMin <= 0 {
				w.BandMin = 40
			}
			if w.BandMax <= 0 {
				w.BandMax = 120
			}
			if w.GroundWindow <= 0 {
				w.GroundWindow = 4
			}
			if w.VoidReach <= 0 {
				w.VoidReach = 1
			}
			if w.VoidFraction <= 0 {
				w.VoidFraction = 0.25
			}
			if len(w.FloorFamily) == 0 {
				w.FloorFamily = []string{string(terrain.EndStone), string(terrain.Obsidian)}
			}
		}
		if len(w.Blacklist) == 0 {
			w.Blacklist = []string{
				string(terrain.Lava), string(terrain.Magma), string(terrain.Fire), string(terrain.Campfire),
				string(terrain.Cactus), string(terrain.PowderSnow), string(terrain.BerryBush),
			}
		}
	}
	if c.DefaultWorldID == "" && len(c.Worlds) > 0 {
		c.DefaultWorldID = c.Worlds[0].ID
	}
}

func (c Config) Validate() error {
	c.Normalize()
	if len(c.Worlds) == 0 {
		return fmt.Errorf("worlds must not be empty")
	}
	seen := map[string]bool{}
	for _, w := range c.Worlds {
		if w.ID == "" {
			return fmt.Errorf("world id must not be empty")
		}
		if seen[w.ID] {
			return fmt.Errorf("duplicate world id: %s", w.ID)
		}
		seen[w.ID] = true
		if _, err := terrain.ParseClass(w.Class); err != nil {
			return fmt.Errorf("world %s: %w", w.ID, err)
		}
		if w.Server == "" {
			return fmt.Errorf("world %s server must not be empty", w.ID)
		}
		if w.BorderR <= 0 {
			return fmt.Errorf("world %s border_r must be > 0", w.ID)
		}
		if w.MinRadius < 0 || w.MaxRadius < 0 {
			return fmt.Errorf("world %s radii must be >= 0", w.ID)
		}
		if w.MaxRadius > 0 && w.MinRadius > w.MaxRadius {
			return fmt.Errorf("world %s min_radius must be <= max_radius", w.ID)
		}
		switch w.Class {
		case "ENCLOSED_ROOF":
			if w.CeilingY >= w.RoofY {
				return fmt.Errorf("world %s ceiling_y must be below roof_y", w.ID)
			}
			if w.ScanFloorY >= w.CeilingY {
				return fmt.Errorf("world %s scan_floor_y must be below ceiling_y", w.ID)
			}
		case "VOID_BORDERED":
			if w.BandMin > w.BandMax {
				return fmt.Errorf("world %s band_min must be <= band_max", w.ID)
			}
			if w.VoidFraction > 1 {
				return fmt.Errorf("world %s void_fraction must be <= 1", w.ID)
			}
		}
	}
	if !seen[c.DefaultWorldID] {
		return fmt.Errorf("default_world_id %q not found in worlds", c.DefaultWorldID)
	}
	return nil
}

func (c Config) WorldSpecByID(id string) (WorldSpec, bool) {
	for _, w := range c.Worlds {
		if w.ID == id {
			return w, true
		}
	}
	return WorldSpec{}, false
}

// Owner returns the server that owns world id.
func (c Config) Owner(id string) (string, bool) {
	w, ok := c.WorldSpecByID(id)
	if !ok {
		return "", false
	}
	return w.Server, true
}

// LocalWorlds lists the worlds owned by serverID, sorted by id.
func (c Config) LocalWorlds(serverID string) []WorldSpec {
	var out []WorldSpec
	for _, w := range c.Worlds {
		if w.Server == serverID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (w WorldSpec) Border() terrain.Border {
	return terrain.Border{CenterX: float64(w.CenterX), CenterZ: float64(w.CenterZ), Radius: float64(w.BorderR)}
}

// Profile converts a WorldSpec into the resolver's view of the world.
func (w WorldSpec) Profile(tune tuning.Tuning) locate.Profile {
	class, _ := terrain.ParseClass(w.Class)
	p := locate.Profile{
		World:         w.ID,
		Class:         class,
		Attempts:      tune.Attempts.AttemptsFor(class.String()),
		MinRadius:     w.MinRadius,
		MaxRadius:     w.MaxRadius,
		AllowGenerate: w.AllowGenerate,
		ScanFloorY:    w.ScanFloorY,
		VoidReach:     w.VoidReach,
		VoidFraction:  w.VoidFraction,
		FloorFamily:   materialSet(w.FloorFamily),
		BiomeAllow:    biomeSet(w.BiomeAllow),
		BiomeDeny:     biomeSet(w.BiomeDeny),
		Rules: safety.Rules{
			Class:            class,
			RoofY:            w.RoofY,
			CeilingThreshold: w.CeilingY,
			BandMin:          w.BandMin,
			BandMax:          w.BandMax,
			GroundWindow:     w.GroundWindow,
			Blacklist:        materialSet(w.Blacklist),
		},
	}
	return p
}

func materialSet(names []string) map[terrain.Material]bool {
	if len(names) == 0 {
		return nil
	}
	out := make(map[terrain.Material]bool, len(names))
	for _, n := range names {
		out[terrain.Material(strings.ToUpper(strings.TrimSpace(n)))] = true
	}
	return out
}

func biomeSet(names []string) map[terrain.Biome]bool {
	if len(names) == 0 {
		return nil
	}
	out := make(map[terrain.Biome]bool, len(names))
	for _, n := range names {
		out[terrain.Biome(strings.ToUpper(strings.TrimSpace(n)))] = true
	}
	return out
}
