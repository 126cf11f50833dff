package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	// CoordinateLimit rejects samples whose |x| or |z| exceed it.
	CoordinateLimit int `yaml:"coordinate_limit"`
	// SkyCeilingY rejects open-sky surfaces at or above it.
	SkyCeilingY int `yaml:"sky_ceiling_y"`

	Attempts     Attempts     `yaml:"attempts"`
	Cache        Cache        `yaml:"cache"`
	Queue        Queue        `yaml:"queue"`
	Coordination Coordination `yaml:"coordination"`
}

type Attempts struct {
	OpenSky      int `yaml:"open_sky"`
	EnclosedRoof int `yaml:"enclosed_roof"`
	VoidBordered int `yaml:"void_bordered"`
}

type Cache struct {
	TargetSize        int    `yaml:"target_size"`
	RefillIntervalMs  int    `yaml:"refill_interval_ms"`
	FailureCooldownMs int    `yaml:"failure_cooldown_ms"`
	SnapshotFile      string `yaml:"snapshot_file"`
}

type Queue struct {
	// Mode is "direct" or "queued".
	Mode       string `yaml:"mode"`
	BatchSize  int    `yaml:"batch_size"`
	TickRateHz int    `yaml:"tick_rate_hz"`
	TimeoutMs  int    `yaml:"timeout_ms"`
	MaxPending int    `yaml:"max_pending"`
}

type Coordination struct {
	PollIntervalMs     int     `yaml:"poll_interval_ms"`
	FinalizeIntervalMs int     `yaml:"finalize_interval_ms"`
	SweepIntervalMs    int     `yaml:"sweep_interval_ms"`
	StuckTimeoutMs     int     `yaml:"stuck_timeout_ms"`
	TransferTimeoutMs  int     `yaml:"transfer_timeout_ms"`
	GracePeriodMs      int     `yaml:"grace_period_ms"`
	ArrivalTTLMs       int     `yaml:"arrival_ttl_ms"`
	ClaimWindow        int     `yaml:"claim_window"`
	MaxResolves        int     `yaml:"max_concurrent_resolves"`
	GroupSpreadRadius  float64 `yaml:"group_spread_radius"`
}

func Defaults() Tuning {
	return Tuning{
		CoordinateLimit: 29_000_000,
		SkyCeilingY:     300,
		Attempts: Attempts{
			OpenSky:      25,
			EnclosedRoof: 50,
			VoidBordered: 60,
		},
		Cache: Cache{
			TargetSize:        10,
			RefillIntervalMs:  5000,
			FailureCooldownMs: 60_000,
			SnapshotFile:      "location_cache.json.zst",
		},
		Queue: Queue{
			Mode:       "queued",
			BatchSize:  4,
			TickRateHz: 2,
			TimeoutMs:  30_000,
			MaxPending: 1024,
		},
		Coordination: Coordination{
			PollIntervalMs:     1000,
			FinalizeIntervalMs: 1000,
			SweepIntervalMs:    10_000,
			StuckTimeoutMs:     30_000,
			TransferTimeoutMs:  120_000,
			GracePeriodMs:      300_000,
			ArrivalTTLMs:       60_000,
			ClaimWindow:        8,
			MaxResolves:        4,
			GroupSpreadRadius:  2,
		},
	}
}

// Load reads tuning.yaml over the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	return t, nil
}

// Normalize replaces non-positive values with defaults.
func (t *Tuning) Normalize() {
	d := Defaults()
	pos := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	pos(&t.CoordinateLimit, d.CoordinateLimit)
	pos(&t.SkyCeilingY, d.SkyCeilingY)
	pos(&t.Attempts.OpenSky, d.Attempts.OpenSky)
	pos(&t.Attempts.EnclosedRoof, d.Attempts.EnclosedRoof)
	pos(&t.Attempts.VoidBordered, d.Attempts.VoidBordered)
	pos(&t.Cache.TargetSize, d.Cache.TargetSize)
	pos(&t.Cache.RefillIntervalMs, d.Cache.RefillIntervalMs)
	pos(&t.Cache.FailureCooldownMs, d.Cache.FailureCooldownMs)
	pos(&t.Queue.BatchSize, d.Queue.BatchSize)
	pos(&t.Queue.TickRateHz, d.Queue.TickRateHz)
	pos(&t.Queue.TimeoutMs, d.Queue.TimeoutMs)
	pos(&t.Queue.MaxPending, d.Queue.MaxPending)
	c, dc := &t.Coordination, d.Coordination
	pos(&c.PollIntervalMs, dc.PollIntervalMs)
	pos(&c.FinalizeIntervalMs, dc.FinalizeIntervalMs)
	pos(&c.SweepIntervalMs, dc.SweepIntervalMs)
	pos(&c.StuckTimeoutMs, dc.StuckTimeoutMs)
	pos(&c.TransferTimeoutMs, dc.TransferTimeoutMs)
	pos(&c.GracePeriodMs, dc.GracePeriodMs)
	pos(&c.ArrivalTTLMs, dc.ArrivalTTLMs)
	pos(&c.ClaimWindow, dc.ClaimWindow)
	pos(&c.MaxResolves, dc.MaxResolves)
	if c.GroupSpreadRadius <= 0 {
		c.GroupSpreadRadius = dc.GroupSpreadRadius
	}
	if t.Queue.Mode != "direct" && t.Queue.Mode != "queued" {
		t.Queue.Mode = d.Queue.Mode
	}
	if t.Cache.SnapshotFile == "" {
		t.Cache.SnapshotFile = d.Cache.SnapshotFile
	}
}

// AttemptsFor returns the attempt budget for a dimension class name.
func (a Attempts) AttemptsFor(class string) int {
	switch class {
	case "ENCLOSED_ROOF":
		return a.EnclosedRoof
	case "VOID_BORDERED":
		return a.VoidBordered
	default:
		return a.OpenSky
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c Cache) RefillInterval() time.Duration  { return ms(c.RefillIntervalMs) }
func (c Cache) FailureCooldown() time.Duration { return ms(c.FailureCooldownMs) }
func (q Queue) Timeout() time.Duration         { return ms(q.TimeoutMs) }

func (q Queue) TickInterval() time.Duration {
	if q.TickRateHz <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(q.TickRateHz)
}

func (c Coordination) PollInterval() time.Duration     { return ms(c.PollIntervalMs) }
func (c Coordination) FinalizeInterval() time.Duration { return ms(c.FinalizeIntervalMs) }
func (c Coordination) SweepInterval() time.Duration    { return ms(c.SweepIntervalMs) }
func (c Coordination) StuckTimeout() time.Duration     { return ms(c.StuckTimeoutMs) }
func (c Coordination) TransferTimeout() time.Duration  { return ms(c.TransferTimeoutMs) }
func (c Coordination) GracePeriod() time.Duration      { return ms(c.GracePeriodMs) }
func (c Coordination) ArrivalTTL() time.Duration       { return ms(c.ArrivalTTLMs) }
