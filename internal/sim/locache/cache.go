package locache

import (
	"context"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"voxelrtp.ai/internal/sim/locate"
	"voxelrtp.ai/internal/sim/terrain"
)

// Finder is the resolver capability the cache refills from.
type Finder interface {
	Find(ctx context.Context, q locate.Query) (terrain.Position, bool, error)
}

type WorldConfig struct {
	World  string
	Target int
}

type Options struct {
	Finder Finder
	Worlds []WorldConfig

	RefillInterval  time.Duration
	FailureCooldown time.Duration

	Logger *log.Logger
	Now    func() time.Time
}

// Cache holds a bounded FIFO of pre-resolved positions per world.
type Cache struct {
	finder   Finder
	interval time.Duration
	cooldown time.Duration
	log      *log.Logger
	now      func() time.Time

	mu      sync.Mutex
	worlds  []string
	targets map[string]int
	queues  map[string][]terrain.Position
	pauseTo map[string]time.Time
}

func New(opts Options) *Cache {
	c := &Cache{
		finder:   opts.Finder,
		interval: opts.RefillInterval,
		cooldown: opts.FailureCooldown,
		log:      opts.Logger,
		now:      opts.Now,
		targets:  map[string]int{},
		queues:   map[string][]terrain.Position{},
		pauseTo:  map[string]time.Time{},
	}
	if c.interval <= 0 {
		c.interval = 5 * time.Second
	}
	if c.cooldown <= 0 {
		c.cooldown = time.Minute
	}
	if c.log == nil {
		c.log = log.New(io.Discard, "", 0)
	}
	if c.now == nil {
		c.now = time.Now
	}
	for _, w := range opts.Worlds {
		if w.World == "" || w.Target <= 0 {
			continue
		}
		if _, dup := c.targets[w.World]; !dup {
			c.worlds = append(c.worlds, w.World)
		}
		c.targets[w.World] = w.Target
	}
	sort.Strings(c.worlds)
	return c
}

func (c *Cache) Enabled(world string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.targets[world]
	return ok
}

// Fetch pops the oldest cached position for world without blocking.
func (c *Cache) Fetch(world string) (terrain.Position, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[world]
	if len(q) == 0 {
		return terrain.Position{}, false
	}
	pos := q[0]
	q[0] = terrain.Position{}
	c.queues[world] = q[1:]
	return pos, true
}

func (c *Cache) Size(world string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[world])
}

// push appends pos unless the world is full or not cached.
func (c *Cache) push(world string, pos terrain.Position) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	target, ok := c.targets[world]
	if !ok || len(c.queues[world]) >= target {
		return false
	}
	c.queues[world] = append(c.queues[world], pos)
	return true
}

// need returns how many positions world is short, or 0 while it is paused.
func (c *Cache) need(world string, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if until, ok := c.pauseTo[world]; ok {
		if now.Before(until) {
			return 0
		}
		delete(c.pauseTo, world)
	}
	return c.targets[world] - len(c.queues[world])
}

func (c *Cache) pause(world string, now time.Time) {
	c.mu.Lock()
	c.pauseTo[world] = now.Add(c.cooldown)
	c.mu.Unlock()
}

// Refill tops every world up to its target. A world whose search comes back
// empty or errors is paused for the failure cooldown.
func (c *Cache) Refill(ctx context.Context) int {
	added := 0
	for _, world := range c.worlds {
		for n := c.need(world, c.now()); n > 0; n-- {
			if ctx.Err() != nil {
				return added
			}
			pos, found, err := c.finder.Find(ctx, locate.Query{World: world})
			if err != nil || !found {
				if ctx.Err() != nil {
					return added
				}
				c.pause(world, c.now())
				c.log.Printf("refill %s paused for %s: found=%v err=%v", world, c.cooldown, found, err)
				break
			}
			if c.push(world, pos) {
				added++
			}
		}
	}
	return added
}

// Run refills on the configured interval until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	c.Refill(ctx)
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.Refill(ctx)
		}
	}
}

type WorldStats struct {
	World         string `json:"world"`
	Size          int    `json:"size"`
	Target        int    `json:"target"`
	PausedUntilMs int64  `json:"paused_until_ms,omitempty"`
}

func (c *Cache) Stats() []WorldStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WorldStats, 0, len(c.worlds))
	for _, w := range c.worlds {
		st := WorldStats{World: w, Size: len(c.queues[w]), Target: c.targets[w]}
		if until, ok := c.pauseTo[w]; ok {
			st.PausedUntilMs = until.UnixMilli()
		}
		out = append(out, st)
	}
	return out
}
