package crossserver

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"voxelrtp.ai/internal/persistence/requestdb"
	"voxelrtp.ai/internal/sim/locate"
	"voxelrtp.ai/internal/sim/safety"
	"voxelrtp.ai/internal/sim/terrain"
	"voxelrtp.ai/internal/sim/tpreq"
	"voxelrtp.ai/internal/sim/tuning"
)

// Store is the shared mailbox the coordinator runs its state machine on.
type Store interface {
	Create(ctx context.Context, r tpreq.Request) error
	CreateGroup(ctx context.Context, rows []tpreq.Request) error
	ClaimNext(ctx context.Context, target, owner string, window int) (tpreq.Request, bool, error)
	Complete(ctx context.Context, player, owner string, pos terrain.Position) (bool, error)
	CompleteGroup(ctx context.Context, leader, owner string, positions map[string]terrain.Position) (bool, error)
	Fail(ctx context.Context, player, owner string) (bool, error)
	Members(ctx context.Context, leader string) ([]tpreq.Request, error)
	ListOriginated(ctx context.Context, origin string, statuses ...tpreq.Status) ([]tpreq.Request, error)
	MarkInTransfer(ctx context.Context, player, origin string) (bool, error)
	ConfirmTransfer(ctx context.Context, player, target string) (bool, error)
	Get(ctx context.Context, player string) (tpreq.Request, bool, error)
	Delete(ctx context.Context, player string, expect tpreq.Status) (bool, error)
	CancelPending(ctx context.Context, player, origin string) (bool, error)
	ListArrivals(ctx context.Context, target string) ([]tpreq.Request, error)
	Sweep(ctx context.Context, p requestdb.SweepPolicy) (requestdb.SweepResult, error)
}

// Resolver finds positions in worlds this process owns.
type Resolver interface {
	Find(ctx context.Context, q locate.Query) (terrain.Position, bool, error)
	Profile(world string) (locate.Profile, bool)
	// Check applies the full set of position checks to a caller-picked spot.
	Check(p locate.Profile, pos terrain.Position) safety.Reason
}

type Options struct {
	ServerID string
	// InstanceID tells apart several instances of the same logical server.
	// Defaults to a random UUID.
	InstanceID string

	Store    Store
	Resolver Resolver
	World    terrain.World
	Host     terrain.Host
	// Route maps a world to the server that owns it.
	Route func(world string) (string, bool)

	Tuning tuning.Coordination
	Sink   tpreq.Sink
	Logger *log.Logger
	Now    func() time.Time
}

// Coordinator runs both sides of the cross-server teleport: it claims and
// resolves rows addressed to this server, and finalizes rows this server
// created.
type Coordinator struct {
	server   string
	instance string
	store    Store
	resolver Resolver
	world    terrain.World
	host     terrain.Host
	route    func(string) (string, bool)
	tune     tuning.Coordination
	sink     tpreq.Sink
	log      *log.Logger
	now      func() time.Time

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu       sync.Mutex
	arrivals map[string]time.Time
	quits    map[string]bool
}

func New(opts Options) (*Coordinator, error) {
	if opts.ServerID == "" {
		return nil, fmt.Errorf("crossserver: server id is required")
	}
	if opts.Store == nil || opts.Resolver == nil || opts.World == nil || opts.Host == nil || opts.Route == nil {
		return nil, fmt.Errorf("crossserver: store, resolver, world, host and route are required")
	}
	c := &Coordinator{
		server:   opts.ServerID,
		instance: opts.InstanceID,
		store:    opts.Store,
		resolver: opts.Resolver,
		world:    opts.World,
		host:     opts.Host,
		route:    opts.Route,
		tune:     opts.Tuning,
		sink:     opts.Sink,
		log:      opts.Logger,
		now:      opts.Now,
		arrivals: map[string]time.Time{},
		quits:    map[string]bool{},
	}
	if c.instance == "" {
		c.instance = uuid.NewString()
	}
	c.tune = withDefaults(c.tune)
	c.sem = semaphore.NewWeighted(int64(c.tune.MaxResolves))
	if c.sink == nil {
		c.sink = tpreq.MultiSink(nil)
	}
	if c.log == nil {
		c.log = log.New(io.Discard, "", 0)
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

func (c *Coordinator) ServerID() string   { return c.server }
func (c *Coordinator) InstanceID() string { return c.instance }

func (c *Coordinator) publish(ev tpreq.Event) {
	ev.Server = c.server
	ev.At = c.now().UnixMilli()
	c.sink.Publish(ev)
}

// Run drives the polling loops until ctx is done. Store errors are logged
// and retried on the next tick.
func (c *Coordinator) Run(ctx context.Context) error {
	poll := time.NewTicker(c.tune.PollInterval())
	defer poll.Stop()
	finalize := time.NewTicker(c.tune.FinalizeInterval())
	defer finalize.Stop()
	sweep := time.NewTicker(c.tune.SweepInterval())
	defer sweep.Stop()
	defer c.wg.Wait()

	c.log.Printf("coordinator %s instance %s started", c.server, c.instance)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			c.Poll(ctx)
			c.ProcessArrivals(ctx)
			c.ProcessQuits(ctx)
		case <-finalize.C:
			c.Finalize(ctx)
		case <-sweep.C:
			c.Sweep(ctx)
		}
	}
}

// withDefaults fills unset fields so a zero Coordination is usable.
func withDefaults(t tuning.Coordination) tuning.Coordination {
	d := tuning.Defaults().Coordination
	for _, f := range []struct{ v, d *int }{
		{&t.PollIntervalMs, &d.PollIntervalMs},
		{&t.FinalizeIntervalMs, &d.FinalizeIntervalMs},
		{&t.SweepIntervalMs, &d.SweepIntervalMs},
		{&t.StuckTimeoutMs, &d.StuckTimeoutMs},
		{&t.TransferTimeoutMs, &d.TransferTimeoutMs},
		{&t.GracePeriodMs, &d.GracePeriodMs},
		{&t.ArrivalTTLMs, &d.ArrivalTTLMs},
		{&t.ClaimWindow, &d.ClaimWindow},
		{&t.MaxResolves, &d.MaxResolves},
	} {
		if *f.v <= 0 {
			*f.v = *f.d
		}
	}
	if t.GroupSpreadRadius <= 0 {
		t.GroupSpreadRadius = d.GroupSpreadRadius
	}
	return t
}

// Wait blocks until every resolution started by Poll has finished.
func (c *Coordinator) Wait() { c.wg.Wait() }

// RequestRemote writes a PENDING row for the server that owns world.
func (c *Coordinator) RequestRemote(ctx context.Context, player, world string, minR, maxR *int) error {
	target, ok := c.route(world)
	if !ok {
		return fmt.Errorf("%w: %s", locate.ErrUnknownWorld, world)
	}
	r := tpreq.New(player, c.server, target, world, minR, maxR, c.now())
	if err := c.store.Create(ctx, r); err != nil {
		return err
	}
	c.publish(tpreq.Event{Type: tpreq.EventQueued, PlayerID: player, World: world, Peer: target, Status: tpreq.Pending})
	return nil
}

// RequestRemoteGroup writes the leader and follower rows in one batch. Only
// the leader's row triggers a search on the target, which may be this
// server.
func (c *Coordinator) RequestRemoteGroup(ctx context.Context, leader string, followers []string, world string, minR, maxR *int) error {
	target, ok := c.route(world)
	if !ok {
		return fmt.Errorf("%w: %s", locate.ErrUnknownWorld, world)
	}
	followers = dedupe(leader, followers)
	rows := tpreq.NewGroup(leader, followers, c.server, target, world, minR, maxR, c.now())
	if err := c.store.CreateGroup(ctx, rows); err != nil {
		return err
	}
	for _, r := range rows {
		c.publish(tpreq.Event{Type: tpreq.EventQueued, PlayerID: r.PlayerID, World: world, Peer: target, Status: tpreq.Pending, Detail: string(r.Kind)})
	}
	return nil
}

func dedupe(leader string, ids []string) []string {
	seen := map[string]bool{leader: true}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// OnPlayerJoin notes a player arriving on this server. The matching
// IN_TRANSFER row is handled on the next poll tick, so this is safe to call
// from the simulation loop.
func (c *Coordinator) OnPlayerJoin(player string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arrivals[player] = c.now()
	delete(c.quits, player)
}

// OnPlayerQuit notes a disconnect. Any of the player's rows still PENDING on
// the target are cancelled on the next poll tick; rows already claimed are
// left to finalization and the sweep.
func (c *Coordinator) OnPlayerQuit(player string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.arrivals, player)
	c.quits[player] = true
}

// Poll claims PENDING rows addressed to this server while resolve slots are
// free and starts one resolution per claimed row.
func (c *Coordinator) Poll(ctx context.Context) int {
	started := 0
	for ctx.Err() == nil {
		if !c.sem.TryAcquire(1) {
			break
		}
		r, ok, err := c.store.ClaimNext(ctx, c.server, c.instance, c.tune.ClaimWindow)
		if err != nil || !ok {
			c.sem.Release(1)
			if err != nil {
				c.log.Printf("claim: %v", err)
			}
			break
		}
		c.publish(tpreq.Event{Type: tpreq.EventClaimed, PlayerID: r.PlayerID, World: r.World, Peer: r.Origin, Status: tpreq.Processing})
		started++
		c.wg.Add(1)
		go func(r tpreq.Request) {
			defer c.wg.Done()
			defer c.sem.Release(1)
			c.resolve(ctx, r)
		}(r)
	}
	return started
}

func (c *Coordinator) resolve(ctx context.Context, r tpreq.Request) {
	pos, found, err := c.resolver.Find(ctx, locate.Query{World: r.World, MinRadius: r.MinRadius, MaxRadius: r.MaxRadius})
	if ctx.Err() != nil {
		// Left PROCESSING; the sweep fails it if no one finishes it.
		return
	}
	if err != nil || !found {
		detail := "no safe location"
		if err != nil {
			detail = err.Error()
		}
		ok, ferr := c.store.Fail(ctx, r.PlayerID, c.instance)
		if ferr != nil {
			c.log.Printf("fail %s: %v", r.PlayerID, ferr)
			return
		}
		if ok {
			c.publish(tpreq.Event{Type: tpreq.EventFailed, PlayerID: r.PlayerID, World: r.World, Peer: r.Origin, Status: tpreq.Failed, Detail: detail})
		}
		return
	}

	if r.Kind != tpreq.GroupLeader {
		ok, err := c.store.Complete(ctx, r.PlayerID, c.instance, pos)
		if err != nil {
			c.log.Printf("complete %s: %v", r.PlayerID, err)
			return
		}
		if ok {
			c.publish(tpreq.Event{Type: tpreq.EventResolved, PlayerID: r.PlayerID, World: r.World, Peer: r.Origin, Status: tpreq.Complete, Pos: &pos})
		} else {
			c.log.Printf("complete %s: row no longer ours", r.PlayerID)
		}
		return
	}

	members, err := c.store.Members(ctx, r.PlayerID)
	if err != nil {
		c.log.Printf("members of %s: %v", r.PlayerID, err)
		return
	}
	var ids []string
	for _, m := range members {
		if m.Status == tpreq.Pending {
			ids = append(ids, m.PlayerID)
		}
	}
	positions := c.spread(ctx, r.World, r.PlayerID, pos, ids)
	ok, err := c.store.CompleteGroup(ctx, r.PlayerID, c.instance, positions)
	if err != nil {
		c.log.Printf("complete group %s: %v", r.PlayerID, err)
		return
	}
	if !ok {
		c.log.Printf("complete group %s: row no longer ours", r.PlayerID)
		return
	}
	ids = append([]string{r.PlayerID}, ids...)
	for _, id := range ids {
		p := positions[id]
		c.publish(tpreq.Event{Type: tpreq.EventResolved, PlayerID: id, World: r.World, Peer: r.Origin, Status: tpreq.Complete, Pos: &p, Detail: "group " + r.PlayerID})
	}
}

// spread places members on a ring around the leader. A ring slot that fails
// the safety check falls back to the leader's own position.
func (c *Coordinator) spread(ctx context.Context, world, leader string, center terrain.Position, members []string) map[string]terrain.Position {
	out := map[string]terrain.Position{leader: center}
	if len(members) == 0 {
		return out
	}
	prof, ok := c.resolver.Profile(world)
	ring := ringOffsets(len(members), c.tune.GroupSpreadRadius)
	base := center.Block()
	for i, id := range members {
		pos := center
		if ok {
			if p, safe := c.safeNear(ctx, prof, base, ring[i]); safe {
				p.Yaw, p.Pitch = center.Yaw, center.Pitch
				pos = p
			}
		}
		out[id] = pos
	}
	return out
}

func (c *Coordinator) safeNear(ctx context.Context, prof locate.Profile, base terrain.BlockPos, off [2]int) (terrain.Position, bool) {
	x, z := base.X+off[0], base.Z+off[1]
	cx, cz := terrain.TileOf(x, z)
	if _, err := c.world.GetOrLoadTile(ctx, prof.World, cx, cz, prof.AllowGenerate); err != nil {
		return terrain.Position{}, false
	}
	for _, dy := range []int{0, 1, -1, 2, -2} {
		pos := terrain.BlockPos{X: x, Y: base.Y + dy, Z: z}.Center(prof.World)
		if c.resolver.Check(prof, pos) == safety.OK {
			return pos, true
		}
	}
	return terrain.Position{}, false
}

func ringOffsets(n int, radius float64) [][2]int {
	out := make([][2]int, n)
	r := int(radius + 0.5)
	if r < 1 {
		r = 1
	}
	// Walk the square ring of the given radius, then larger ones.
	i := 0
	for ring := r; i < n; ring++ {
		for _, off := range squareRing(ring) {
			if i == n {
				break
			}
			out[i] = off
			i++
		}
	}
	return out
}

func squareRing(r int) [][2]int {
	var out [][2]int
	for dx := -r; dx <= r; dx++ {
		for dz := -r; dz <= r; dz++ {
			if max(abs(dx), abs(dz)) != r {
				continue
			}
			out = append(out, [2]int{dx, dz})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i][0]*out[i][0]+out[i][1]*out[i][1] < out[j][0]*out[j][0]+out[j][1]*out[j][1]
	})
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
