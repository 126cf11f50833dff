package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"voxelrtp.ai/internal/sim/locate"
	"voxelrtp.ai/internal/sim/terrain"
	"voxelrtp.ai/internal/sim/tpqueue"
	"voxelrtp.ai/internal/sim/tpreq"
)

type fakeQueue struct {
	reqs      []tpqueue.Request
	cancelled []string
}

func (q *fakeQueue) RequestTeleport(ctx context.Context, req tpqueue.Request) (<-chan tpqueue.Result, error) {
	q.reqs = append(q.reqs, req)
	ch := make(chan tpqueue.Result, 1)
	ch <- tpqueue.Result{PlayerID: req.PlayerID, OK: true}
	return ch, nil
}

func (q *fakeQueue) Cancel(player string) bool {
	q.cancelled = append(q.cancelled, player)
	return true
}

type fakeRemote struct {
	mu     sync.Mutex
	single []string
	groups [][]string
	joins  []string
	quits  []string
}

func (r *fakeRemote) RequestRemote(ctx context.Context, player, world string, minR, maxR *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.single = append(r.single, player)
	return nil
}

func (r *fakeRemote) RequestRemoteGroup(ctx context.Context, leader string, followers []string, world string, minR, maxR *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = append(r.groups, append([]string{leader}, followers...))
	return nil
}

func (r *fakeRemote) OnPlayerJoin(p string) { r.joins = append(r.joins, p) }
func (r *fakeRemote) OnPlayerQuit(p string) { r.quits = append(r.quits, p) }

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func route(world string) (string, bool) {
	switch world {
	case "world":
		return "lobby", true
	case "world_nether":
		return "survival", true
	}
	return "", false
}

func newService(t *testing.T, q Queue, r Remote, p Pinger) *Service {
	t.Helper()
	opts := Options{ServerID: "lobby", Route: route, Queue: q}
	if r != nil {
		opts.Remote = r
	}
	if p != nil {
		opts.Store = p
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return s
}

func TestTeleport_RoutesLocalAndRemote(t *testing.T) {
	q, r := &fakeQueue{}, &fakeRemote{}
	s := newService(t, q, r, pinger{})

	tk, err := s.Teleport(context.Background(), "p1", "world", nil, nil)
	if err != nil || tk.Remote || tk.Result == nil {
		t.Fatalf("local ticket: %+v err=%v", tk, err)
	}
	if res := <-tk.Result; !res.OK {
		t.Fatalf("local result: %+v", res)
	}
	tk, err = s.Teleport(context.Background(), "p2", "world_nether", nil, locate.Int(300))
	if err != nil || !tk.Remote || tk.Target != "survival" || tk.Result != nil {
		t.Fatalf("remote ticket: %+v err=%v", tk, err)
	}
	if len(q.reqs) != 1 || len(r.single) != 1 || r.single[0] != "p2" {
		t.Fatalf("queue=%v remote=%v", q.reqs, r.single)
	}
	if _, err := s.Teleport(context.Background(), "p3", "mars", nil, nil); !errors.Is(err, locate.ErrUnknownWorld) {
		t.Fatalf("expected ErrUnknownWorld, got %v", err)
	}
}

func TestTeleport_StoreDownKeepsLocalWorking(t *testing.T) {
	q, r := &fakeQueue{}, &fakeRemote{}
	s := newService(t, q, r, pinger{err: errors.New("disk I/O error")})

	if _, err := s.Teleport(context.Background(), "p1", "world_nether", nil, nil); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := s.Group(context.Background(), "p1", []string{"p2"}, "world", nil, nil); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("group: expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := s.Teleport(context.Background(), "p1", "world", nil, nil); err != nil {
		t.Fatalf("local request failed with store down: %v", err)
	}
	if len(r.single) != 0 || len(r.groups) != 0 {
		t.Fatalf("remote called while store down")
	}

	local := newService(t, q, nil, nil)
	if _, err := local.Teleport(context.Background(), "p4", "world_nether", nil, nil); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("no store: expected ErrStoreUnavailable, got %v", err)
	}
}

func TestGroup_AlwaysThroughStore(t *testing.T) {
	r := &fakeRemote{}
	s := newService(t, &fakeQueue{}, r, pinger{})
	tk, err := s.Group(context.Background(), "lead", []string{"a", "b"}, "world", nil, nil)
	if err != nil || tk.Remote || tk.Target != "lobby" {
		t.Fatalf("ticket: %+v err=%v", tk, err)
	}
	if len(r.groups) != 1 || len(r.groups[0]) != 3 {
		t.Fatalf("groups: %v", r.groups)
	}
}

func TestPlayerLifecycle(t *testing.T) {
	q, r := &fakeQueue{}, &fakeRemote{}
	var got []tpreq.Event
	s := newService(t, q, r, pinger{})
	s.sink = tpreq.SinkFunc(func(ev tpreq.Event) { got = append(got, ev) })

	s.PlayerJoined("p1")
	s.PlayerQuit("p1")
	if len(r.joins) != 1 || len(r.quits) != 1 || len(q.cancelled) != 1 {
		t.Fatalf("joins=%v quits=%v cancelled=%v", r.joins, r.quits, q.cancelled)
	}
	if len(got) != 1 || got[0].Type != tpreq.EventCancelled {
		t.Fatalf("events: %+v", got)
	}
}

func TestQueueEvents(t *testing.T) {
	var got []tpreq.Event
	fn := QueueEvents("lobby", tpreq.SinkFunc(func(ev tpreq.Event) { got = append(got, ev) }), nil)
	fn(tpqueue.Result{PlayerID: "a", OK: true, Found: true, Pos: terrain.Position{World: "world", Y: 65}})
	fn(tpqueue.Result{PlayerID: "b"})
	fn(tpqueue.Result{PlayerID: "c", Err: tpqueue.ErrTimedOut})
	fn(tpqueue.Result{PlayerID: "d", Err: tpqueue.ErrCancelled})
	if len(got) != 3 {
		t.Fatalf("events: %+v", got)
	}
	if got[0].Type != tpreq.EventTeleported || got[0].Pos == nil || got[0].Pos.Y != 65 {
		t.Fatalf("teleported: %+v", got[0])
	}
	if got[1].Type != tpreq.EventFailed || got[2].Detail != tpqueue.ErrTimedOut.Error() {
		t.Fatalf("failures: %+v", got[1:])
	}
}

type oneShotCache struct{ pos *terrain.Position }

func (c *oneShotCache) Fetch(string) (terrain.Position, bool) {
	if c.pos == nil {
		return terrain.Position{}, false
	}
	p := *c.pos
	c.pos = nil
	return p, true
}

type countingFinder struct{ calls int }

func (f *countingFinder) Find(ctx context.Context, q locate.Query) (terrain.Position, bool, error) {
	f.calls++
	return terrain.Position{World: q.World, X: 1}, true, nil
}

func TestCachedFinder(t *testing.T) {
	live := &countingFinder{}
	f := CachedFinder{Cache: &oneShotCache{pos: &terrain.Position{World: "world", X: 42}}, Finder: live}
	ctx := context.Background()

	// Custom radii bypass the cache.
	if pos, _, _ := f.Find(ctx, locate.Query{World: "world", MaxRadius: locate.Int(50)}); pos.X != 1 {
		t.Fatalf("custom radius served from cache: %v", pos)
	}
	if pos, _, _ := f.Find(ctx, locate.Query{World: "world"}); pos.X != 42 {
		t.Fatalf("cache not used: %v", pos)
	}
	if pos, _, _ := f.Find(ctx, locate.Query{World: "world"}); pos.X != 1 {
		t.Fatalf("empty cache: %v", pos)
	}
	if live.calls != 2 {
		t.Fatalf("live calls: %d", live.calls)
	}
}
