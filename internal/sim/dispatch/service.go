package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"voxelrtp.ai/internal/sim/locate"
	"voxelrtp.ai/internal/sim/terrain"
	"voxelrtp.ai/internal/sim/tpqueue"
	"voxelrtp.ai/internal/sim/tpreq"
)

// ErrStoreUnavailable means the shared request store cannot be reached, so
// only worlds owned by this server can be served.
var ErrStoreUnavailable = errors.New("dispatch: request store unavailable")

type Queue interface {
	RequestTeleport(ctx context.Context, req tpqueue.Request) (<-chan tpqueue.Result, error)
	Cancel(player string) bool
}

type Remote interface {
	RequestRemote(ctx context.Context, player, world string, minR, maxR *int) error
	RequestRemoteGroup(ctx context.Context, leader string, followers []string, world string, minR, maxR *int) error
	OnPlayerJoin(player string)
	OnPlayerQuit(player string)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	ServerID string
	Route    func(world string) (string, bool)
	Queue    Queue
	// Remote and Store are nil when the process runs without a shared store.
	Remote Remote
	Store  Pinger
	Sink   tpreq.Sink
	Logger *log.Logger
	// PingTimeout bounds the store health check done before each remote
	// request.
	PingTimeout time.Duration
}

// Ticket tells the caller where a request went. Result is set only for
// local requests; remote ones complete asynchronously through the store.
type Ticket struct {
	Remote bool                  `json:"remote"`
	Target string                `json:"target"`
	Result <-chan tpqueue.Result `json:"-"`
}

// Service is the front door for teleport commands. It sends requests for
// local worlds through the queue and everything else through the store.
type Service struct {
	server string
	route  func(string) (string, bool)
	queue  Queue
	remote Remote
	store  Pinger
	sink   tpreq.Sink
	log    *log.Logger
	pingTO time.Duration
}

func New(opts Options) (*Service, error) {
	if opts.ServerID == "" || opts.Route == nil || opts.Queue == nil {
		return nil, fmt.Errorf("dispatch: server id, route and queue are required")
	}
	s := &Service{
		server: opts.ServerID,
		route:  opts.Route,
		queue:  opts.Queue,
		remote: opts.Remote,
		store:  opts.Store,
		sink:   opts.Sink,
		log:    opts.Logger,
		pingTO: opts.PingTimeout,
	}
	if s.sink == nil {
		s.sink = tpreq.MultiSink(nil)
	}
	if s.log == nil {
		s.log = log.New(io.Discard, "", 0)
	}
	if s.pingTO <= 0 {
		s.pingTO = 2 * time.Second
	}
	return s, nil
}

// Teleport routes one player to a random safe spot in world.
func (s *Service) Teleport(ctx context.Context, player, world string, minR, maxR *int) (Ticket, error) {
	target, ok := s.route(world)
	if !ok {
		return Ticket{}, fmt.Errorf("%w: %s", locate.ErrUnknownWorld, world)
	}
	if target == s.server {
		ch, err := s.queue.RequestTeleport(ctx, tpqueue.Request{PlayerID: player, World: world, MinRadius: minR, MaxRadius: maxR})
		if err != nil {
			return Ticket{}, err
		}
		s.sink.Publish(tpreq.Event{Type: tpreq.EventQueued, PlayerID: player, World: world, Server: s.server, At: time.Now().UnixMilli()})
		return Ticket{Target: target, Result: ch}, nil
	}
	if err := s.available(ctx); err != nil {
		return Ticket{}, err
	}
	if err := s.remote.RequestRemote(ctx, player, world, minR, maxR); err != nil {
		return Ticket{}, err
	}
	return Ticket{Remote: true, Target: target}, nil
}

// Group places a leader and followers together. Groups always go through
// the store, even for local worlds, so that the fan-out is one batch.
func (s *Service) Group(ctx context.Context, leader string, followers []string, world string, minR, maxR *int) (Ticket, error) {
	target, ok := s.route(world)
	if !ok {
		return Ticket{}, fmt.Errorf("%w: %s", locate.ErrUnknownWorld, world)
	}
	if err := s.available(ctx); err != nil {
		return Ticket{}, err
	}
	if err := s.remote.RequestRemoteGroup(ctx, leader, followers, world, minR, maxR); err != nil {
		return Ticket{}, err
	}
	return Ticket{Remote: target != s.server, Target: target}, nil
}

func (s *Service) available(ctx context.Context) error {
	if s.remote == nil || s.store == nil {
		return ErrStoreUnavailable
	}
	pctx, cancel := context.WithTimeout(ctx, s.pingTO)
	defer cancel()
	if err := s.store.Ping(pctx); err != nil {
		s.log.Printf("store ping: %v", err)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Service) PlayerJoined(player string) {
	if s.remote != nil {
		s.remote.OnPlayerJoin(player)
	}
}

// PlayerQuit drops the player's local request and lets the coordinator
// cancel rows still waiting for a target.
func (s *Service) PlayerQuit(player string) {
	if s.queue.Cancel(player) {
		s.sink.Publish(tpreq.Event{Type: tpreq.EventCancelled, PlayerID: player, Server: s.server, At: time.Now().UnixMilli()})
	}
	if s.remote != nil {
		s.remote.OnPlayerQuit(player)
	}
}

// QueueEvents turns queue results into lifecycle events. It is passed to
// tpqueue.Options.Events.
func QueueEvents(server string, sink tpreq.Sink, now func() time.Time) func(tpqueue.Result) {
	if now == nil {
		now = time.Now
	}
	return func(r tpqueue.Result) {
		ev := tpreq.Event{PlayerID: r.PlayerID, Server: server, At: now().UnixMilli()}
		switch {
		case r.OK:
			pos := r.Pos
			ev.Type, ev.World, ev.Pos = tpreq.EventTeleported, pos.World, &pos
		case errors.Is(r.Err, tpqueue.ErrCancelled):
			// PlayerQuit already reported it.
			return
		case r.Err != nil:
			ev.Type, ev.Detail = tpreq.EventFailed, r.Err.Error()
		case !r.Found:
			ev.Type, ev.Detail = tpreq.EventFailed, "no safe location"
		default:
			pos := r.Pos
			ev.Type, ev.World, ev.Pos, ev.Detail = tpreq.EventFailed, pos.World, &pos, "teleport refused"
		}
		sink.Publish(ev)
	}
}

// CachedFinder serves positions from a warm cache before falling back to a
// live search.
type CachedFinder struct {
	Cache interface {
		Fetch(world string) (terrain.Position, bool)
	}
	Finder tpqueue.Finder
}

func (f CachedFinder) Find(ctx context.Context, q locate.Query) (terrain.Position, bool, error) {
	// Cached entries were found with the world's default radii.
	if f.Cache != nil && q.MinRadius == nil && q.MaxRadius == nil {
		if pos, ok := f.Cache.Fetch(q.World); ok {
			return pos, true, nil
		}
	}
	return f.Finder.Find(ctx, q)
}
