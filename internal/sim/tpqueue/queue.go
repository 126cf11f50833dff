package tpqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"voxelrtp.ai/internal/sim/locate"
	"voxelrtp.ai/internal/sim/terrain"
)

var (
	ErrAlreadyPending = errors.New("tpqueue: teleport already pending for player")
	ErrQueueFull      = errors.New("tpqueue: queue full")
	ErrTimedOut       = errors.New("tpqueue: request timed out in queue")
	ErrCancelled      = errors.New("tpqueue: request cancelled")
)

const (
	ModeDirect = "direct"
	ModeQueued = "queued"
)

type Finder interface {
	Find(ctx context.Context, q locate.Query) (terrain.Position, bool, error)
}

type Request struct {
	PlayerID  string
	World     string
	MinRadius *int
	MaxRadius *int
}

// Result is delivered exactly once per accepted request. OK means the
// player was moved to Pos.
type Result struct {
	PlayerID string
	Pos      terrain.Position
	Found    bool
	OK       bool
	Err      error
}

type Options struct {
	Finder Finder
	Host   terrain.Host

	Mode       string
	BatchSize  int
	TickRateHz int
	Timeout    time.Duration
	MaxPending int

	// Events receives one call per finished request. Optional.
	Events func(Result)
	Logger *log.Logger
	Now    func() time.Time
}

const (
	stateQueued int32 = iota
	stateRunning
	stateDone
)

type entry struct {
	req      Request
	ctx      context.Context
	cancel   context.CancelFunc
	enqueued time.Time
	timer    atomic.Pointer[time.Timer]
	state    atomic.Int32
	out      chan Result
	once     sync.Once
}

// Manager is local admission control in front of the resolver.
type Manager struct {
	finder  Finder
	host    terrain.Host
	mode    string
	batch   int
	hz      int
	timeout time.Duration
	events  func(Result)
	log     *log.Logger
	now     func() time.Time

	inflight sync.Map // player id -> *entry
	queue    chan *entry
	pending  atomic.Int64
	wg       sync.WaitGroup
}

func New(opts Options) (*Manager, error) {
	if opts.Finder == nil || opts.Host == nil {
		return nil, fmt.Errorf("tpqueue: finder and host are required")
	}
	m := &Manager{
		finder:  opts.Finder,
		host:    opts.Host,
		mode:    opts.Mode,
		batch:   opts.BatchSize,
		hz:      opts.TickRateHz,
		timeout: opts.Timeout,
		events:  opts.Events,
		log:     opts.Logger,
		now:     opts.Now,
	}
	switch m.mode {
	case ModeDirect, ModeQueued:
	case "":
		m.mode = ModeQueued
	default:
		return nil, fmt.Errorf("tpqueue: unknown mode %q", opts.Mode)
	}
	if m.batch <= 0 {
		m.batch = 4
	}
	if m.hz <= 0 {
		m.hz = 2
	}
	if m.timeout <= 0 {
		m.timeout = 30 * time.Second
	}
	maxPending := opts.MaxPending
	if maxPending <= 0 {
		maxPending = 1024
	}
	m.queue = make(chan *entry, maxPending)
	if m.log == nil {
		m.log = log.New(io.Discard, "", 0)
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

func (m *Manager) Mode() string { return m.mode }

// RequestTeleport admits one request for the player. A second request while
// one is in flight fails with ErrAlreadyPending. The returned channel yields
// exactly one Result.
func (m *Manager) RequestTeleport(ctx context.Context, req Request) (<-chan Result, error) {
	if req.PlayerID == "" || req.World == "" {
		return nil, fmt.Errorf("tpqueue: player and world are required")
	}
	e := &entry{req: req, enqueued: m.now(), out: make(chan Result, 1)}
	e.ctx, e.cancel = context.WithCancel(ctx)
	if _, loaded := m.inflight.LoadOrStore(req.PlayerID, e); loaded {
		e.cancel()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPending, req.PlayerID)
	}

	if m.mode == ModeDirect {
		e.state.Store(stateRunning)
		go m.process(e)
		return e.out, nil
	}

	// Armed only once the entry owns the player's slot; the callback may run
	// before AfterFunc returns.
	e.timer.Store(time.AfterFunc(m.timeout, func() {
		if e.state.CompareAndSwap(stateQueued, stateDone) {
			m.finish(e, Result{PlayerID: req.PlayerID, Err: ErrTimedOut})
		}
	}))
	m.pending.Add(1)
	select {
	case m.queue <- e:
	default:
		m.pending.Add(-1)
		m.inflight.CompareAndDelete(req.PlayerID, e)
		e.stop()
		return nil, ErrQueueFull
	}
	return e.out, nil
}

func (e *entry) stop() {
	if t := e.timer.Load(); t != nil {
		t.Stop()
	}
	e.cancel()
}

// Cancel drops the player's queued or in-flight request without waiting for
// it. It reports whether there was one.
func (m *Manager) Cancel(player string) bool {
	v, ok := m.inflight.LoadAndDelete(player)
	if !ok {
		return false
	}
	e := v.(*entry)
	e.stop()
	if e.state.CompareAndSwap(stateQueued, stateDone) {
		m.finish(e, Result{PlayerID: player, Err: ErrCancelled})
	}
	return true
}

// Pending reports whether the player has a request queued or in flight.
func (m *Manager) Pending(player string) bool {
	_, ok := m.inflight.Load(player)
	return ok
}

// QueueLen is the number of entries waiting for a tick, including
// cancelled entries not yet drained.
func (m *Manager) QueueLen() int { return int(m.pending.Load()) }

func (m *Manager) finish(e *entry, res Result) {
	e.once.Do(func() {
		e.state.Store(stateDone)
		e.stop()
		m.inflight.CompareAndDelete(e.req.PlayerID, e)
		if m.events != nil {
			m.events(res)
		}
		e.out <- res
	})
}

func (m *Manager) process(e *entry) {
	req := e.req
	res := Result{PlayerID: req.PlayerID}
	pos, found, err := m.finder.Find(e.ctx, locate.Query{World: req.World, MinRadius: req.MinRadius, MaxRadius: req.MaxRadius})
	switch {
	case err != nil:
		if errors.Is(err, context.Canceled) && e.ctx.Err() != nil {
			err = ErrCancelled
		}
		res.Err = err
	case !found:
		m.host.Notify(req.PlayerID, "No safe location found. Try again.")
	default:
		res.Pos = pos
		res.Found = true
		select {
		case ok := <-m.host.TeleportAsync(e.ctx, req.PlayerID, pos):
			res.OK = ok
		case <-e.ctx.Done():
			res.Err = ErrCancelled
		}
	}
	m.finish(e, res)
}

// Run drives queued mode: every tick at most BatchSize entries are taken off
// the queue and resolved concurrently. It returns when ctx is done, failing
// whatever is still queued.
func (m *Manager) Run(ctx context.Context) error {
	if m.mode == ModeDirect {
		<-ctx.Done()
		return nil
	}
	defer m.wg.Wait()
	lim := rate.NewLimiter(rate.Limit(m.hz), 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			m.drain()
			return nil
		}
		m.tick()
	}
}

func (m *Manager) tick() {
	for taken := 0; taken < m.batch; {
		var e *entry
		select {
		case e = <-m.queue:
		default:
			return
		}
		m.pending.Add(-1)
		if !e.state.CompareAndSwap(stateQueued, stateRunning) {
			// Cancelled or timed out while queued.
			continue
		}
		if m.now().Sub(e.enqueued) > m.timeout {
			m.finish(e, Result{PlayerID: e.req.PlayerID, Err: ErrTimedOut})
			continue
		}
		taken++
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.process(e)
		}()
	}
}

func (m *Manager) drain() {
	for {
		select {
		case e := <-m.queue:
			m.pending.Add(-1)
			if e.state.CompareAndSwap(stateQueued, stateDone) {
				m.finish(e, Result{PlayerID: e.req.PlayerID, Err: ErrCancelled})
			}
		default:
			return
		}
	}
}
