package terrain

import (
	"context"
	"sync"
)

// Transfer records a SendToProcess call.
type Transfer struct {
	PlayerID string
	ServerID string
}

// MemHost is an in-memory Host. Teleports are applied on a single loop
// goroutine that stands in for the simulation thread.
type MemHost struct {
	mu        sync.Mutex
	online    map[string]bool
	positions map[string]Position
	transfers []Transfer
	notices   map[string][]string
	refuse    map[string]bool

	ops  chan func(ctx context.Context)
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewMemHost() *MemHost {
	h := &MemHost{
		online:    map[string]bool{},
		positions: map[string]Position{},
		notices:   map[string][]string{},
		refuse:    map[string]bool{},
		ops:       make(chan func(ctx context.Context), 256),
		stop:      make(chan struct{}),
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.loop()
	}()
	return h
}

// loop is the simulation thread stand-in. Every op sees a context marked
// with WithSimLoop, so blocking store calls made from it are refused.
func (h *MemHost) loop() {
	ctx := WithSimLoop(context.Background())
	for {
		select {
		case <-h.stop:
			return
		case op := <-h.ops:
			op(ctx)
		}
	}
}

// Do runs fn on the loop goroutine and waits for it. It reports false if
// the host is closed or ctx ends before fn was scheduled.
func (h *MemHost) Do(ctx context.Context, fn func(ctx context.Context)) bool {
	done := make(chan struct{})
	op := func(lctx context.Context) {
		defer close(done)
		fn(lctx)
	}
	select {
	case h.ops <- op:
	case <-ctx.Done():
		return false
	case <-h.stop:
		return false
	}
	select {
	case <-done:
		return true
	case <-h.stop:
		return false
	}
}

func (h *MemHost) Close() {
	h.once.Do(func() {
		close(h.stop)
		h.wg.Wait()
	})
}

func (h *MemHost) Join(playerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.online[playerID] = true
}

func (h *MemHost) Quit(playerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.online, playerID)
}

// Refuse makes every teleport of playerID fail.
func (h *MemHost) Refuse(playerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refuse[playerID] = true
}

func (h *MemHost) TeleportAsync(ctx context.Context, playerID string, pos Position) <-chan bool {
	out := make(chan bool, 1)
	op := func(context.Context) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if !h.online[playerID] || h.refuse[playerID] {
			out <- false
			return
		}
		h.positions[playerID] = pos
		out <- true
	}
	select {
	case h.ops <- op:
	case <-ctx.Done():
		out <- false
	case <-h.stop:
		out <- false
	}
	return out
}

func (h *MemHost) IsOnline(playerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online[playerID]
}

func (h *MemHost) SendToProcess(playerID, serverID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transfers = append(h.transfers, Transfer{PlayerID: playerID, ServerID: serverID})
	delete(h.online, playerID)
}

func (h *MemHost) Notify(playerID, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notices[playerID] = append(h.notices[playerID], msg)
}

func (h *MemHost) PositionOf(playerID string) (Position, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.positions[playerID]
	return p, ok
}

func (h *MemHost) Transfers() []Transfer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Transfer(nil), h.transfers...)
}

func (h *MemHost) Notices(playerID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.notices[playerID]...)
}
