package crossserver

import (
	"context"

	"voxelrtp.ai/internal/persistence/requestdb"
	"voxelrtp.ai/internal/sim/tpreq"
)

const notFoundMsg = "No safe location found. Try again."

// Finalize acts on rows this server created that the target has finished
// with. A COMPLETE row whose player is still online is marked IN_TRANSFER
// before the player is handed to the target, so the target can tell a
// pending arrival from a fresh request.
func (c *Coordinator) Finalize(ctx context.Context) int {
	rows, err := c.store.ListOriginated(ctx, c.server, tpreq.Complete, tpreq.Failed, tpreq.TransferConfirmed)
	if err != nil {
		c.log.Printf("finalize: %v", err)
		return 0
	}
	done := 0
	for _, r := range rows {
		if ctx.Err() != nil {
			break
		}
		if c.finalizeOne(ctx, r) {
			done++
		}
	}
	return done
}

func (c *Coordinator) finalizeOne(ctx context.Context, r tpreq.Request) bool {
	switch r.Status {
	case tpreq.Complete:
		if !c.host.IsOnline(r.PlayerID) {
			ok, err := c.store.Delete(ctx, r.PlayerID, tpreq.Complete)
			if err != nil {
				c.log.Printf("finalize %s: %v", r.PlayerID, err)
				return false
			}
			if ok {
				c.publish(tpreq.Event{Type: tpreq.EventAbandoned, PlayerID: r.PlayerID, World: r.World, Peer: r.Target, Status: tpreq.Complete})
			}
			return ok
		}
		if r.Target == c.server {
			return c.placeLocal(ctx, r)
		}
		ok, err := c.store.MarkInTransfer(ctx, r.PlayerID, c.server)
		if err != nil {
			c.log.Printf("finalize %s: %v", r.PlayerID, err)
			return false
		}
		if !ok {
			return false
		}
		c.host.SendToProcess(r.PlayerID, r.Target)
		c.publish(tpreq.Event{Type: tpreq.EventTransferred, PlayerID: r.PlayerID, World: r.World, Peer: r.Target, Status: tpreq.InTransfer, Pos: r.Pos})
		return true

	case tpreq.Failed:
		ok, err := c.store.Delete(ctx, r.PlayerID, tpreq.Failed)
		if err != nil {
			c.log.Printf("finalize %s: %v", r.PlayerID, err)
			return false
		}
		if ok && c.host.IsOnline(r.PlayerID) {
			c.host.Notify(r.PlayerID, notFoundMsg)
		}
		return ok

	case tpreq.TransferConfirmed:
		ok, err := c.store.Delete(ctx, r.PlayerID, tpreq.TransferConfirmed)
		if err != nil {
			c.log.Printf("finalize %s: %v", r.PlayerID, err)
		}
		return ok
	}
	return false
}

// placeLocal finishes a row this server both created and resolved, which
// happens for groups bound for a local world. No handoff is needed.
func (c *Coordinator) placeLocal(ctx context.Context, r tpreq.Request) bool {
	pos, ok := r.Position()
	if !ok {
		return false
	}
	var moved bool
	select {
	case moved = <-c.host.TeleportAsync(ctx, r.PlayerID, pos):
	case <-ctx.Done():
		return false
	}
	deleted, err := c.store.Delete(ctx, r.PlayerID, tpreq.Complete)
	if err != nil {
		c.log.Printf("finalize %s: %v", r.PlayerID, err)
		return false
	}
	if !moved {
		c.host.Notify(r.PlayerID, "Teleport failed.")
		return deleted
	}
	c.publish(tpreq.Event{Type: tpreq.EventTeleported, PlayerID: r.PlayerID, World: r.World, Pos: &pos})
	return deleted
}

// ProcessArrivals teleports players who joined recently and have an
// IN_TRANSFER row addressed to this server, then confirms the transfer.
// Join notes older than the arrival TTL are dropped.
func (c *Coordinator) ProcessArrivals(ctx context.Context) int {
	c.expireArrivals()
	if c.arrivalCount() == 0 {
		return 0
	}
	rows, err := c.store.ListArrivals(ctx, c.server)
	if err != nil {
		c.log.Printf("arrivals: %v", err)
		return 0
	}
	done := 0
	for _, r := range rows {
		if ctx.Err() != nil {
			break
		}
		if !c.takeArrival(r.PlayerID) {
			continue
		}
		pos, ok := r.Position()
		if !ok {
			continue
		}
		var moved bool
		select {
		case moved = <-c.host.TeleportAsync(ctx, r.PlayerID, pos):
		case <-ctx.Done():
			return done
		}
		if !moved {
			c.log.Printf("arrival %s: teleport refused", r.PlayerID)
			c.host.Notify(r.PlayerID, "Teleport failed.")
			continue
		}
		c.publish(tpreq.Event{Type: tpreq.EventTeleported, PlayerID: r.PlayerID, World: r.World, Peer: r.Origin, Pos: &pos})
		confirmed, err := c.store.ConfirmTransfer(ctx, r.PlayerID, c.server)
		if err != nil {
			c.log.Printf("arrival %s: %v", r.PlayerID, err)
			continue
		}
		if confirmed {
			done++
			c.publish(tpreq.Event{Type: tpreq.EventConfirmed, PlayerID: r.PlayerID, World: r.World, Peer: r.Origin, Status: tpreq.TransferConfirmed, Pos: &pos})
		}
	}
	return done
}

func (c *Coordinator) expireArrivals() {
	cutoff := c.now().Add(-c.tune.ArrivalTTL())
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, at := range c.arrivals {
		if at.Before(cutoff) {
			delete(c.arrivals, id)
		}
	}
}

func (c *Coordinator) arrivalCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.arrivals)
}

func (c *Coordinator) takeArrival(player string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.arrivals[player]; !ok {
		return false
	}
	delete(c.arrivals, player)
	return true
}

// ProcessQuits cancels still-PENDING rows of players who disconnected.
func (c *Coordinator) ProcessQuits(ctx context.Context) int {
	c.mu.Lock()
	quits := make([]string, 0, len(c.quits))
	for id := range c.quits {
		quits = append(quits, id)
	}
	c.quits = map[string]bool{}
	c.mu.Unlock()

	n := 0
	for _, id := range quits {
		ok, err := c.store.CancelPending(ctx, id, c.server)
		if err != nil {
			c.log.Printf("cancel %s: %v", id, err)
			continue
		}
		if ok {
			n++
			c.publish(tpreq.Event{Type: tpreq.EventCancelled, PlayerID: id, Status: tpreq.Pending})
		}
	}
	return n
}

// Sweep fails stuck rows and drops old terminal rows. Any process may run
// it; the store makes each row fail exactly once.
func (c *Coordinator) Sweep(ctx context.Context) requestdb.SweepResult {
	res, err := c.store.Sweep(ctx, requestdb.SweepPolicy{
		Stuck:    c.tune.StuckTimeout(),
		Transfer: c.tune.TransferTimeout(),
		Grace:    c.tune.GracePeriod(),
	})
	if err != nil {
		c.log.Printf("sweep: %v", err)
		return res
	}
	for _, id := range res.Failed {
		c.publish(tpreq.Event{Type: tpreq.EventSwept, PlayerID: id, Status: tpreq.Failed, Detail: "stuck"})
	}
	for _, id := range res.TransferDue {
		c.publish(tpreq.Event{Type: tpreq.EventSwept, PlayerID: id, Status: tpreq.Failed, Detail: "transfer timeout"})
	}
	if !res.Empty() {
		c.log.Printf("sweep: failed=%d transfer_due=%d deleted=%d", len(res.Failed), len(res.TransferDue), res.Deleted)
	}
	return res
}
