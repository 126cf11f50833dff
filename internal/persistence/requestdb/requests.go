package requestdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"voxelrtp.ai/internal/sim/terrain"
	"voxelrtp.ai/internal/sim/tpreq"
)

// upsert replaces any prior row for the player unless it is mid-transfer.
const upsert = `INSERT INTO teleport_requests (
		player_id, origin, target, world, payload,
		pos_world, pos_x, pos_y, pos_z, pos_yaw, pos_pitch,
		status, min_radius, max_radius, kind, group_leader, owner, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, NULL, NULL, NULL, NULL, NULL, NULL, ?, ?, ?, ?, ?, '', ?, ?)
	ON CONFLICT(player_id) DO UPDATE SET
		origin = excluded.origin,
		target = excluded.target,
		world = excluded.world,
		payload = excluded.payload,
		pos_world = NULL, pos_x = NULL, pos_y = NULL, pos_z = NULL, pos_yaw = NULL, pos_pitch = NULL,
		status = excluded.status,
		min_radius = excluded.min_radius,
		max_radius = excluded.max_radius,
		kind = excluded.kind,
		group_leader = excluded.group_leader,
		owner = '',
		created_at = excluded.created_at,
		updated_at = excluded.updated_at
	WHERE teleport_requests.status <> 'IN_TRANSFER'`

func (s *Store) insert(ctx context.Context, q execer, r tpreq.Request) error {
	if r.Status != tpreq.Pending {
		return fmt.Errorf("%w: new row must be %s, got %s", tpreq.ErrInvalidTransition, tpreq.Pending, r.Status)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("unknown request kind %q", r.Kind)
	}
	now := s.nowMs()
	res, err := q.ExecContext(ctx, upsert,
		r.PlayerID, r.Origin, r.Target, r.World, r.Payload.Encode(),
		string(tpreq.Pending), nullInt(r.MinRadius), nullInt(r.MaxRadius), string(r.Kind), r.Leader(),
		now, now)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransferInProgress, r.PlayerID)
	}
	return nil
}

// Create inserts a PENDING row, replacing any prior row for the player that
// is not IN_TRANSFER.
func (s *Store) Create(ctx context.Context, r tpreq.Request) error {
	if err := s.guard(ctx); err != nil {
		return fmt.Errorf("requestdb: create: %w", err)
	}
	if err := s.insert(ctx, s.db, r); err != nil {
		return fmt.Errorf("requestdb: create: %w", err)
	}
	return nil
}

// CreateGroup inserts the leader and member rows in one transaction. If any
// player is mid-transfer nothing is written.
func (s *Store) CreateGroup(ctx context.Context, rows []tpreq.Request) error {
	if err := s.guard(ctx); err != nil {
		return fmt.Errorf("requestdb: create group: %w", err)
	}
	if len(rows) == 0 || rows[0].Kind != tpreq.GroupLeader {
		return fmt.Errorf("requestdb: create group: first row must be the group leader")
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rows {
			if err := s.insert(ctx, tx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("requestdb: create group: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, player string) (tpreq.Request, bool, error) {
	if err := s.guard(ctx); err != nil {
		return tpreq.Request{}, false, fmt.Errorf("requestdb: get: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM teleport_requests WHERE player_id = ?`, player)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tpreq.Request{}, false, nil
	}
	if err != nil {
		return tpreq.Request{}, false, fmt.Errorf("requestdb: get: %w", err)
	}
	return r, true, nil
}

// ClaimNext claims one PENDING row addressed to target for owner. It reads
// up to window candidates oldest first and races a guarded update on each;
// a lost race moves on to the next candidate. Member rows are never claimed.
func (s *Store) ClaimNext(ctx context.Context, target, owner string, window int) (tpreq.Request, bool, error) {
	if err := s.guard(ctx); err != nil {
		return tpreq.Request{}, false, fmt.Errorf("requestdb: claim: %w", err)
	}
	if err := tpreq.CheckTransition(tpreq.Pending, tpreq.Processing); err != nil {
		return tpreq.Request{}, false, err
	}
	if window <= 0 {
		window = 1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT player_id FROM teleport_requests
		WHERE target = ? AND status = 'PENDING' AND kind <> 'GROUP_MEMBER'
		ORDER BY created_at, player_id LIMIT ?`, target, window)
	if err != nil {
		return tpreq.Request{}, false, fmt.Errorf("requestdb: claim: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return tpreq.Request{}, false, fmt.Errorf("requestdb: claim: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return tpreq.Request{}, false, fmt.Errorf("requestdb: claim: %w", err)
	}

	for _, id := range ids {
		row := s.db.QueryRowContext(ctx, `UPDATE teleport_requests
			SET status = 'PROCESSING', owner = ?, updated_at = ?
			WHERE player_id = ? AND target = ? AND status = 'PENDING'
			RETURNING `+columns, owner, s.nowMs(), id, target)
		r, err := scanRequest(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return tpreq.Request{}, false, fmt.Errorf("requestdb: claim: %w", err)
		}
		return r, true, nil
	}
	return tpreq.Request{}, false, nil
}

func setPos(pos terrain.Position) []any {
	return []any{pos.World, pos.X, pos.Y, pos.Z, float64(pos.Yaw), float64(pos.Pitch)}
}

// Complete writes pos and COMPLETE for a row owner is processing.
func (s *Store) Complete(ctx context.Context, player, owner string, pos terrain.Position) (bool, error) {
	if err := s.guard(ctx); err != nil {
		return false, fmt.Errorf("requestdb: complete: %w", err)
	}
	if err := tpreq.CheckTransition(tpreq.Processing, tpreq.Complete); err != nil {
		return false, err
	}
	args := append(setPos(pos), s.nowMs(), player, owner)
	res, err := s.db.ExecContext(ctx, `UPDATE teleport_requests
		SET pos_world = ?, pos_x = ?, pos_y = ?, pos_z = ?, pos_yaw = ?, pos_pitch = ?,
			status = 'COMPLETE', updated_at = ?
		WHERE player_id = ? AND owner = ? AND status = 'PROCESSING'`, args...)
	if err != nil {
		return false, fmt.Errorf("requestdb: complete: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return false, fmt.Errorf("requestdb: complete: %w", err)
	}
	return ok, nil
}

// CompleteGroup completes the leader and its PENDING members in one
// transaction. positions maps player id to position; the leader must be
// present. Members without a position get the leader's.
func (s *Store) CompleteGroup(ctx context.Context, leader, owner string, positions map[string]terrain.Position) (bool, error) {
	if err := s.guard(ctx); err != nil {
		return false, fmt.Errorf("requestdb: complete group: %w", err)
	}
	if err := tpreq.CheckTransition(tpreq.Processing, tpreq.Complete); err != nil {
		return false, err
	}
	if err := tpreq.CheckTransition(tpreq.Pending, tpreq.Complete); err != nil {
		return false, err
	}
	leadPos, ok := positions[leader]
	if !ok {
		return false, fmt.Errorf("requestdb: complete group: no position for leader %s", leader)
	}
	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.nowMs()
		args := append(setPos(leadPos), now, leader, owner)
		res, err := tx.ExecContext(ctx, `UPDATE teleport_requests
			SET pos_world = ?, pos_x = ?, pos_y = ?, pos_z = ?, pos_yaw = ?, pos_pitch = ?,
				status = 'COMPLETE', updated_at = ?
			WHERE player_id = ? AND owner = ? AND status = 'PROCESSING' AND kind = 'GROUP_LEADER'`, args...)
		if err != nil {
			return err
		}
		if applied, err = affected(res); err != nil || !applied {
			return err
		}
		members, err := memberIDs(ctx, tx, leader, tpreq.Pending)
		if err != nil {
			return err
		}
		for _, m := range members {
			pos, ok := positions[m]
			if !ok {
				pos = leadPos
			}
			args := append(setPos(pos), now, m, leader)
			if _, err := tx.ExecContext(ctx, `UPDATE teleport_requests
				SET pos_world = ?, pos_x = ?, pos_y = ?, pos_z = ?, pos_yaw = ?, pos_pitch = ?,
					status = 'COMPLETE', updated_at = ?
				WHERE player_id = ? AND group_leader = ? AND kind = 'GROUP_MEMBER' AND status = 'PENDING'`, args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("requestdb: complete group: %w", err)
	}
	return applied, nil
}

func memberIDs(ctx context.Context, q execer, leader string, status tpreq.Status) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT player_id FROM teleport_requests
		WHERE group_leader = ? AND kind = 'GROUP_MEMBER' AND status = ?
		ORDER BY player_id`, leader, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Members returns the member rows of a group, in player order.
func (s *Store) Members(ctx context.Context, leader string) ([]tpreq.Request, error) {
	if err := s.guard(ctx); err != nil {
		return nil, fmt.Errorf("requestdb: members: %w", err)
	}
	out, err := s.queryRequests(ctx, s.db, `SELECT `+columns+` FROM teleport_requests
		WHERE group_leader = ? AND kind = 'GROUP_MEMBER' ORDER BY player_id`, leader)
	if err != nil {
		return nil, fmt.Errorf("requestdb: members: %w", err)
	}
	return out, nil
}

// Fail marks a row owner is processing FAILED, together with any members
// still waiting on it.
func (s *Store) Fail(ctx context.Context, player, owner string) (bool, error) {
	if err := s.guard(ctx); err != nil {
		return false, fmt.Errorf("requestdb: fail: %w", err)
	}
	if err := tpreq.CheckTransition(tpreq.Processing, tpreq.Failed); err != nil {
		return false, err
	}
	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.nowMs()
		res, err := tx.ExecContext(ctx, `UPDATE teleport_requests SET status = 'FAILED', updated_at = ?
			WHERE player_id = ? AND owner = ? AND status = 'PROCESSING'`, now, player, owner)
		if err != nil {
			return err
		}
		if applied, err = affected(res); err != nil || !applied {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE teleport_requests SET status = 'FAILED', updated_at = ?
			WHERE group_leader = ? AND kind = 'GROUP_MEMBER' AND status = 'PENDING'`, now, player)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("requestdb: fail: %w", err)
	}
	return applied, nil
}

// ListOriginated returns rows created by origin in the given statuses,
// COMPLETE and FAILED when none are given.
func (s *Store) ListOriginated(ctx context.Context, origin string, statuses ...tpreq.Status) ([]tpreq.Request, error) {
	if err := s.guard(ctx); err != nil {
		return nil, fmt.Errorf("requestdb: list originated: %w", err)
	}
	if len(statuses) == 0 {
		statuses = []tpreq.Status{tpreq.Complete, tpreq.Failed}
	}
	args := []any{origin}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	out, err := s.queryRequests(ctx, s.db, `SELECT `+columns+` FROM teleport_requests
		WHERE origin = ? AND status IN (`+placeholders(len(statuses))+`)
		ORDER BY updated_at, player_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("requestdb: list originated: %w", err)
	}
	return out, nil
}

// MarkInTransfer moves a COMPLETE row created by origin to IN_TRANSFER.
func (s *Store) MarkInTransfer(ctx context.Context, player, origin string) (bool, error) {
	return s.transition(ctx, "mark in transfer", player, tpreq.Complete, tpreq.InTransfer, "origin", origin)
}

// ConfirmTransfer is called by the target process once the player has
// arrived. The target guard rejects stale confirmations from an earlier
// attempt that routed the player elsewhere.
func (s *Store) ConfirmTransfer(ctx context.Context, player, target string) (bool, error) {
	return s.transition(ctx, "confirm transfer", player, tpreq.InTransfer, tpreq.TransferConfirmed, "target", target)
}

func (s *Store) transition(ctx context.Context, op, player string, from, to tpreq.Status, col, val string) (bool, error) {
	if err := s.guard(ctx); err != nil {
		return false, fmt.Errorf("requestdb: %s: %w", op, err)
	}
	if err := tpreq.CheckTransition(from, to); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE teleport_requests SET status = ?, updated_at = ?
		WHERE player_id = ? AND status = ? AND `+col+` = ?`,
		string(to), s.nowMs(), player, string(from), val)
	if err != nil {
		return false, fmt.Errorf("requestdb: %s: %w", op, err)
	}
	ok, err := affected(res)
	if err != nil {
		return false, fmt.Errorf("requestdb: %s: %w", op, err)
	}
	return ok, nil
}

// Delete removes the player's row if it is still in status expect.
func (s *Store) Delete(ctx context.Context, player string, expect tpreq.Status) (bool, error) {
	if err := s.guard(ctx); err != nil {
		return false, fmt.Errorf("requestdb: delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM teleport_requests WHERE player_id = ? AND status = ?`, player, string(expect))
	if err != nil {
		return false, fmt.Errorf("requestdb: delete: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return false, fmt.Errorf("requestdb: delete: %w", err)
	}
	return ok, nil
}

// CancelPending deletes a still-PENDING row created by origin, plus its
// PENDING members when the row leads a group. A row already claimed by the
// target cannot be cancelled; the sweep or finalization handles it.
func (s *Store) CancelPending(ctx context.Context, player, origin string) (bool, error) {
	if err := s.guard(ctx); err != nil {
		return false, fmt.Errorf("requestdb: cancel: %w", err)
	}
	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM teleport_requests
			WHERE player_id = ? AND origin = ? AND status = 'PENDING'`, player, origin)
		if err != nil {
			return err
		}
		if applied, err = affected(res); err != nil || !applied {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM teleport_requests
			WHERE group_leader = ? AND kind = 'GROUP_MEMBER' AND status = 'PENDING'`, player)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("requestdb: cancel: %w", err)
	}
	return applied, nil
}

// ListArrivals returns IN_TRANSFER rows addressed to target.
func (s *Store) ListArrivals(ctx context.Context, target string) ([]tpreq.Request, error) {
	if err := s.guard(ctx); err != nil {
		return nil, fmt.Errorf("requestdb: list arrivals: %w", err)
	}
	out, err := s.queryRequests(ctx, s.db, `SELECT `+columns+` FROM teleport_requests
		WHERE target = ? AND status = 'IN_TRANSFER' ORDER BY updated_at, player_id`, target)
	if err != nil {
		return nil, fmt.Errorf("requestdb: list arrivals: %w", err)
	}
	return out, nil
}

type SweepPolicy struct {
	// Stuck bounds PENDING and PROCESSING.
	Stuck time.Duration
	// Transfer bounds IN_TRANSFER.
	Transfer time.Duration
	// Grace is how long terminal rows are kept before deletion.
	Grace time.Duration
}

type SweepResult struct {
	Failed      []string `json:"failed,omitempty"`
	TransferDue []string `json:"transfer_due,omitempty"`
	Deleted     int      `json:"deleted"`
}

func (r SweepResult) Empty() bool {
	return len(r.Failed) == 0 && len(r.TransferDue) == 0 && r.Deleted == 0
}

// Sweep force-fails stuck rows and deletes old terminal rows in one
// transaction. Every update is guarded on status, so a row is failed by
// exactly one sweep no matter how many processes run it.
func (s *Store) Sweep(ctx context.Context, p SweepPolicy) (SweepResult, error) {
	var out SweepResult
	if err := s.guard(ctx); err != nil {
		return out, fmt.Errorf("requestdb: sweep: %w", err)
	}
	for _, from := range []tpreq.Status{tpreq.Pending, tpreq.Processing, tpreq.InTransfer} {
		if err := tpreq.CheckTransition(from, tpreq.Failed); err != nil {
			return out, err
		}
	}
	now := s.now()
	nowMs := now.UnixMilli()
	stuckBefore := now.Add(-p.Stuck).UnixMilli()
	transferBefore := now.Add(-p.Transfer).UnixMilli()
	graceBefore := now.Add(-p.Grace).UnixMilli()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Leaders and individual rows; members follow their leader.
		ids, err := returningIDs(ctx, tx, `UPDATE teleport_requests SET status = 'FAILED', updated_at = ?
			WHERE status IN ('PENDING', 'PROCESSING') AND kind <> 'GROUP_MEMBER' AND updated_at < ?
			RETURNING player_id, kind`, nowMs, stuckBefore)
		if err != nil {
			return err
		}
		out.Failed = append(out.Failed, ids...)
		for _, id := range ids {
			members, err := returningIDs(ctx, tx, `UPDATE teleport_requests SET status = 'FAILED', updated_at = ?
				WHERE group_leader = ? AND kind = 'GROUP_MEMBER' AND status = 'PENDING'
				RETURNING player_id, kind`, nowMs, id)
			if err != nil {
				return err
			}
			out.Failed = append(out.Failed, members...)
		}
		// Members whose leader is gone or no longer active.
		orphans, err := returningIDs(ctx, tx, `UPDATE teleport_requests SET status = 'FAILED', updated_at = ?
			WHERE kind = 'GROUP_MEMBER' AND status = 'PENDING' AND updated_at < ?
			AND NOT EXISTS (
				SELECT 1 FROM teleport_requests l
				WHERE l.player_id = teleport_requests.group_leader
				AND l.kind = 'GROUP_LEADER' AND l.status IN ('PENDING', 'PROCESSING')
			)
			RETURNING player_id, kind`, nowMs, stuckBefore)
		if err != nil {
			return err
		}
		out.Failed = append(out.Failed, orphans...)

		transfer, err := returningIDs(ctx, tx, `UPDATE teleport_requests SET status = 'FAILED', updated_at = ?
			WHERE status = 'IN_TRANSFER' AND updated_at < ?
			RETURNING player_id, kind`, nowMs, transferBefore)
		if err != nil {
			return err
		}
		out.TransferDue = transfer

		res, err := tx.ExecContext(ctx, `DELETE FROM teleport_requests
			WHERE status IN ('COMPLETE', 'FAILED', 'TRANSFER_CONFIRMED') AND updated_at < ?`, graceBefore)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		out.Deleted = int(n)
		return nil
	})
	if err != nil {
		return SweepResult{}, fmt.Errorf("requestdb: sweep: %w", err)
	}
	return out, nil
}

func returningIDs(ctx context.Context, q execer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id, kind string
		if err := rows.Scan(&id, &kind); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Count returns the number of rows per status, for diagnostics.
func (s *Store) Count(ctx context.Context, statuses ...tpreq.Status) (map[tpreq.Status]int, error) {
	if err := s.guard(ctx); err != nil {
		return nil, fmt.Errorf("requestdb: count: %w", err)
	}
	q := `SELECT status, COUNT(*) FROM teleport_requests`
	var args []any
	if len(statuses) > 0 {
		q += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	q += ` GROUP BY status`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("requestdb: count: %w", err)
	}
	defer rows.Close()
	out := map[tpreq.Status]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("requestdb: count: %w", err)
		}
		out[tpreq.Status(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("requestdb: count: %w", err)
	}
	return out, nil
}
