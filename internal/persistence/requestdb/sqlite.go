package requestdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxelrtp.ai/internal/sim/terrain"
	"voxelrtp.ai/internal/sim/tpreq"
)

var (
	ErrTransferInProgress = errors.New("requestdb: player is mid-transfer")
	ErrOnSimLoop          = errors.New("requestdb: store call on simulation loop")
	ErrClosed             = errors.New("requestdb: store closed")
)

const schemaVersion = "1"

// Store is the shared teleport mailbox. Several processes (and several
// Store handles in one process) may open the same database file; every
// status change is a single guarded UPDATE or one IMMEDIATE transaction.
type Store struct {
	db  *sql.DB
	now func() time.Time

	once   sync.Once
	closed atomic.Bool
}

type Option func(*Store)

// WithClock replaces time.Now for created/updated stamps and sweeps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	// IMMEDIATE transactions take the write lock up front so concurrent
	// handles wait on busy_timeout instead of failing on lock upgrade.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS teleport_requests (
			player_id TEXT PRIMARY KEY,
			origin TEXT NOT NULL,
			target TEXT NOT NULL,
			world TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			pos_world TEXT,
			pos_x REAL,
			pos_y REAL,
			pos_z REAL,
			pos_yaw REAL,
			pos_pitch REAL,
			status TEXT NOT NULL,
			min_radius INTEGER,
			max_radius INTEGER,
			kind TEXT NOT NULL,
			group_leader TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_requests_target_status ON teleport_requests(target, status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_requests_origin_status ON teleport_requests(origin, status);`,
		`CREATE INDEX IF NOT EXISTS idx_requests_group ON teleport_requests(group_leader, status);`,
		`CREATE INDEX IF NOT EXISTS idx_requests_status_updated ON teleport_requests(status, updated_at);`,
		`INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', '` + schemaVersion + `');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		err = s.db.Close()
	})
	return err
}

// Ping reports whether the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.guard(ctx); err != nil {
		return fmt.Errorf("requestdb: ping: %w", err)
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("requestdb: ping: %w", err)
	}
	return nil
}

func (s *Store) guard(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return ErrClosed
	}
	if terrain.OnSimLoop(ctx) {
		return ErrOnSimLoop
	}
	return nil
}

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }

const columns = `player_id, origin, target, world, payload,
	pos_world, pos_x, pos_y, pos_z, pos_yaw, pos_pitch,
	status, min_radius, max_radius, kind, owner, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (tpreq.Request, error) {
	var (
		r       tpreq.Request
		payload string
		status  string
		kind    string
		pw      sql.NullString
		px      sql.NullFloat64
		py      sql.NullFloat64
		pz      sql.NullFloat64
		yaw     sql.NullFloat64
		pitch   sql.NullFloat64
		minR    sql.NullInt64
		maxR    sql.NullInt64
	)
	if err := row.Scan(&r.PlayerID, &r.Origin, &r.Target, &r.World, &payload,
		&pw, &px, &py, &pz, &yaw, &pitch,
		&status, &minR, &maxR, &kind, &r.Owner, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return r, err
	}
	r.Status = tpreq.Status(status)
	r.Kind = tpreq.Kind(kind)
	p, err := tpreq.DecodePayload(payload)
	if err != nil {
		return r, err
	}
	r.Payload = p
	if pw.Valid {
		r.Pos = &terrain.Position{
			World: pw.String,
			X:     px.Float64,
			Y:     py.Float64,
			Z:     pz.Float64,
			Yaw:   float32(yaw.Float64),
			Pitch: float32(pitch.Float64),
		}
	}
	if minR.Valid {
		v := int(minR.Int64)
		r.MinRadius = &v
	}
	if maxR.Valid {
		v := int(maxR.Int64)
		r.MaxRadius = &v
	}
	return r, nil
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *Store) queryRequests(ctx context.Context, q execer, query string, args ...any) ([]tpreq.Request, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tpreq.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// withTx runs fn in one IMMEDIATE transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
