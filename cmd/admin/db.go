package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"voxelrtp.ai/internal/persistence/requestdb"
	"voxelrtp.ai/internal/sim/tuning"
)

func dbPathFlag(fs *flag.FlagSet) (dataDir, dbPath *string) {
	dataDir = fs.String("data", "./data", "runtime data directory")
	dbPath = fs.String("db", "", "shared request store path (default: <data>/requests.sqlite)")
	return dataDir, dbPath
}

func resolveDBPath(dataDir, dbPath string) string {
	if p := strings.TrimSpace(dbPath); p != "" {
		return p
	}
	return filepath.Join(dataDir, "requests.sqlite")
}

type requestRow struct {
	PlayerID  string      `json:"player_id"`
	Origin    string      `json:"origin"`
	Target    string      `json:"target"`
	World     string      `json:"world"`
	Status    string      `json:"status"`
	Kind      string      `json:"kind"`
	Leader    string      `json:"leader,omitempty"`
	Owner     string      `json:"owner,omitempty"`
	Pos       *[3]float64 `json:"pos,omitempty"`
	UpdatedAt int64       `json:"updated_at"`
	AgeMs     int64       `json:"age_ms"`
}

// requestsCmd reads the store directly so it works while every server is down.
func requestsCmd(args []string) {
	fs := flag.NewFlagSet("requests", flag.ExitOnError)
	dataDir, dbPath := dbPathFlag(fs)
	status := fs.String("status", "", "status filter (optional)")
	server := fs.String("server", "", "origin or target server filter (optional)")
	limit := fs.Int("limit", 50, "result limit")
	counts := fs.Bool("counts", false, "print per-status counts only")
	_ = fs.Parse(args)

	path := resolveDBPath(*dataDir, *dbPath)
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if *counts {
		rows, err := db.Query(`SELECT status, COUNT(*) FROM teleport_requests GROUP BY status ORDER BY status`)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var st string
			var n int
			if err := rows.Scan(&st, &n); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			fmt.Printf("%-20s %d\n", st, n)
		}
		return
	}

	if *limit <= 0 {
		*limit = 50
	}
	q := `SELECT player_id, origin, target, world, status, kind, group_leader, owner, pos_x, pos_y, pos_z, updated_at
FROM teleport_requests WHERE 1=1`
	var qargs []any
	if s := strings.TrimSpace(*status); s != "" {
		q += ` AND status = ?`
		qargs = append(qargs, strings.ToUpper(s))
	}
	if s := strings.TrimSpace(*server); s != "" {
		q += ` AND (origin = ? OR target = ?)`
		qargs = append(qargs, s, s)
	}
	q += ` ORDER BY updated_at DESC LIMIT ?`
	qargs = append(qargs, *limit)

	rows, err := db.Query(q, qargs...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	defer rows.Close()
	now := time.Now().UnixMilli()
	enc := json.NewEncoder(os.Stdout)
	for rows.Next() {
		var r requestRow
		var x, y, z sql.NullFloat64
		if err := rows.Scan(&r.PlayerID, &r.Origin, &r.Target, &r.World, &r.Status, &r.Kind, &r.Leader, &r.Owner, &x, &y, &z, &r.UpdatedAt); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
		if x.Valid && y.Valid && z.Valid {
			r.Pos = &[3]float64{x.Float64, y.Float64, z.Float64}
		}
		r.AgeMs = now - r.UpdatedAt
		_ = enc.Encode(r)
	}
	if err := rows.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "rows:", err)
		os.Exit(1)
	}
}

// sweepCmd runs one sweep pass with the configured timeouts. Useful when no
// server is running to do it.
func sweepCmd(args []string) {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	dataDir, dbPath := dbPathFlag(fs)
	configDir := fs.String("configs", "./configs", "config directory holding tuning.yaml")
	_ = fs.Parse(args)

	tune, err := tuning.Load(filepath.Join(*configDir, "tuning.yaml"))
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "load tuning:", err)
			os.Exit(1)
		}
		tune = tuning.Defaults()
	}

	st, err := requestdb.Open(resolveDBPath(*dataDir, *dbPath))
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c := tune.Coordination
	res, err := st.Sweep(ctx, requestdb.SweepPolicy{
		Stuck:    c.StuckTimeout(),
		Transfer: c.TransferTimeout(),
		Grace:    c.GracePeriod(),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "sweep:", err)
		os.Exit(1)
	}
	fmt.Printf("sweep ok: failed=%d transfer_due=%d deleted=%d\n", len(res.Failed), len(res.TransferDue), res.Deleted)
}
