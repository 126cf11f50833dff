package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"voxelrtp.ai/internal/sim/multiworld"
	"voxelrtp.ai/internal/sim/tpreq"
	"voxelrtp.ai/internal/sim/tuning"
)

func newTestRuntime(t *testing.T, disableDB bool) (*runtime, *http.ServeMux) {
	t.Helper()
	dir := t.TempDir()
	cfg := serverConfig{
		ServerID:   "survival-1",
		DataDir:    dir,
		DBPath:     filepath.Join(dir, "requests.sqlite"),
		Seed:       7,
		DisableDB:  disableDB,
		EnableHTTP: true,
	}
	worlds, err := multiworld.Load("")
	if err != nil {
		t.Fatalf("worlds: %v", err)
	}
	rt, err := buildRuntime(cfg, worlds, tuning.Defaults(), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("buildRuntime: %v", err)
	}
	t.Cleanup(rt.Close)
	mux := http.NewServeMux()
	rt.routes(mux, true)
	return rt, mux
}

func do(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAdmin_RemoteTeleportCreatesRow(t *testing.T) {
	_, mux := newTestRuntime(t, false)

	rec := do(t, mux, http.MethodPost, "/v1/teleport", teleportReq{PlayerID: "p1", World: "world_the_end"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("teleport status %d: %s", rec.Code, rec.Body.String())
	}
	var resp teleportResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || !resp.Remote || resp.Target != "survival-2" {
		t.Fatalf("resp: %+v", resp)
	}

	rec = do(t, mux, http.MethodGet, "/v1/requests/p1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status %d", rec.Code)
	}
	var row map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &row); err != nil {
		t.Fatalf("decode row: %v", err)
	}
	if row["status"] != string(tpreq.Pending) || row["target"] != "survival-2" {
		t.Fatalf("row: %v", row)
	}
	if _, ok := row["pos"]; ok {
		t.Fatalf("pending row exposes a position: %v", row)
	}

	if rec := do(t, mux, http.MethodGet, "/v1/requests/nobody", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing row status %d", rec.Code)
	}
}

func TestAdmin_ErrorStatuses(t *testing.T) {
	_, mux := newTestRuntime(t, true)

	if rec := do(t, mux, http.MethodPost, "/v1/teleport", teleportReq{PlayerID: "p1", World: "nowhere"}); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown world status %d", rec.Code)
	}
	// Without the shared store only local worlds are reachable.
	if rec := do(t, mux, http.MethodPost, "/v1/teleport", teleportReq{PlayerID: "p1", World: "world_the_end"}); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("store down status %d", rec.Code)
	}
	if rec := do(t, mux, http.MethodPost, "/v1/teleport", teleportReq{World: "world"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing player status %d", rec.Code)
	}
	if rec := do(t, mux, http.MethodGet, "/v1/teleport", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET teleport status %d", rec.Code)
	}
	if rec := do(t, mux, http.MethodGet, "/v1/requests/p1", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("requests without store status %d", rec.Code)
	}
}

func TestAdmin_LocalTeleportDuplicate(t *testing.T) {
	_, mux := newTestRuntime(t, true)

	// The queue is not running, so the first request stays pending.
	if rec := do(t, mux, http.MethodPost, "/v1/teleport", teleportReq{PlayerID: "p1"}); rec.Code != http.StatusAccepted {
		t.Fatalf("first status %d: %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, mux, http.MethodPost, "/v1/teleport", teleportReq{PlayerID: "p1"}); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status %d", rec.Code)
	}
	// Quitting drops the pending entry.
	if rec := do(t, mux, http.MethodPost, "/v1/quit", playerReq{PlayerID: "p1"}); rec.Code != http.StatusOK {
		t.Fatalf("quit status %d", rec.Code)
	}
	if rec := do(t, mux, http.MethodPost, "/v1/teleport", teleportReq{PlayerID: "p1"}); rec.Code != http.StatusAccepted {
		t.Fatalf("after quit status %d", rec.Code)
	}
}

func TestAdmin_LocalTeleportWaits(t *testing.T) {
	rt, mux := newTestRuntime(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = rt.queue.Run(ctx) }()

	if rec := do(t, mux, http.MethodPost, "/v1/join", playerReq{PlayerID: "p1"}); rec.Code != http.StatusOK {
		t.Fatalf("join status %d", rec.Code)
	}
	rec := do(t, mux, http.MethodPost, "/v1/teleport", teleportReq{PlayerID: "p1", World: "world", Wait: true})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("teleport status %d: %s", rec.Code, rec.Body.String())
	}
	var resp teleportResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Remote || resp.Result == nil {
		t.Fatalf("resp: %+v", resp)
	}
	if resp.Result.Teleport {
		pos, ok := rt.host.PositionOf("p1")
		if !ok || pos.X != resp.Result.X || pos.Z != resp.Result.Z {
			t.Fatalf("host position %+v (ok=%v) vs result %+v", pos, ok, resp.Result)
		}
	}
}

func TestAdmin_MetricsAndCache(t *testing.T) {
	_, mux := newTestRuntime(t, false)

	rec := do(t, mux, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`voxelrtp_cache_size{server="survival-1",world="world"}`,
		`voxelrtp_queue_depth{server="survival-1"} 0`,
		`voxelrtp_store_up{server="survival-1"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}

	rec = do(t, mux, http.MethodGet, "/v1/cache", nil)
	var stats struct {
		Worlds []struct {
			World string `json:"world"`
		} `json:"worlds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode cache: %v", err)
	}
	if len(stats.Worlds) != 2 {
		t.Fatalf("cache worlds: %+v", stats.Worlds)
	}
}

func TestAdmin_RejectsRemoteCallers(t *testing.T) {
	_, mux := newTestRuntime(t, true)
	req := httptest.NewRequest(http.MethodPost, "/v1/teleport", strings.NewReader(`{"player_id":"p1"}`))
	req.RemoteAddr = "10.1.2.3:5000"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestParseConfig_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("RTP_SERVER_ID", "lobby")
	t.Setenv("RTP_DATA_DIR", "/tmp/rtp")
	cfg, err := parseConfig(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ServerID != "lobby" || cfg.DBPath != filepath.Join("/tmp/rtp", "requests.sqlite") || !cfg.EnableHTTP {
		t.Fatalf("env cfg: %+v", cfg)
	}
	cfg, err = parseConfig([]string{"-server_id", "survival-2", "-disable_db"})
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if cfg.ServerID != "survival-2" || !cfg.DisableDB {
		t.Fatalf("flag cfg: %+v", cfg)
	}
}
