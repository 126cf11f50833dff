package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"voxelrtp.ai/internal/persistence/requestdb"
	"voxelrtp.ai/internal/sim/dispatch"
	"voxelrtp.ai/internal/sim/locate"
	"voxelrtp.ai/internal/sim/tpqueue"
	"voxelrtp.ai/internal/sim/tpreq"
)

type teleportReq struct {
	PlayerID  string   `json:"player_id"`
	World     string   `json:"world"`
	MinRadius *int     `json:"min_radius,omitempty"`
	MaxRadius *int     `json:"max_radius,omitempty"`
	Followers []string `json:"followers,omitempty"`
	// Wait blocks a local request until its result is known.
	Wait bool `json:"wait,omitempty"`
}

type teleportResp struct {
	OK     bool          `json:"ok"`
	Remote bool          `json:"remote"`
	Target string        `json:"target,omitempty"`
	Result *localOutcome `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

type localOutcome struct {
	Found    bool    `json:"found"`
	Teleport bool    `json:"teleported"`
	X        float64 `json:"x,omitempty"`
	Y        float64 `json:"y,omitempty"`
	Z        float64 `json:"z,omitempty"`
	Error    string  `json:"error,omitempty"`
}

type playerReq struct {
	PlayerID string `json:"player_id"`
}

func (rt *runtime) routes(mux *http.ServeMux, admin bool) {
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", rt.handleMetrics)
	if !admin {
		rt.log.Printf("admin endpoints disabled (RTP_ENABLE_ADMIN_HTTP=false)")
		return
	}
	mux.HandleFunc("/v1/teleport", loopbackOnly(http.MethodPost, rt.handleTeleport))
	mux.HandleFunc("/v1/group", loopbackOnly(http.MethodPost, rt.handleGroup))
	mux.HandleFunc("/v1/join", loopbackOnly(http.MethodPost, rt.handleJoin))
	mux.HandleFunc("/v1/quit", loopbackOnly(http.MethodPost, rt.handleQuit))
	mux.HandleFunc("/v1/cache", loopbackOnly(http.MethodGet, rt.handleCache))
	mux.HandleFunc("/v1/requests/", loopbackOnly(http.MethodGet, rt.handleRequest))
	mux.HandleFunc("/v1/observe/bootstrap", rt.observer.BootstrapHandler())
	mux.HandleFunc("/v1/observe", rt.observer.WSHandler())
}

func loopbackOnly(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, locate.ErrUnknownWorld):
		return http.StatusNotFound
	case errors.Is(err, tpqueue.ErrAlreadyPending), errors.Is(err, requestdb.ErrTransferInProgress):
		return http.StatusConflict
	case errors.Is(err, tpqueue.ErrQueueFull), errors.Is(err, dispatch.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(rw http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 64*1024)).Decode(v); err != nil {
		writeJSON(rw, http.StatusBadRequest, teleportResp{Error: "bad json: " + err.Error()})
		return false
	}
	return true
}

func (rt *runtime) handleTeleport(rw http.ResponseWriter, r *http.Request) {
	var req teleportReq
	if !decode(rw, r, &req) {
		return
	}
	req.PlayerID = strings.TrimSpace(req.PlayerID)
	if req.PlayerID == "" {
		writeJSON(rw, http.StatusBadRequest, teleportResp{Error: "player_id is required"})
		return
	}
	if req.World == "" {
		req.World = rt.worlds.DefaultWorldID
	}
	// The request outlives the HTTP call unless the caller waits for it.
	tk, err := rt.dispatch.Teleport(context.Background(), req.PlayerID, req.World, req.MinRadius, req.MaxRadius)
	if err != nil {
		writeJSON(rw, statusFor(err), teleportResp{Error: err.Error()})
		return
	}
	resp := teleportResp{OK: true, Remote: tk.Remote, Target: tk.Target}
	if req.Wait && tk.Result != nil {
		select {
		case res := <-tk.Result:
			out := &localOutcome{Found: res.Found, Teleport: res.OK, X: res.Pos.X, Y: res.Pos.Y, Z: res.Pos.Z}
			if res.Err != nil {
				out.Error = res.Err.Error()
			}
			resp.Result = out
			resp.OK = res.OK
		case <-r.Context().Done():
			return
		}
	}
	writeJSON(rw, http.StatusAccepted, resp)
}

func (rt *runtime) handleGroup(rw http.ResponseWriter, r *http.Request) {
	var req teleportReq
	if !decode(rw, r, &req) {
		return
	}
	if strings.TrimSpace(req.PlayerID) == "" {
		writeJSON(rw, http.StatusBadRequest, teleportResp{Error: "player_id is required"})
		return
	}
	if req.World == "" {
		req.World = rt.worlds.DefaultWorldID
	}
	tk, err := rt.dispatch.Group(r.Context(), req.PlayerID, req.Followers, req.World, req.MinRadius, req.MaxRadius)
	if err != nil {
		writeJSON(rw, statusFor(err), teleportResp{Error: err.Error()})
		return
	}
	writeJSON(rw, http.StatusAccepted, teleportResp{OK: true, Remote: tk.Remote, Target: tk.Target})
}

func (rt *runtime) handleJoin(rw http.ResponseWriter, r *http.Request) {
	var req playerReq
	if !decode(rw, r, &req) {
		return
	}
	if req.PlayerID = strings.TrimSpace(req.PlayerID); req.PlayerID == "" {
		writeJSON(rw, http.StatusBadRequest, teleportResp{Error: "player_id is required"})
		return
	}
	// Join and quit hooks fire on the simulation loop, as they would in game.
	rt.host.Do(r.Context(), func(context.Context) {
		rt.host.Join(req.PlayerID)
		rt.dispatch.PlayerJoined(req.PlayerID)
	})
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func (rt *runtime) handleQuit(rw http.ResponseWriter, r *http.Request) {
	var req playerReq
	if !decode(rw, r, &req) {
		return
	}
	if req.PlayerID = strings.TrimSpace(req.PlayerID); req.PlayerID == "" {
		writeJSON(rw, http.StatusBadRequest, teleportResp{Error: "player_id is required"})
		return
	}
	rt.host.Do(r.Context(), func(context.Context) {
		rt.host.Quit(req.PlayerID)
		rt.dispatch.PlayerQuit(req.PlayerID)
	})
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func (rt *runtime) handleCache(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{"worlds": rt.cache.Stats()})
}

func (rt *runtime) handleRequest(rw http.ResponseWriter, r *http.Request) {
	player := strings.TrimPrefix(r.URL.Path, "/v1/requests/")
	if player == "" || strings.Contains(player, "/") {
		http.NotFound(rw, r)
		return
	}
	if rt.store == nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"error": dispatch.ErrStoreUnavailable.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	req, ok, err := rt.store.Get(ctx, player)
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if !ok {
		http.NotFound(rw, r)
		return
	}
	writeJSON(rw, http.StatusOK, requestView(req))
}

// requestView hides the position until the row is past resolution.
func requestView(r tpreq.Request) map[string]any {
	out := map[string]any{
		"player_id":  r.PlayerID,
		"origin":     r.Origin,
		"target":     r.Target,
		"world":      r.World,
		"status":     r.Status,
		"kind":       r.Kind,
		"created_at": r.CreatedAt,
		"updated_at": r.UpdatedAt,
	}
	if pos, ok := r.Position(); ok {
		out["pos"] = pos
	}
	if leader := r.Leader(); leader != "" {
		out["leader"] = leader
	}
	return out
}

func (rt *runtime) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	server := rt.cfg.ServerID

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP voxelrtp_cache_size Cached positions per world.\n")
	fmt.Fprintf(rw, "# TYPE voxelrtp_cache_size gauge\n")
	for _, st := range rt.cache.Stats() {
		fmt.Fprintf(rw, "voxelrtp_cache_size{server=%q,world=%q} %d\n", server, st.World, st.Size)
	}

	fmt.Fprintf(rw, "# HELP voxelrtp_queue_depth Local teleport requests waiting for a tick.\n")
	fmt.Fprintf(rw, "# TYPE voxelrtp_queue_depth gauge\n")
	fmt.Fprintf(rw, "voxelrtp_queue_depth{server=%q} %d\n", server, rt.queue.QueueLen())

	fmt.Fprintf(rw, "# HELP voxelrtp_observers Connected observer sessions.\n")
	fmt.Fprintf(rw, "# TYPE voxelrtp_observers gauge\n")
	fmt.Fprintf(rw, "voxelrtp_observers{server=%q} %d\n", server, rt.observer.Sessions())
	fmt.Fprintf(rw, "voxelrtp_observer_dropped_total{server=%q} %d\n", server, rt.observer.Dropped())

	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	counts, err := rt.storeCounts(ctx)
	up := 0
	if err == nil {
		up = 1
	}
	fmt.Fprintf(rw, "# HELP voxelrtp_store_up Whether the shared request store answered.\n")
	fmt.Fprintf(rw, "# TYPE voxelrtp_store_up gauge\n")
	fmt.Fprintf(rw, "voxelrtp_store_up{server=%q} %d\n", server, up)
	if err != nil {
		return
	}
	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	fmt.Fprintf(rw, "# HELP voxelrtp_requests Rows in the shared request store by status.\n")
	fmt.Fprintf(rw, "# TYPE voxelrtp_requests gauge\n")
	for _, st := range statuses {
		fmt.Fprintf(rw, "voxelrtp_requests{status=%q} %d\n", st, counts[tpreq.Status(st)])
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
