package observer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voxelrtp.ai/internal/observerproto"
	"voxelrtp.ai/internal/sim/tpreq"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/observe"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func newTestServer(t *testing.T, s *Server) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/observe", s.WSHandler())
	mux.HandleFunc("/v1/observe/bootstrap", s.BootstrapHandler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(msg, v); err != nil {
		t.Fatalf("decode %s: %v", msg, err)
	}
}

func waitSessions(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.Sessions() != n {
		if time.Now().After(deadline) {
			t.Fatalf("sessions: %d, want %d", s.Sessions(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestObserver_FilteredStream(t *testing.T) {
	s := NewServer("lobby", nil, nil)
	srv := newTestServer(t, s)
	conn := dial(t, srv)

	if err := conn.WriteJSON(observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
		Players:         []string{"p1"},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var welcome observerproto.WelcomeMsg
	readJSON(t, conn, &welcome)
	if welcome.Type != observerproto.TypeWelcome || welcome.ServerID != "lobby" || welcome.SessionID == "" {
		t.Fatalf("welcome: %+v", welcome)
	}
	waitSessions(t, s, 1)

	s.Publish(tpreq.Event{Type: tpreq.EventQueued, PlayerID: "p2", Server: "lobby"})
	s.Publish(tpreq.Event{Type: tpreq.EventResolved, PlayerID: "p1", World: "world", Server: "lobby"})

	var ev observerproto.EventMsg
	readJSON(t, conn, &ev)
	if ev.Type != observerproto.TypeEvent || ev.Event.PlayerID != "p1" || ev.Event.Type != tpreq.EventResolved {
		t.Fatalf("event: %+v", ev)
	}

	// Replace the filter on the same connection.
	if err := conn.WriteJSON(observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
		Types:           []string{string(tpreq.EventSwept)},
	}); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !filterHasType(s, string(tpreq.EventSwept)) {
		if time.Now().After(deadline) {
			t.Fatalf("filter update never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Publish(tpreq.Event{Type: tpreq.EventResolved, PlayerID: "p1"})
	s.Publish(tpreq.Event{Type: tpreq.EventSwept, PlayerID: "p9"})
	readJSON(t, conn, &ev)
	if ev.Event.PlayerID != "p9" {
		t.Fatalf("after resubscribe: %+v", ev)
	}

	_ = conn.Close()
	waitSessions(t, s, 0)
}

func filterHasType(s *Server, typ string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		sess.mu.Lock()
		ok := sess.filter.types[typ]
		sess.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

func TestObserver_RejectsMissingSubscribe(t *testing.T) {
	s := NewServer("lobby", nil, nil)
	srv := newTestServer(t, s)
	conn := dial(t, srv)
	if err := conn.WriteJSON(map[string]string{"type": "HELLO"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	if s.Sessions() != 0 {
		t.Fatalf("rejected connection registered")
	}
}

func TestObserver_Bootstrap(t *testing.T) {
	s := NewServer("lobby", func() observerproto.BootstrapResponse {
		return observerproto.BootstrapResponse{
			ServerID: "lobby",
			Worlds:   []observerproto.WorldInfo{{ID: "world", Class: "OPEN_SKY", Server: "lobby", Local: true}},
		}
	}, nil)
	srv := newTestServer(t, s)

	resp, err := http.Get(srv.URL + "/v1/observe/bootstrap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body observerproto.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ProtocolVersion != observerproto.Version || len(body.Worlds) != 1 || !body.Worlds[0].Local {
		t.Fatalf("bootstrap: %+v", body)
	}

	post, err := http.Post(srv.URL+"/v1/observe/bootstrap", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("post status: %d", post.StatusCode)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:5555": true,
		"[::1]:80":       true,
		"10.0.0.7:80":    false,
		"garbage":        false,
	} {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("%s: got %v want %v", addr, got, want)
		}
	}
}
