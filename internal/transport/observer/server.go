package observer

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voxelrtp.ai/internal/observerproto"
	"voxelrtp.ai/internal/sim/tpreq"
)

// Server fans lifecycle events out to websocket observers. It is a
// tpreq.Sink; Publish never blocks on a slow client.
type Server struct {
	serverID  string
	bootstrap func() observerproto.BootstrapResponse
	log       *log.Logger

	upgrader websocket.Upgrader
	seq      atomic.Uint64
	dropped  atomic.Uint64

	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	id  string
	out chan []byte

	mu     sync.Mutex
	filter filter
}

type filter struct {
	players map[string]bool
	worlds  map[string]bool
	types   map[string]bool
}

func newFilter(sub observerproto.SubscribeMsg) filter {
	return filter{players: set(sub.Players), worlds: set(sub.Worlds), types: set(sub.Types)}
}

func set(vals []string) map[string]bool {
	if len(vals) == 0 {
		return nil
	}
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[strings.TrimSpace(v)] = true
	}
	return m
}

func (f filter) match(ev tpreq.Event) bool {
	if f.players != nil && !f.players[ev.PlayerID] {
		return false
	}
	if f.worlds != nil && !f.worlds[ev.World] {
		return false
	}
	if f.types != nil && !f.types[string(ev.Type)] {
		return false
	}
	return true
}

func NewServer(serverID string, bootstrap func() observerproto.BootstrapResponse, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		serverID:  serverID,
		bootstrap: bootstrap,
		log:       logger,
		sessions:  map[string]*session{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Publish implements tpreq.Sink.
func (s *Server) Publish(ev tpreq.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.sessions) == 0 {
		return
	}
	b, err := json.Marshal(observerproto.EventMsg{
		Type:            observerproto.TypeEvent,
		ProtocolVersion: observerproto.Version,
		Seq:             s.seq.Add(1),
		Event:           ev,
	})
	if err != nil {
		s.log.Printf("observer: marshal event: %v", err)
		return
	}
	for _, sess := range s.sessions {
		sess.mu.Lock()
		ok := sess.filter.match(ev)
		sess.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case sess.out <- b:
		default:
			s.dropped.Add(1)
		}
	}
}

// Sessions returns the number of connected observers.
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Dropped counts events not delivered because an observer fell behind.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		resp := observerproto.BootstrapResponse{ProtocolVersion: observerproto.Version, ServerID: s.serverID}
		if s.bootstrap != nil {
			resp = s.bootstrap()
			resp.ProtocolVersion = observerproto.Version
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		sub, ok, err := readSubscribe(conn)
		if err != nil {
			return
		}
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sess := &session{id: uuid.NewString(), out: make(chan []byte, 256), filter: newFilter(sub)}
		if err := writeJSON(conn, observerproto.WelcomeMsg{
			Type:            observerproto.TypeWelcome,
			ProtocolVersion: observerproto.Version,
			SessionID:       sess.id,
			ServerID:        s.serverID,
		}); err != nil {
			return
		}
		s.mu.Lock()
		s.sessions[sess.id] = sess
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess.id)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			sub, ok, err := readSubscribe(conn)
			if err != nil {
				break
			}
			if !ok {
				continue
			}
			sess.mu.Lock()
			sess.filter = newFilter(sub)
			sess.mu.Unlock()
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// readSubscribe returns an error only when the connection is gone; ok is
// false for a message that is not a valid SUBSCRIBE.
func readSubscribe(conn *websocket.Conn) (sub observerproto.SubscribeMsg, ok bool, err error) {
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return sub, false, err
	}
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false, nil
	}
	return sub, sub.Type == observerproto.TypeSubscribe && sub.ProtocolVersion == observerproto.Version, nil
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
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
