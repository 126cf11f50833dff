package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"voxelrtp.ai/internal/observerproto"
	"voxelrtp.ai/internal/sim/tpreq"
)

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "server base url")
		name    = flag.String("name", "bot", "player id")
		world   = flag.String("world", "", "world to teleport into (default: server default world)")
		every   = flag.Duration("every", 20*time.Second, "interval between teleport requests")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	base := strings.TrimRight(*baseURL, "/")

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/v1/observe"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub := observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
		Players:         []string{*name},
	}
	if err := conn.WriteJSON(sub); err != nil {
		logger.Fatalf("send SUBSCRIBE: %v", err)
	}

	if err := post(base+"/v1/join", map[string]any{"player_id": *name}); err != nil {
		logger.Fatalf("join: %v", err)
	}
	defer func() {
		if err := post(base+"/v1/quit", map[string]any{"player_id": *name}); err != nil {
			logger.Printf("quit: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	events := make(chan []byte, 16)
	go func() {
		defer close(events)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			events <- msg
		}
	}()

	request := func() {
		if err := post(base+"/v1/teleport", map[string]any{"player_id": *name, "world": *world}); err != nil {
			logger.Printf("teleport: %v", err)
		}
	}
	request()
	tick := time.NewTicker(*every)
	defer tick.Stop()

	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			request()
		case msg, ok := <-events:
			if !ok {
				return
			}
			handleMessage(logger, msg)
		}
	}
}

func handleMessage(logger *log.Logger, msg []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &base); err != nil {
		return
	}
	switch base.Type {
	case observerproto.TypeWelcome:
		var w observerproto.WelcomeMsg
		if err := json.Unmarshal(msg, &w); err != nil {
			return
		}
		logger.Printf("WELCOME session=%s server=%s", w.SessionID, w.ServerID)

	case observerproto.TypeEvent:
		var ev observerproto.EventMsg
		if err := json.Unmarshal(msg, &ev); err != nil {
			return
		}
		logger.Print(describe(ev.Event))
	}
}

func describe(ev tpreq.Event) string {
	s := fmt.Sprintf("%s world=%s server=%s", ev.Type, ev.World, ev.Server)
	if ev.Peer != "" {
		s += " peer=" + ev.Peer
	}
	if ev.Pos != nil {
		s += fmt.Sprintf(" pos=(%.1f,%.1f,%.1f)", ev.Pos.X, ev.Pos.Y, ev.Pos.Z)
	}
	if ev.Detail != "" {
		s += " detail=" + ev.Detail
	}
	return s
}

func post(url string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s: %d %s", url, resp.StatusCode, e.Error)
	}
	return nil
}
