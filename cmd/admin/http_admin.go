package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func teleportCmd(args []string) {
	fs := flag.NewFlagSet("teleport", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	player := fs.String("player", "", "player id (required)")
	world := fs.String("world", "", "target world (default: server default world)")
	followers := fs.String("group", "", "comma separated followers; sends a group request")
	minR := fs.Int("min", -1, "min radius override (optional)")
	maxR := fs.Int("max", -1, "max radius override (optional)")
	wait := fs.Bool("wait", false, "wait for a local request to finish")
	_ = fs.Parse(args)

	if strings.TrimSpace(*player) == "" {
		fmt.Fprintln(os.Stderr, "missing -player")
		os.Exit(2)
	}
	body := map[string]any{"player_id": *player, "world": *world, "wait": *wait}
	if *minR >= 0 {
		body["min_radius"] = *minR
	}
	if *maxR >= 0 {
		body["max_radius"] = *maxR
	}
	path := "/v1/teleport"
	if s := strings.TrimSpace(*followers); s != "" {
		path = "/v1/group"
		body["followers"] = strings.Split(s, ",")
	}
	b, _ := json.Marshal(body)
	do(http.MethodPost, *baseURL, path, bytes.NewReader(b), 60*time.Second)
}

func cacheCmd(args []string) {
	fs := flag.NewFlagSet("cache", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	do(http.MethodGet, *baseURL, "/v1/cache", nil, 5*time.Second)
}

func do(method, baseURL, path string, body io.Reader, timeout time.Duration) {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	req, err := http.NewRequest(method, u, body)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(2)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
