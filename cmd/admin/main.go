package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	persistlog "voxelrtp.ai/internal/persistence/log"
	"voxelrtp.ai/internal/sim/tpreq"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "requests":
			requestsCmd(os.Args[2:])
			return
		case "sweep":
			sweepCmd(os.Args[2:])
			return
		case "events":
			eventsCmd(os.Args[2:])
			return
		case "teleport":
			teleportCmd(os.Args[2:])
			return
		case "cache":
			cacheCmd(os.Args[2:])
			return
		}
	}
	requestsCmd(os.Args[1:])
}

type eventFilter struct {
	player string
	world  string
	types  map[tpreq.EventType]bool
}

func parseTypes(s string) map[tpreq.EventType]bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	out := map[tpreq.EventType]bool{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out[tpreq.EventType(strings.ToUpper(p))] = true
		}
	}
	return out
}

func (f eventFilter) match(ev tpreq.Event) bool {
	if f.player != "" && ev.PlayerID != f.player {
		return false
	}
	if f.world != "" && ev.World != f.world {
		return false
	}
	if f.types != nil && !f.types[ev.Type] {
		return false
	}
	return true
}

func eventsCmd(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	player := fs.String("player", "", "player id filter (optional)")
	world := fs.String("world", "", "world id filter (optional)")
	types := fs.String("types", "", "comma separated event types (optional)")
	summary := fs.Bool("summary", false, "print per-type counts instead of events")
	_ = fs.Parse(args)

	f := eventFilter{player: strings.TrimSpace(*player), world: strings.TrimSpace(*world), types: parseTypes(*types)}
	evs, err := readLifecycle(filepath.Join(*dataDir, "lifecycle"), f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read lifecycle:", err)
		os.Exit(1)
	}
	if *summary {
		printSummary(os.Stdout, evs)
		return
	}
	enc := json.NewEncoder(os.Stdout)
	for _, ev := range evs {
		_ = enc.Encode(ev)
	}
}

// readLifecycle returns matching events from every requests-*.jsonl.zst file,
// oldest file first.
func readLifecycle(dir string, f eventFilter) ([]tpreq.Event, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "requests-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]tpreq.Event, 0, 256)
	for _, name := range names {
		path := filepath.Join(dir, name)
		err := persistlog.ReadJSONL(path, func(line []byte) error {
			var ev tpreq.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				return fmt.Errorf("%s: unmarshal: %w", name, err)
			}
			if f.match(ev) {
				out = append(out, ev)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At < out[j].At })
	return out, nil
}

func printSummary(w io.Writer, evs []tpreq.Event) {
	counts := map[tpreq.EventType]int{}
	players := map[string]bool{}
	for _, ev := range evs {
		counts[ev.Type]++
		players[ev.PlayerID] = true
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, string(t))
	}
	sort.Strings(types)
	fmt.Fprintf(w, "events=%d players=%d\n", len(evs), len(players))
	for _, t := range types {
		fmt.Fprintf(w, "%-12s %d\n", t, counts[tpreq.EventType(t)])
	}
}
