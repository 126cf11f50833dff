package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/sync/errgroup"

	"voxelrtp.ai/internal/sim/multiworld"
	"voxelrtp.ai/internal/sim/tuning"
)

// serverConfig is read from the environment first; flags override it.
type serverConfig struct {
	ServerID   string `env:"RTP_SERVER_ID" envDefault:"survival-1"`
	Addr       string `env:"RTP_ADDR" envDefault:":8080"`
	DataDir    string `env:"RTP_DATA_DIR" envDefault:"./data"`
	DBPath     string `env:"RTP_DB_PATH"`
	ConfigDir  string `env:"RTP_CONFIG_DIR" envDefault:"./configs"`
	Seed       int64  `env:"RTP_SEED" envDefault:"1337"`
	DisableDB  bool   `env:"RTP_DISABLE_DB"`
	EnableHTTP bool   `env:"RTP_ENABLE_ADMIN_HTTP" envDefault:"true"`
}

func parseConfig(args []string) (serverConfig, error) {
	var cfg serverConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.ServerID, "server_id", cfg.ServerID, "id of this server process; worlds.yaml assigns worlds to it")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "http listen address")
	fs.StringVar(&cfg.DataDir, "data", cfg.DataDir, "runtime data directory")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "shared request store path (default: <data>/requests.sqlite)")
	fs.StringVar(&cfg.ConfigDir, "configs", cfg.ConfigDir, "config directory holding tuning.yaml and worlds.yaml")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "terrain and sampler seed")
	fs.BoolVar(&cfg.DisableDB, "disable_db", cfg.DisableDB, "run without the shared store (local worlds only)")
	fs.BoolVar(&cfg.EnableHTTP, "admin_http", cfg.EnableHTTP, "serve the loopback admin endpoints")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.ServerID = strings.TrimSpace(cfg.ServerID)
	if cfg.ServerID == "" {
		return cfg, fmt.Errorf("server id is required")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "requests.sqlite")
	}
	return cfg, nil
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("config: %v", err)
	}
	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)
	_ = os.MkdirAll(cfg.DataDir, 0o755)

	tp := filepath.Join(cfg.ConfigDir, "tuning.yaml")
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	wp := filepath.Join(cfg.ConfigDir, "worlds.yaml")
	if _, err := os.Stat(wp); err != nil {
		logger.Printf("worlds config not found (%s); using defaults", wp)
		wp = ""
	}
	worlds, err := multiworld.Load(wp)
	if err != nil {
		logger.Fatalf("load worlds config: %v", err)
	}

	rt, err := buildRuntime(cfg, worlds, tune, logger)
	if err != nil {
		logger.Fatalf("runtime: %v", err)
	}
	defer rt.Close()

	ctx, cancel := signalContext()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.cache.Run(gctx) })
	g.Go(func() error { return rt.queue.Run(gctx) })
	if rt.coord != nil {
		g.Go(func() error { return rt.coord.Run(gctx) })
	}

	mux := http.NewServeMux()
	rt.routes(mux, cfg.EnableHTTP)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	g.Go(func() error {
		logger.Printf("server %s listening on %s (local worlds: %s)", cfg.ServerID, cfg.Addr, strings.Join(rt.localIDs(), ","))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Printf("stopped: %v", err)
	}
	if n, err := rt.cache.SaveSnapshot(rt.cacheSnapshotPath()); err != nil {
		logger.Printf("cache snapshot: %v", err)
	} else {
		logger.Printf("cache snapshot saved (%d positions)", n)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
