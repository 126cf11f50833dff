package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"voxelrtp.ai/internal/observerproto"
	persistlog "voxelrtp.ai/internal/persistence/log"
	"voxelrtp.ai/internal/persistence/requestdb"
	"voxelrtp.ai/internal/sim/crossserver"
	"voxelrtp.ai/internal/sim/dispatch"
	"voxelrtp.ai/internal/sim/locache"
	"voxelrtp.ai/internal/sim/locate"
	"voxelrtp.ai/internal/sim/multiworld"
	"voxelrtp.ai/internal/sim/terrain"
	"voxelrtp.ai/internal/sim/tpqueue"
	"voxelrtp.ai/internal/sim/tpreq"
	"voxelrtp.ai/internal/sim/tuning"
	"voxelrtp.ai/internal/transport/observer"
)

// runtime is the dependency-injection root: every component is built here
// and handed its collaborators explicitly.
type runtime struct {
	cfg    serverConfig
	worlds multiworld.Config
	tune   tuning.Tuning
	log    *log.Logger

	terrain  *terrain.MemStore
	host     *terrain.MemHost
	resolver *locate.Resolver
	cache    *locache.Cache
	queue    *tpqueue.Manager
	store    *requestdb.Store
	coord    *crossserver.Coordinator
	dispatch *dispatch.Service
	observer *observer.Server

	searchLog    *persistlog.SearchLogger
	lifecycleLog *persistlog.LifecycleLogger
}

func prefixed(base *log.Logger, prefix string) *log.Logger {
	return log.New(base.Writer(), prefix, base.Flags())
}

// newDimension builds the demo terrain for a world owned by this process.
func newDimension(w multiworld.WorldSpec, seed int64) (*terrain.Dimension, error) {
	class, err := terrain.ParseClass(w.Class)
	if err != nil {
		return nil, err
	}
	switch class {
	case terrain.OpenSky:
		return terrain.NoiseOverworld(w.ID, seed, w.Border()), nil
	case terrain.EnclosedRoof:
		return terrain.NoiseCaverns(w.ID, seed, w.Border(), w.RoofY), nil
	case terrain.VoidBordered:
		return terrain.NoiseIslands(w.ID, seed, w.Border()), nil
	}
	return nil, fmt.Errorf("world %s: unsupported class %s", w.ID, w.Class)
}

func buildRuntime(cfg serverConfig, worlds multiworld.Config, tune tuning.Tuning, logger *log.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, worlds: worlds, tune: tune, log: logger}
	local := worlds.LocalWorlds(cfg.ServerID)
	if len(local) == 0 {
		logger.Printf("server %s owns no worlds; it will only originate requests", cfg.ServerID)
	}

	rt.terrain = terrain.NewMemStore()
	var profiles []locate.Profile
	var cached []locache.WorldConfig
	for i, w := range local {
		dim, err := newDimension(w, cfg.Seed+int64(i))
		if err != nil {
			return nil, err
		}
		rt.terrain.Add(dim)
		profiles = append(profiles, w.Profile(tune))
		if w.CacheEnabled {
			target := w.CacheSize
			if target <= 0 {
				target = tune.Cache.TargetSize
			}
			cached = append(cached, locache.WorldConfig{World: w.ID, Target: target})
		}
	}
	rt.host = terrain.NewMemHost()

	rt.searchLog = persistlog.NewSearchLogger(cfg.DataDir)
	rt.lifecycleLog = persistlog.NewLifecycleLogger(cfg.DataDir)

	var err error
	rt.resolver, err = locate.New(locate.Options{
		World:           rt.terrain,
		Profiles:        profiles,
		CoordinateLimit: tune.CoordinateLimit,
		SkyCeilingY:     tune.SkyCeilingY,
		Seed:            cfg.Seed,
		Diagnostics:     rt.searchLog,
		Logger:          prefixed(logger, "[locate] "),
	})
	if err != nil {
		return nil, err
	}

	rt.cache = locache.New(locache.Options{
		Finder:          rt.resolver,
		Worlds:          cached,
		RefillInterval:  tune.Cache.RefillInterval(),
		FailureCooldown: tune.Cache.FailureCooldown(),
		Logger:          prefixed(logger, "[cache] "),
	})
	if n, err := rt.cache.LoadSnapshot(rt.cacheSnapshotPath()); err != nil {
		logger.Printf("cache snapshot: %v", err)
	} else if n > 0 {
		logger.Printf("cache snapshot restored (%d positions)", n)
	}

	rt.observer = observer.NewServer(cfg.ServerID, rt.bootstrap, prefixed(logger, "[observer] "))
	sink := tpreq.MultiSink{rt.observer, tpreq.SinkFunc(rt.recordLifecycle)}

	rt.queue, err = tpqueue.New(tpqueue.Options{
		Finder:     dispatch.CachedFinder{Cache: rt.cache, Finder: rt.resolver},
		Host:       rt.host,
		Mode:       tune.Queue.Mode,
		BatchSize:  tune.Queue.BatchSize,
		TickRateHz: tune.Queue.TickRateHz,
		Timeout:    tune.Queue.Timeout(),
		MaxPending: tune.Queue.MaxPending,
		Events:     dispatch.QueueEvents(cfg.ServerID, sink, nil),
		Logger:     prefixed(logger, "[queue] "),
	})
	if err != nil {
		return nil, err
	}

	dopts := dispatch.Options{
		ServerID: cfg.ServerID,
		Route:    worlds.Owner,
		Queue:    rt.queue,
		Sink:     sink,
		Logger:   prefixed(logger, "[dispatch] "),
	}
	if !cfg.DisableDB {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, err
		}
		st, err := requestdb.Open(cfg.DBPath)
		if err != nil {
			// Coordination degrades to local-only; the process keeps serving.
			logger.Printf("request store unavailable (%s): %v", cfg.DBPath, err)
		} else {
			rt.store = st
			rt.coord, err = crossserver.New(crossserver.Options{
				ServerID: cfg.ServerID,
				Store:    st,
				Resolver: rt.resolver,
				World:    rt.terrain,
				Host:     rt.host,
				Route:    worlds.Owner,
				Tuning:   tune.Coordination,
				Sink:     sink,
				Logger:   prefixed(logger, "[coord] "),
			})
			if err != nil {
				return nil, err
			}
			dopts.Remote = rt.coord
			dopts.Store = st
		}
	}
	rt.dispatch, err = dispatch.New(dopts)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) recordLifecycle(ev tpreq.Event) {
	if err := rt.lifecycleLog.Write(ev); err != nil {
		rt.log.Printf("lifecycle log: %v", err)
	}
}

func (rt *runtime) cacheSnapshotPath() string {
	name := rt.tune.Cache.SnapshotFile
	if name == "" {
		name = "location_cache.json.zst"
	}
	return filepath.Join(rt.cfg.DataDir, "cache", name)
}

func (rt *runtime) localIDs() []string {
	var out []string
	for _, w := range rt.worlds.LocalWorlds(rt.cfg.ServerID) {
		out = append(out, w.ID)
	}
	return out
}

func (rt *runtime) bootstrap() observerproto.BootstrapResponse {
	resp := observerproto.BootstrapResponse{ServerID: rt.cfg.ServerID}
	if rt.coord != nil {
		resp.InstanceID = rt.coord.InstanceID()
	}
	for _, w := range rt.worlds.Worlds {
		resp.Worlds = append(resp.Worlds, observerproto.WorldInfo{
			ID:      w.ID,
			Class:   w.Class,
			Server:  w.Server,
			Local:   w.Server == rt.cfg.ServerID,
			BorderR: w.BorderR,
		})
	}
	for _, st := range rt.cache.Stats() {
		resp.Cache = append(resp.Cache, observerproto.CacheInfo(st))
	}
	return resp
}

func (rt *runtime) storeCounts(ctx context.Context) (map[tpreq.Status]int, error) {
	if rt.store == nil {
		return nil, dispatch.ErrStoreUnavailable
	}
	return rt.store.Count(ctx)
}

func (rt *runtime) Close() {
	rt.host.Close()
	if rt.store != nil {
		_ = rt.store.Close()
	}
	_ = rt.searchLog.Close()
	_ = rt.lifecycleLog.Close()
}
