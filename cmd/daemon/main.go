// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuGH/voiceflow/internal/allocator"
	"github.com/ManuGH/voiceflow/internal/api"
	"github.com/ManuGH/voiceflow/internal/config"
	"github.com/ManuGH/voiceflow/internal/guardian"
	"github.com/ManuGH/voiceflow/internal/health"
	"github.com/ManuGH/voiceflow/internal/jobs"
	"github.com/ManuGH/voiceflow/internal/keypool"
	vflog "github.com/ManuGH/voiceflow/internal/log"
	"github.com/ManuGH/voiceflow/internal/quota"
	"github.com/ManuGH/voiceflow/internal/runtimes"
	"github.com/ManuGH/voiceflow/internal/tts"
	"github.com/ManuGH/voiceflow/internal/upstream"
	"github.com/ManuGH/voiceflow/internal/version"
)

// defaultGEMBaseURL is used when no GEM engine override is configured.
const defaultGEMBaseURL = "https://generativelanguage.googleapis.com"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	cfg, err := config.Load(strings.TrimSpace(*configPath))
	if err != nil {
		logger := vflog.WithComponent("daemon")
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	vflog.Configure(vflog.Config{Level: cfg.LogLevel, Service: "voiceflow"})
	logger := vflog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := health.PerformStartupChecks(cfg); err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.startup_check_failed").Msg("startup checks failed")
	}

	allocCfg, err := allocator.LoadConfig(cfg.AllocatorConfig)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.allocator_config_failed").Msg("allocator limits not loaded")
	}
	alloc := allocator.New(allocCfg, allocator.Options{})

	pool, err := keypool.NewPool(keypool.Sources{
		FilePath:     cfg.Keys.File,
		PoolEnvVar:   "VF_GEMINI_API_KEYS",
		SingleEnvVar: "VF_GEMINI_API_KEY",
	})
	if err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.keypool_failed").Msg("key pool not loaded")
	}
	defer pool.Close()
	if cfg.Keys.Watch {
		if err := pool.Watch(); err != nil {
			logger.Warn().Err(err).Str("event", "daemon.keypool_watch_failed").Msg("key file watch not started")
		}
	}
	alloc.EnsureKeys(pool.Keys())
	logger.Info().Str("event", "daemon.keypool_loaded").Int("keys", pool.Size()).Msg("key pool loaded")

	rt := runtimes.NewManager(cfg.Engines)
	for _, engine := range rt.Engines() {
		engine := engine
		go func() {
			if _, err := rt.Prepare(ctx, engine); err != nil {
				logger.Warn().Err(err).Str("event", "daemon.runtime_prepare_failed").Str("engine", engine).Msg("engine runtime not ready")
			}
		}()
	}
	var kokoro *runtimes.KokoroClient
	if base, ok := rt.BaseURL(runtimes.EngineKokoro); ok {
		kokoro = runtimes.NewKokoroClient(base)
	}

	gemBase := cfg.Engines[runtimes.EngineGEM]
	if gemBase == "" {
		gemBase = defaultGEMBaseURL
	}
	client := upstream.NewClient(gemBase)
	orch := tts.New(alloc, client, tts.Options{MaxWordsPerRequest: cfg.MaxWordsPerRequest})

	var store quota.Store
	if cfg.Quota.Backend == "badger" {
		db, err := badger.Open(badger.DefaultOptions(cfg.Quota.Path).WithLogger(nil))
		if err != nil {
			logger.Fatal().Err(err).Str("event", "daemon.quota_store_failed").Msg("badger store not opened")
		}
		defer func() { _ = db.Close() }()
		store = quota.NewBadgerStore(db)
	} else {
		store = quota.NewMemoryStore()
	}
	quotaManager := quota.NewManager(store, quota.ManagerOptions{BypassUIDs: cfg.Quota.BypassUIDs})

	runner := newPipelineRunner(orch, pool, cfg.DataDir, os.Getenv("VF_PIPELINE_BASE_URL"))
	engine := jobs.NewEngine(runner, jobs.Options{DataDir: cfg.DataDir})

	guard := guardian.New(guardian.Config{
		Mode:       cfg.Guardian.Mode,
		SoftLimit:  cfg.Guardian.SoftLimit,
		AdminUIDs:  cfg.Guardian.AdminUIDs,
		AdminToken: cfg.Guardian.AdminToken,
		RuntimeStates: func() map[string]string {
			states := make(map[string]string)
			for _, status := range rt.Snapshot() {
				states[status.Engine] = status.State
			}
			return states
		},
		PoolHealth: func() guardian.PoolHealth {
			snapshot := alloc.Snapshot(pool.Keys())
			return guardian.PoolHealth{
				TotalKeys:   snapshot.Pool.KeyCount,
				HealthyKeys: snapshot.Pool.HealthyKeys,
				AtLimitKeys: snapshot.Pool.AtLimitKeys,
			}
		},
	}, &guardianExecutor{runtimes: rt, pool: pool, alloc: alloc})

	healthManager := health.NewManager(version.Version)
	healthManager.RegisterChecker(health.NewFileChecker("allocator_config", cfg.AllocatorConfig))
	healthManager.RegisterChecker(health.NewKeyPoolChecker(pool.Size))
	healthManager.RegisterChecker(health.NewRuntimeChecker(func() map[string]string {
		states := make(map[string]string)
		for _, status := range rt.Snapshot() {
			states[status.Engine] = status.State
		}
		return states
	}))
	healthManager.SetDetails(func() map[string]interface{} {
		return map[string]interface{}{
			"engines":      rt.Snapshot(),
			"keyPool":      map[string]interface{}{"count": pool.Size(), "configured": pool.Configured()},
			"guardianMode": guard.Status().Mode,
		}
	})

	verifier := parseAPITokens(os.Getenv("VF_API_TOKENS"))
	if len(verifier) == 0 {
		logger.Warn().Str("event", "daemon.no_api_tokens").Msg("no API tokens configured; all callers are anonymous")
	}

	server := api.New(api.Deps{
		Config:       cfg,
		Guardian:     guard,
		Quota:        quotaManager,
		Orchestrator: orch,
		Allocator:    alloc,
		KeyPool:      pool,
		Runtimes:     rt,
		Kokoro:       kokoro,
		Text:         client,
		Extract:      client,
		Jobs:         engine,
		Health:       healthManager,
		Verifier:     verifier,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", server.Router())

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("event", "daemon.listening").Str("addr", cfg.Listen).Msg("gateway listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Str("event", "daemon.shutdown").Msg("signal received, shutting down")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Str("event", "daemon.serve_failed").Msg("listener failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Str("event", "daemon.shutdown_failed").Msg("graceful shutdown failed")
	}
	logger.Info().Str("event", "daemon.stopped").Msg("gateway stopped")
}

// guardianExecutor bridges guardian remediation actions to the runtime
// manager and key pool.
type guardianExecutor struct {
	runtimes *runtimes.Manager
	pool     *keypool.Pool
	alloc    *allocator.Allocator
}

func (e *guardianExecutor) RestartRuntime(ctx context.Context, engine string) error {
	return e.runtimes.Restart(ctx, engine)
}

func (e *guardianExecutor) RestartAllRuntimes(ctx context.Context) error {
	return e.runtimes.RestartAll(ctx)
}

func (e *guardianExecutor) RefreshKeyPool(_ context.Context) (int, error) {
	size, err := e.pool.Reload()
	if err != nil {
		return size, err
	}
	e.alloc.EnsureKeys(e.pool.Keys())
	return size, nil
}

// parseAPITokens reads "token:uid:plan" entries from a comma-separated list.
func parseAPITokens(raw string) api.StaticVerifier {
	verifier := api.StaticVerifier{}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		plan := "free"
		if len(parts) == 3 && parts[2] != "" {
			plan = parts[2]
		}
		verifier[parts[0]] = api.Identity{UID: parts[1], Plan: plan}
	}
	return verifier
}
