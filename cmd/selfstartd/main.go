package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/selfstart/selfstart/internal/clock"
	"github.com/selfstart/selfstart/internal/config"
	"github.com/selfstart/selfstart/internal/discovery"
	"github.com/selfstart/selfstart/internal/docker"
	"github.com/selfstart/selfstart/internal/events"
	"github.com/selfstart/selfstart/internal/hooks"
	"github.com/selfstart/selfstart/internal/logging"
	"github.com/selfstart/selfstart/internal/notify"
	"github.com/selfstart/selfstart/internal/orchestrator"
	"github.com/selfstart/selfstart/internal/proxy"
	"github.com/selfstart/selfstart/internal/scaler"
	"github.com/selfstart/selfstart/internal/shutdown"
	"github.com/selfstart/selfstart/internal/store"
	"github.com/selfstart/selfstart/internal/web"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	log := logging.New(cfg.DevMode)

	fmt.Println("SelfStart " + version)
	fmt.Println("=============================================")
	fmt.Printf("API_HOST=%s\n", cfg.APIHost)
	fmt.Printf("API_PORT=%d\n", cfg.APIPort)
	fmt.Printf("ENABLE_AUTH=%t\n", cfg.EnableAuth)
	fmt.Printf("REDIS_URL=%s\n", cfg.RedisURL)
	fmt.Printf("SELFSTART_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("SELFSTART_DOCKER_SOCK=%s\n", cfg.DockerSock)
	fmt.Printf("SELFSTART_DISCOVERY_INTERVAL=%s\n", cfg.DiscoveryInterval)
	if cfg.SeedPath != "" {
		fmt.Printf("SELFSTART_CONFIG=%s\n", cfg.SeedPath)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	client, err := docker.NewClient(cfg.DockerSock)
	if err != nil {
		log.Error("failed to create Docker client", "error", err)
		os.Exit(3)
	}
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		log.Error("Docker daemon unreachable", "sock", cfg.DockerSock, "error", err)
		os.Exit(3)
	}

	reg, err := store.NewRegistry(cfg.RedisURL)
	if err != nil {
		log.Error("failed to create registry store", "error", err)
		os.Exit(4)
	}
	defer reg.Close()
	if err := reg.Ping(ctx); err != nil {
		log.Error("registry store unreachable", "url", cfg.RedisURL, "error", err)
		os.Exit(4)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(4)
	}
	defer db.Close()

	clk := clock.Real{}
	bus := events.New()
	hookBus := hooks.NewBus()

	disc := discovery.NewManager(client, reg, bus, hookBus, log, clk, cfg)
	orch := orchestrator.New(client, reg, bus, hookBus, log, clk, cfg)
	scal := scaler.NewManager(client, reg, disc, orch, bus, hookBus, log, clk, cfg)
	prox := proxy.NewManager(reg, bus, log, clk)
	shut := shutdown.NewManager(client, db, prox, orch, bus, hookBus, log, clk, cfg)
	dispatcher := notify.NewDispatcher(db, bus, hookBus, log, clk)

	// Proxied traffic feeds the inactivity clock and the scaler's
	// request-rate metrics.
	prox.SetActivityRecorder(shut)
	scal.SetAppSampler(prox)

	// Warm the live views from the stores before any loop starts.
	if err := disc.Rehydrate(ctx); err != nil {
		log.Warn("service rehydrate failed", "error", err)
	}
	if err := prox.Rehydrate(ctx); err != nil {
		log.Warn("proxy target rehydrate failed", "error", err)
	}
	if err := scal.Rehydrate(ctx); err != nil {
		log.Warn("scaling policy rehydrate failed", "error", err)
	}

	applier := &seedApplier{
		orch:     orch,
		prox:     prox,
		scal:     scal,
		shut:     shut,
		webhooks: dispatcher,
	}
	if cfg.SeedPath != "" {
		seed, err := config.LoadSeed(cfg.SeedPath)
		if err != nil {
			log.Error("seed file rejected", "path", cfg.SeedPath, "error", err)
			os.Exit(2)
		}
		if err := applier.apply(ctx, seed); err != nil {
			log.Warn("seed apply incomplete", "error", err)
		}
	}

	srv := web.NewServer(web.Dependencies{
		Discovery:    disc,
		Orchestrator: orch,
		Scaler:       scal,
		Proxy:        prox,
		Shutdown:     shut,
		Webhooks:     dispatcher,
		Runtime:      client,
		Bus:          bus,
		Hooks:        hookBus,
		Config:       cfg,
		Log:          log,
		Clock:        clk,
	})

	go func() {
		addr := net.JoinHostPort(cfg.APIHost, strconv.Itoa(cfg.APIPort))
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("web server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	log.Info("selfstart started", "version", version)

	var wg sync.WaitGroup
	runLoop := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				log.Error(name+" loop exited with error", "error", err)
			}
		}()
	}
	runLoop("discovery", disc.Run)
	runLoop("orchestrator", orch.Run)
	runLoop("scaler", scal.Run)
	runLoop("proxy", prox.Run)
	runLoop("shutdown", shut.Run)
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()
	if cfg.SeedPath != "" {
		watcher := config.NewWatcher(cfg.SeedPath, log, func(seed *config.Seed) error {
			return applier.apply(ctx, seed)
		})
		runLoop("seed watcher", watcher.Run)
	}

	wg.Wait()
	log.Info("selfstart shutdown complete")
}
