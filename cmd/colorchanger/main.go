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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hpwn/colorchanger/internal/configstore"
	"github.com/hpwn/colorchanger/internal/diag"
	"github.com/hpwn/colorchanger/internal/fleet"
	"github.com/hpwn/colorchanger/internal/helix"
)

// buildVersion/buildCommit are overwritten at build time via
// -ldflags "-X main.buildVersion=... -X main.buildCommit=...".
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag bool
		healthCheck bool
		confPath    string
		cachePath   string
		logLevel    string
		metricsAddr string
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.BoolVar(&healthCheck, "health-check", false, "Verify the config file loads and exit (for container healthchecks)")
	flag.StringVar(&confPath, "conf", "", "Path to the identity config file (overrides TWITCH_CONF_FILE)")
	flag.StringVar(&cachePath, "broadcaster-cache", "", "Path to the broadcaster id cache file (overrides TWITCH_BROADCASTER_CACHE)")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides COLORCHANGER_LOG_LEVEL)")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (e.g. :9090); disabled if empty")
	flag.Parse()

	if versionFlag {
		fmt.Printf("colorchanger version: %s (commit %s)\n", buildVersion, buildCommit)
		os.Exit(0)
	}

	if logLevel == "" {
		logLevel = os.Getenv("COLORCHANGER_LOG_LEVEL")
	}
	pc := diag.NewProcessContext(logLevel)

	if confPath == "" {
		confPath = configstore.DefaultPath()
	}
	if cachePath == "" {
		cachePath = configstore.DefaultBroadcasterCachePath(confPath)
	}

	store := configstore.New(confPath, pc.Log)
	if _, err := store.Load(); err != nil {
		pc.Log.Error("colorchanger: load config", "err", err, "path", confPath)
		os.Exit(1)
	}

	if healthCheck {
		pc.Log.Info("colorchanger: health check ok", "path", confPath, "identities", len(store.Snapshot()))
		os.Exit(0)
	}

	cache := configstore.NewBroadcasterCache(cachePath, pc.Log)
	client := helix.NewClient(pc.HTTP, pc.Log)
	client.OnOutcome(pc.Metrics.IncHelixRequest)

	metrics := fleet.NewMetricsAdapter(pc.Metrics)
	mgr := fleet.New(store, cache, client, pc.Log, metrics, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var signalled atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		signalled.Store(true)
		pc.Log.Warn("colorchanger: received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", pc.Metrics.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				pc.Log.Error("colorchanger: metrics server", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			_ = srv.Shutdown(shutdownCtx)
		}()
		pc.Log.Info("colorchanger: metrics listening", "addr", metricsAddr)
	}

	pc.Log.Info("colorchanger: starting fleet", "identities", len(store.Snapshot()), "conf", confPath)
	if err := mgr.Run(ctx); err != nil && ctx.Err() == nil {
		pc.Log.Error("colorchanger: fleet manager exited", "err", err)
		os.Exit(1)
	}

	pc.Log.Info("colorchanger: shutdown complete")
	if signalled.Load() {
		os.Exit(2)
	}
}
