package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/mcpcalc/internal/calc"
	"github.com/gaspardpetit/mcpcalc/internal/config"
	"github.com/gaspardpetit/mcpcalc/internal/dispatch"
	"github.com/gaspardpetit/mcpcalc/internal/eventstore"
	"github.com/gaspardpetit/mcpcalc/internal/inflight"
	"github.com/gaspardpetit/mcpcalc/internal/logx"
	"github.com/gaspardpetit/mcpcalc/internal/metrics"
	"github.com/gaspardpetit/mcpcalc/internal/server"
	"github.com/gaspardpetit/mcpcalc/internal/serverstate"
	"github.com/gaspardpetit/mcpcalc/internal/session"
	"github.com/gaspardpetit/mcpcalc/internal/tools"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

const serverName = "calculator"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "mcpcalc version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	var cfg config.ServerConfig
	if err := cfg.Load(flag.CommandLine, os.Args[1:]); err != nil {
		logx.Log.Fatal().Err(err).Msg("load config")
	}
	if *showVersion {
		fmt.Printf("mcpcalc version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid config")
	}
	metrics.SetServerBuildInfo(version, buildSHA, buildDate)

	// callCtx parents every tool call; it is only cancelled on a hard stop.
	callCtx, abortCalls := context.WithCancel(context.Background())
	defer abortCalls()

	store, closeStore := openStore(callCtx, cfg)
	drain := cfg.DrainTimeout
	if drain < 0 {
		drain = 0
	}
	mgr := session.NewManager(session.Options{
		Mode:           session.Mode(cfg.Mode),
		Store:          store,
		IdleTimeout:    cfg.IdleTimeout,
		RetentionGrace: cfg.RetentionGrace,
		DrainTimeout:   drain,
	})
	mgr.Start()

	reg := tools.NewRegistry()
	if err := calc.Register(reg, calc.Info{Name: serverName, Version: version, Mode: cfg.Mode}); err != nil {
		logx.Log.Fatal().Err(err).Msg("register tools")
	}
	disp := dispatch.New(reg, dispatch.ServerInfo{Name: serverName, Version: version})
	calls := &inflight.Counter{}

	handler := server.New(server.Options{
		Config:      cfg,
		Manager:     mgr,
		Dispatcher:  disp,
		Calls:       calls,
		BaseContext: callCtx,
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	stop := make(chan struct{})
	var stopOnce sync.Once
	shutdown := func() { stopOnce.Do(func() { close(stop) }) }

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if serverstate.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				abortCalls()
				shutdown()
				return
			}
			serverstate.StartDrain()
			logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Int64("in_flight", calls.Load()).
				Msg("draining; send SIGTERM again to terminate immediately")
			go func() {
				ctx := context.Background()
				if cfg.DrainTimeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, cfg.DrainTimeout)
					defer cancel()
				}
				if !calls.WaitForZero(ctx) {
					logx.Log.Warn().Int64("in_flight", calls.Load()).Msg("drain timeout exceeded; terminating")
					abortCalls()
				}
				shutdown()
			}()
		}
	}()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-stop
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mgr.Shutdown(ctx); err != nil {
			logx.Log.Error().Err(err).Msg("session shutdown")
		}
		if err := srv.Shutdown(ctx); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(ctx); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
		closeStore()
	}()

	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	serverstate.SetState(serverstate.StatusReady)
	logx.Log.Info().Int("port", cfg.Port).Str("mode", cfg.Mode).Bool("json_response", cfg.JSONResponse).
		Strs("tools", reg.Names()).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
	<-stopped
}

// openStore returns the event store for stateful sessions and its closer.
func openStore(ctx context.Context, cfg config.ServerConfig) (eventstore.Store, func()) {
	if !cfg.Stateful() {
		return nil, func() {}
	}
	if cfg.RedisAddr == "" {
		return eventstore.NewMemoryStore(cfg.MaxEvents), func() {}
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	rs, err := eventstore.DialRedis(dialCtx, cfg.RedisAddr, eventstore.RedisOptions{
		MaxEvents: cfg.MaxEvents,
		TTL:       cfg.IdleTimeout + cfg.RetentionGrace,
	})
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("connect redis")
	}
	logx.Log.Info().Str("addr", cfg.RedisAddr).Msg("using redis event store")
	return rs, func() { _ = rs.Close() }
}
