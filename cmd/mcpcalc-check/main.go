package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gaspardpetit/mcpcalc/internal/config"
	"github.com/gaspardpetit/mcpcalc/internal/healthcheck"
	"github.com/gaspardpetit/mcpcalc/internal/logx"
)

func main() {
	url := flag.String("url", config.GetEnv("MCP_URL", fmt.Sprintf("http://localhost:%d/mcp", config.DefaultPort(config.ModeStateful))), "MCP endpoint to probe")
	timeout := flag.Duration("timeout", 5*time.Second, "timeout for one probe")
	interval := flag.Duration("interval", 0, "repeat the probe at this interval; 0 probes once")
	asJSON := flag.Bool("json", false, "print results as JSON")
	logLevel := flag.String("log-level", config.GetEnv("LOG_LEVEL", "info"), "log verbosity")
	flag.Parse()
	logx.Configure(*logLevel, config.GetEnv("LOG_FORMAT", "console"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := healthcheck.New(*url, *timeout)
	healthy := probe(ctx, c, *url, *asJSON)
	if *interval <= 0 {
		if !healthy {
			os.Exit(1)
		}
		return
	}
	t := time.NewTicker(*interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			probe(ctx, c, *url, *asJSON)
		}
	}
}

func probe(ctx context.Context, c *healthcheck.Checker, url string, asJSON bool) bool {
	res, err := c.Check(ctx)
	if asJSON {
		_ = json.NewEncoder(os.Stdout).Encode(res)
	}
	switch {
	case errors.Is(err, healthcheck.ErrBackoff):
		logx.Log.Debug().Str("url", url).Str("last_error", res.LastError).Msg("skipped; backing off")
	case err != nil:
		logx.Log.Error().Err(err).Str("url", url).Dur("latency", res.Latency).Msg("unhealthy")
	default:
		logx.Log.Info().Str("url", url).Str("protocol", res.ProtocolVersion).Int("tools", len(res.Tools)).
			Dur("latency", res.Latency).Msg("healthy")
	}
	return err == nil
}
