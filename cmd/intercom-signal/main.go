package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/auth"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/config"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/netinfo"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/origin"
	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting intercom-signal",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"max_clients", cfg.MaxClients,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"signaling_ws_idle_timeout", cfg.SignalingWSIdleTimeout,
	)
	if nets, err := netinfo.Local(); err != nil {
		logger.Warn("failed to list local networks", "err", err)
	} else {
		for _, n := range nets {
			logger.Info("local network", "name", n.Name, "address", n.Address, "cidr", n.CIDR)
		}
	}

	logStartupSecurityWarnings(logger, cfg)

	verifier, err := auth.NewVerifier(cfg.AuthMode, cfg.APIKey)
	if err != nil {
		logger.Error("failed to configure auth", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)

	m := metrics.New()
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime})
	sig := signaling.NewServer(signaling.Config{
		Logger:                        logger,
		Metrics:                       m,
		Origins:                       origin.NewPolicy(cfg.AllowedOrigins),
		Verifier:                      verifier,
		Clients:                       &cfg.ClientPolicy,
		MaxClients:                    cfg.MaxClients,
		SignalingWSIdleTimeout:        cfg.SignalingWSIdleTimeout,
		SignalingWSPingInterval:       cfg.SignalingWSPingInterval,
		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueBytes:                cfg.SignalingSendQueueBytes,
		Networks:                      netinfo.Local,
	})
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters and live hub gauges in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m, hubGauges(sig.Hub())...))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Close the hub first: hijacked websocket connections are not tracked by
	// http.Server.Shutdown.
	sig.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func hubGauges(hub *signaling.Hub) []metrics.Gauge {
	return []metrics.Gauge{
		{
			Name: "connected_clients",
			Help: "Registered signaling clients.",
			Value: func() float64 {
				return float64(hub.Stats().ConnectedClients)
			},
		},
		{
			Name: "discovering_clients",
			Help: "Clients currently in discovery.",
			Value: func() float64 {
				return float64(hub.Stats().DiscoveringClients)
			},
		},
		{
			Name: "signaling_connections",
			Help: "Open signaling websockets, registered or not.",
			Value: func() float64 {
				return float64(hub.Connections())
			},
		},
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
