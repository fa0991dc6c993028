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

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu/internal/broker"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu/internal/webrtcpeer"
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

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	// No sockets are opened until the first PeerConnection.
	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	logger.Info("starting aero-webrtc-sfu",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"ice_servers", len(cfg.ICEServers),
		"negotiation_timeout", cfg.NegotiationTimeout,
		"max_pending_candidates", cfg.MaxPendingCandidates,
		"webrtc_udp_port_range", cfg.WebRTCUDPPortRange,
	)

	logStartupWarnings(logger, cfg)

	m := metrics.New()

	factory, err := webrtcpeer.NewFactory(webrtcpeer.FactoryConfig{
		API:                  api,
		ICEServers:           cfg.ICEServers,
		MaxPendingCandidates: cfg.MaxPendingCandidates,
		Logger:               logger,
	})
	if err != nil {
		logger.Error("failed to configure session factory", "err", err)
		os.Exit(2)
	}

	hub := signaling.NewHub(logger, m)
	b, err := broker.New(broker.Config{
		Factory: broker.WebRTCFactory(factory),
		Outbox:  hub,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		logger.Error("failed to configure broker", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, httpserver.Deps{
		Metrics: m.Handler(),
		Stats:   func() any { return b.Stats() },
	})
	sig := signaling.NewServer(signaling.Config{
		Broker:                        b,
		Hub:                           hub,
		Logger:                        logger,
		Metrics:                       m,
		NegotiationTimeout:            cfg.NegotiationTimeout,
		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueue:                     cfg.SignalingSendQueue,
		IdleTimeout:                   cfg.SignalingWSIdleTimeout,
		PingInterval:                  cfg.SignalingWSPingInterval,
	})
	// The origin policy runs in the HTTP middleware, before the upgrade.
	srv.HandleWithOrigin("GET /socket", sig.Handler())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		b.Close()
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

	// Hijacked WebSockets are not tracked by Shutdown, so close them first.
	sig.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	b.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info
	// (useful for `go run` / dev builds).
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
