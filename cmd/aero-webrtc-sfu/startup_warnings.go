package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (any site can open signaling sockets)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.ICEConfigError() == nil && len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no ICE servers configured while --mode=prod (clients behind NAT may fail to connect)",
			"warning_code", "ice_servers_empty_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.WebRTCUDPPortRange == nil {
		logger.Warn("startup warning: WEBRTC_UDP_PORT_MIN/MAX unset while --mode=prod (each room of N uses on the order of N*N ephemeral ports)",
			"warning_code", "webrtc_udp_port_range_unset_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (weakens signaling DoS hardening)",
			"warning_code", "max_signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
	if cfg.MaxSignalingMessagesPerSecond > 1000 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is very large (weakens signaling DoS hardening)",
			"warning_code", "max_signaling_messages_per_second_large",
			"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}
	if cfg.NegotiationTimeout > time.Minute {
		logger.Warn("startup security warning: WEBRTC_NEGOTIATION_TIMEOUT is very large (stalled negotiations hold PeerConnections longer)",
			"warning_code", "webrtc_negotiation_timeout_large",
			"webrtc_negotiation_timeout", cfg.NegotiationTimeout,
			"mode", cfg.Mode,
		)
	}
}
