package config

import (
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(func(string) (string, bool) { return "", false }, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.WebRTCUDPPortRange != nil {
		t.Fatalf("expected WebRTCUDPPortRange unset, got %+v", *cfg.WebRTCUDPPortRange)
	}
	if !cfg.WebRTCUDPListenIP.Equal(net.IPv4zero) {
		t.Fatalf("WebRTCUDPListenIP=%v, want 0.0.0.0", cfg.WebRTCUDPListenIP)
	}
	if cfg.WebRTCNAT1To1IPCandidateType != NAT1To1CandidateTypeHost {
		t.Fatalf("WebRTCNAT1To1IPCandidateType=%q, want %q", cfg.WebRTCNAT1To1IPCandidateType, NAT1To1CandidateTypeHost)
	}
	if len(cfg.WebRTCNAT1To1IPs) != 0 {
		t.Fatalf("expected WebRTCNAT1To1IPs empty, got %v", cfg.WebRTCNAT1To1IPs)
	}
	if cfg.NegotiationTimeout != DefaultNegotiationTimeout {
		t.Fatalf("NegotiationTimeout=%v, want %v", cfg.NegotiationTimeout, DefaultNegotiationTimeout)
	}
	if cfg.MaxPendingCandidates != DefaultMaxPendingCandidates {
		t.Fatalf("MaxPendingCandidates=%d, want %d", cfg.MaxPendingCandidates, DefaultMaxPendingCandidates)
	}
	if cfg.SignalingWSIdleTimeout != DefaultSignalingWSIdleTimeout {
		t.Fatalf("SignalingWSIdleTimeout=%v, want %v", cfg.SignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	}
	if cfg.SignalingWSPingInterval != DefaultSignalingWSPingInterval {
		t.Fatalf("SignalingWSPingInterval=%v, want %v", cfg.SignalingWSPingInterval, DefaultSignalingWSPingInterval)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("MaxSignalingMessageBytes=%d, want %d", cfg.MaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	}
	if cfg.SignalingSendQueue != DefaultSignalingSendQueue {
		t.Fatalf("SignalingSendQueue=%d, want %d", cfg.SignalingSendQueue, DefaultSignalingSendQueue)
	}
	if cfg.ICEConfigError() != nil {
		t.Fatalf("ICEConfigError=%v, want nil", cfg.ICEConfigError())
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(func(string) (string, bool) { return "", false }, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(func(string) (string, bool) { return "", false }, []string{"--mode", "prod", "--log-format", "text"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestFlagOverridesEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr:               "0.0.0.0:9000",
		envVarWebRTCNegotiationTimeout: "3s",
	}), []string{"--listen-addr", "127.0.0.1:9001"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9001" {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, "127.0.0.1:9001")
	}
	if cfg.NegotiationTimeout != 3*time.Second {
		t.Fatalf("NegotiationTimeout=%v, want %v", cfg.NegotiationTimeout, 3*time.Second)
	}
}

func TestInvalidDurationEnv(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarSignalingWSIdleTimeout: "soon",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), envVarSignalingWSIdleTimeout) {
		t.Fatalf("err=%v, expected mention of %s", err, envVarSignalingWSIdleTimeout)
	}
}

func TestPingIntervalMustBeBelowIdleTimeout(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarSignalingWSIdleTimeout:  "10s",
		envVarSignalingWSPingInterval: "10s",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestMaxPendingCandidatesMustBePositive(t *testing.T) {
	_, err := load(lookupMap(nil), []string{"--" + flagWebRTCMaxPendingCandidates, "0"})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestWebRTCUDPPortRange_RequiresBoth(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarWebRTCUDPPortMin: "40000",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestWebRTCUDPPortRange_TooSmall(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarWebRTCUDPPortMin: "40000",
		envVarWebRTCUDPPortMax: "40010",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "too small") {
		t.Fatalf("err=%v, expected mention of too small range", err)
	}
}

func TestWebRTCUDPPortRange_Valid(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarWebRTCUDPPortMin: "40000",
		envVarWebRTCUDPPortMax: "40199",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WebRTCUDPPortRange == nil || cfg.WebRTCUDPPortRange.Min != 40000 || cfg.WebRTCUDPPortRange.Max != 40199 {
		t.Fatalf("WebRTCUDPPortRange=%+v, want 40000-40199", cfg.WebRTCUDPPortRange)
	}
}

func TestNAT1To1IPs(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarWebRTCNAT1To1IPs:             "203.0.113.1, 203.0.113.2",
		envVarWebRTCNAT1To1IPCandidateType: "srflx",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.WebRTCNAT1To1IPs) != 2 || cfg.WebRTCNAT1To1IPs[1] != "203.0.113.2" {
		t.Fatalf("WebRTCNAT1To1IPs=%v", cfg.WebRTCNAT1To1IPs)
	}
	if cfg.WebRTCNAT1To1IPCandidateType != NAT1To1CandidateTypeSrflx {
		t.Fatalf("WebRTCNAT1To1IPCandidateType=%q, want %q", cfg.WebRTCNAT1To1IPCandidateType, NAT1To1CandidateTypeSrflx)
	}

	if _, err := load(lookupMap(map[string]string{envVarWebRTCNAT1To1IPs: "not-an-ip"}), nil); err == nil {
		t.Fatalf("expected error for invalid NAT IP")
	}
}

func TestAllowedOriginsNormalized(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarAllowedOrigins: "HTTPS://Example.com:443, http://localhost:5173, *",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"https://example.com", "http://localhost:5173", "*"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins=%v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Fatalf("AllowedOrigins[%d]=%q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}

	if _, err := load(lookupMap(map[string]string{envVarAllowedOrigins: "example.com"}), nil); err == nil {
		t.Fatalf("expected error for origin without scheme")
	}
}
