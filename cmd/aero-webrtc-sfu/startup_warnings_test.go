package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]recordedLog {
	out := make(map[string]recordedLog)
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

func TestStartupWarnings_SafeDevConfigIsQuiet(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:                          config.ModeDev,
		MaxSignalingMessageBytes:      config.DefaultMaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: config.DefaultMaxSignalingMessagesPerSecond,
		NegotiationTimeout:            config.DefaultNegotiationTimeout,
	}

	logStartupWarnings(logger, cfg)

	if got := warningCodes(records()); len(got) != 0 {
		t.Fatalf("unexpected warnings: %#v", got)
	}
}

func TestStartupWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:           config.ModeDev,
		AllowedOrigins: []string{"https://app.example.com", "*"},
	}

	logStartupWarnings(logger, cfg)

	if _, ok := warningCodes(records())["allowed_origins_wildcard"]; !ok {
		t.Fatalf("expected warning_code=allowed_origins_wildcard, got %#v", records())
	}
}

func TestStartupWarnings_ProdNetworking(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{Mode: config.ModeProd}

	logStartupWarnings(logger, cfg)

	got := warningCodes(records())
	for _, code := range []string{"ice_servers_empty_in_prod", "webrtc_udp_port_range_unset_in_prod"} {
		r, ok := got[code]
		if !ok {
			t.Fatalf("expected warning_code=%s, got %#v", code, got)
		}
		if r.attrs["mode"] != config.ModeProd {
			t.Fatalf("%s mode attr = %#v, want %q", code, r.attrs["mode"], config.ModeProd)
		}
	}
}

func TestStartupWarnings_LargeLimits(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:                          config.ModeDev,
		MaxSignalingMessageBytes:      8 << 20,
		MaxSignalingMessagesPerSecond: 5000,
		NegotiationTimeout:            5 * time.Minute,
	}

	logStartupWarnings(logger, cfg)

	got := warningCodes(records())
	for _, code := range []string{
		"max_signaling_message_bytes_large",
		"max_signaling_messages_per_second_large",
		"webrtc_negotiation_timeout_large",
	} {
		if _, ok := got[code]; !ok {
			t.Fatalf("expected warning_code=%s, got %#v", code, got)
		}
	}
	if v := got["max_signaling_message_bytes_large"].attrs["max_signaling_message_bytes"]; v != int64(8<<20) {
		t.Fatalf("max_signaling_message_bytes attr = %#v", v)
	}
}
