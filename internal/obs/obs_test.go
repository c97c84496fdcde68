package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInitLoggerWritesJSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, "warn")
	Logger.Info("dropped")
	Logger.Warn("kept", "buyer_id", 42)
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected exactly one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "kept" || rec["buyer_id"] != float64(42) {
		t.Fatalf("record = %v", rec)
	}
}

func TestOrFallsBack(t *testing.T) {
	own := slog.New(slog.DiscardHandler)
	if Or(own) != own {
		t.Fatalf("Or ignored explicit logger")
	}
	InitLogger("info")
	if Or(nil) != Logger {
		t.Fatalf("Or(nil) did not return global logger")
	}
}

func TestSetupTracingWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TracingConfig{})
	if err != nil {
		t.Fatalf("SetupTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
