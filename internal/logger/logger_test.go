package logger

import (
	"context"
	"log/slog"
	"testing"
)

func TestInit(t *testing.T) {
	logger := Init("test-service", slog.LevelInfo)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRunID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if id := RunID(ctx); id != "" {
		t.Errorf("expected empty run id, got %q", id)
	}

	ctx = WithRunID(ctx, "run-123")
	if id := RunID(ctx); id != "run-123" {
		t.Errorf("expected 'run-123', got %q", id)
	}
}

func TestNewRunID_Ordered(t *testing.T) {
	a := NewRunID()
	b := NewRunID()
	if len(a) != 26 {
		t.Fatalf("expected 26-char ulid, got %q", a)
	}
	if a == b {
		t.Errorf("expected distinct run ids, got %s twice", a)
	}
}

func TestAttrs(t *testing.T) {
	ctx := context.Background()

	if attrs := Attrs(ctx); attrs != nil {
		t.Errorf("expected nil attrs when no run id, got %v", attrs)
	}

	ctx = WithRunID(ctx, "abc-123")
	if attrs := Attrs(ctx); len(attrs) == 0 {
		t.Fatal("expected non-empty attrs with run id set")
	}
}
