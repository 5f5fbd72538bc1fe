package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	custom := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithContext(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Error("FromContext did not return injected logger")
	}
	if FromContext(context.Background()) != getLogger() {
		t.Error("FromContext without logger should fall back to default")
	}
	//nolint:staticcheck // nil ctx 兜底
	if FromContext(nil) == nil {
		t.Error("FromContext(nil) returned nil")
	}
}

func TestSetLevelAffectsDefault(t *testing.T) {
	prev := level.Level()
	t.Cleanup(func() { level.Set(prev) })

	SetLevel("ERROR")
	if getLogger().Enabled(context.Background(), slog.LevelWarn) {
		t.Error("WARN enabled after SetLevel(ERROR)")
	}
	SetLevel("debug")
	if !getLogger().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("DEBUG disabled after SetLevel(debug)")
	}
}

func TestMultiHandlerFansOut(t *testing.T) {
	var a, b bytes.Buffer
	ha := slog.NewJSONHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo})
	hb := slog.NewJSONHandler(&b, &slog.HandlerOptions{Level: slog.LevelError})

	l := slog.New(NewMultiHandler(ha, hb)).With(FieldThreadID, "t-1")
	l.Info("turn started")
	l.Error("turn failed")

	if got := strings.Count(a.String(), "\n"); got != 2 {
		t.Errorf("handler a lines = %d, want 2", got)
	}
	if got := strings.Count(b.String(), "\n"); got != 1 {
		t.Errorf("handler b lines = %d, want 1", got)
	}
	if !strings.Contains(b.String(), `"thread_id":"t-1"`) {
		t.Errorf("WithAttrs not propagated: %s", b.String())
	}
}

func TestStderrCollectorLevels(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	c := newStderrCollector("app-server:4500", func() *slog.Logger { return l })
	_, _ = c.Write([]byte("listening on 4500\n\nERROR: boom\r\npartial"))
	_ = c.Close()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3: %q", len(lines), buf.String())
	}
	wantLevels := []string{"INFO", "ERROR", "INFO"}
	wantMsgs := []string{"listening on 4500", "ERROR: boom", "partial"}
	for i, line := range lines {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("line %d not json: %v", i, err)
		}
		if rec["level"] != wantLevels[i] {
			t.Errorf("line %d level = %v, want %s", i, rec["level"], wantLevels[i])
		}
		if rec["msg"] != wantMsgs[i] {
			t.Errorf("line %d msg = %v, want %s", i, rec["msg"], wantMsgs[i])
		}
		if rec[FieldSource] != "app-server:4500" {
			t.Errorf("line %d source = %v", i, rec[FieldSource])
		}
	}
}
