package logx

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"DEBUG", zerolog.DebugLevel},
		{"debug", zerolog.DebugLevel},
		{" info ", zerolog.InfoLevel},
		{"WARN", zerolog.WarnLevel},
		{"WARNING", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in, zerolog.InfoLevel); got != tc.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 100); got != "short" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("x", 50)
	got := truncate(long, 20)
	if len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("got %q (len %d)", got, len(got))
	}
	if got := truncate(long, 5); got != "xxxxx" {
		t.Fatalf("tiny budget got %q", got)
	}
}

func TestFormatTelegramJSON(t *testing.T) {
	line := `{"level":"warn","time":"2026-08-30T12:00:00.000Z","message":"queue full","comp":"poster","caller":"service.go:42"}`
	got := formatTelegramJSON([]byte(line))
	if !strings.HasPrefix(got, "[WARN] queue full") {
		t.Fatalf("got %q", got)
	}
	if !strings.Contains(got, "comp=poster") {
		t.Fatalf("field missing: %q", got)
	}
	if strings.Contains(got, "caller") || strings.Contains(got, "2026-08-30") {
		t.Fatalf("noise fields not stripped: %q", got)
	}

	// Non-JSON input falls back to the raw line.
	if got := formatTelegramJSON([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("got %q", got)
	}
}

func TestNopLoggerIsSilentAndSafe(t *testing.T) {
	l := Nop()
	l.Info("nothing happens", String("k", "v"))
	l.With(Int("n", 1)).Error("still nothing", Err(nil))

	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	zero.Warn("zero value must not panic")

	if Nop().IsZero() {
		t.Fatal("Nop logger is configured, not zero")
	}
}
