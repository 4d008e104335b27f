package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLoggerFormats(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cases := []struct {
		format string
		want   string
	}{
		{format: LogFormatJSON, want: `"msg":"session.set"`},
		{format: LogFormatText, want: "msg=session.set"},
		{format: LogFormatPretty, want: "INF session.set"},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		log := NewLogger(&buf, "debug", tc.format, false)
		log.Info("session.set", "token_fp", "abc123")
		if !strings.Contains(buf.String(), tc.want) {
			t.Fatalf("format %s: %q does not contain %q", tc.format, buf.String(), tc.want)
		}
	}
}
