package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestWriterSplitsLines(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	w := NewWriter(logger)
	w.Write([]byte("first\nsec"))
	w.Write([]byte("ond\n"))
	w.Write([]byte("tail"))

	got := out.String()
	if !strings.Contains(got, "line=first") {
		t.Fatalf("missing first line in %q", got)
	}
	if !strings.Contains(got, "line=second") {
		t.Fatalf("missing joined second line in %q", got)
	}
	if strings.Contains(got, "line=tail") {
		t.Fatalf("partial line emitted before flush: %q", got)
	}

	w.Flush()
	if !strings.Contains(out.String(), "line=tail") {
		t.Fatalf("partial line not emitted on flush: %q", out.String())
	}
}

func TestWriterSkipsBlankLines(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	w := NewWriter(logger)
	w.Write([]byte("\n\r\n"))
	if out.Len() != 0 {
		t.Fatalf("blank lines produced output: %q", out.String())
	}
}

func TestSetLevel(t *testing.T) {
	var out bytes.Buffer
	logger := New(&out, Options{Level: slog.LevelWarn})

	logger.Info("hidden")
	if out.Len() != 0 {
		t.Fatalf("info emitted at warn level: %q", out.String())
	}

	SetLevel(slog.LevelInfo)
	logger.Info("shown")
	if !strings.Contains(out.String(), "shown") {
		t.Fatalf("info not emitted after SetLevel: %q", out.String())
	}
}
