package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	Shutdown()
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	isTerminalFn = func(int) bool { return false }
	nowFn = time.Now
}

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	return event
}

func TestInitSetsGlobalLevel(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{Format: "json", Level: "debug", Component: "validator"})

	if got := zerolog.GlobalLevel(); got != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"info":    zerolog.InfoLevel,
		" DEBUG ": zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestValidLevel(t *testing.T) {
	if !ValidLevel("warn") {
		t.Fatal("expected warn to be valid")
	}
	if ValidLevel("loud") {
		t.Fatal("expected loud to be invalid")
	}
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(resetLoggingState)

	SetLevel("error")
	if got := zerolog.GlobalLevel(); got != zerolog.ErrorLevel {
		t.Fatalf("expected error level, got %s", got)
	}
}

func TestSelectWriterAutoWithoutTerminal(t *testing.T) {
	t.Cleanup(resetLoggingState)
	isTerminalFn = func(int) bool { return false }

	if w := selectWriter("auto"); w != os.Stderr {
		t.Fatalf("expected stderr for non-terminal auto format, got %T", w)
	}
}

func TestSelectWriterAutoWithTerminal(t *testing.T) {
	t.Cleanup(resetLoggingState)
	isTerminalFn = func(int) bool { return true }

	if _, ok := selectWriter("auto").(zerolog.ConsoleWriter); !ok {
		t.Fatal("expected console writer on a terminal")
	}
}

func TestSelectWriterConsole(t *testing.T) {
	if _, ok := selectWriter("console").(zerolog.ConsoleWriter); !ok {
		t.Fatal("expected console writer")
	}
}

func TestWithRequestIDGeneratesWhenEmpty(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "  ")
	if id == "" {
		t.Fatal("expected generated request id")
	}
	if got := RequestID(ctx); got != id {
		t.Fatalf("expected %q on context, got %q", id, got)
	}
}

func TestWithRequestIDTrimsWhitespace(t *testing.T) {
	ctx, id := WithRequestID(nil, "  req-42 ") //nolint:staticcheck
	if id != "req-42" {
		t.Fatalf("expected trimmed id, got %q", id)
	}
	if RequestID(ctx) != "req-42" {
		t.Fatal("expected request id on context")
	}
}

func TestFromContextAddsRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)

	ctx, _ := WithRequestID(context.Background(), "abc")
	FromContext(ctx).Info().Msg("hello")

	event := readJSONLine(t, &buf)
	if event["request_id"] != "abc" {
		t.Fatalf("expected request_id abc, got %v", event["request_id"])
	}
}

func TestFromContextWithoutRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)

	FromContext(context.Background()).Info().Msg("hello")

	event := readJSONLine(t, &buf)
	if _, ok := event["request_id"]; ok {
		t.Fatal("did not expect request_id field")
	}
}

func TestInitWritesToFile(t *testing.T) {
	t.Cleanup(resetLoggingState)

	path := filepath.Join(t.TempDir(), "logs", "entitlementd.log")
	Init(Config{Format: "json", Level: "info", Component: "engine", FilePath: path})
	log.Info().Msg("to file")
	Shutdown()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"component":"engine"`) {
		t.Fatalf("expected component in file output, got %s", data)
	}
}

func TestRollingFileWriterRotates(t *testing.T) {
	t.Cleanup(resetLoggingState)
	nowFn = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	w, err := newRollingFileWriter(Config{FilePath: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("newRollingFileWriter: %v", err)
	}
	defer w.Close()
	w.maxBytes = 10

	if _, err := w.Write([]byte("0123456789")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := w.Write([]byte("next")); err != nil {
		t.Fatalf("second write: %v", err)
	}

	if _, err := os.Stat(path + ".20260102-030405"); err != nil {
		t.Fatalf("expected rotated file: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current log: %v", err)
	}
	if string(data) != "next" {
		t.Fatalf("expected current file to hold only the new write, got %q", data)
	}
}
