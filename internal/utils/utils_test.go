package utils

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want log.Level
	}{
		{"debug", log.DebugLevel},
		{"INFO", log.InfoLevel},
		{"warn", log.WarnLevel},
		{"warning", log.WarnLevel},
		{"error", log.ErrorLevel},
		{"fatal", log.FatalLevel},
		{"unknown", log.InfoLevel},
	}

	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Fatalf("ParseLevel(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestInitLogger_WritesOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := InitLogger(LoggerOptions{
		Level:           "debug",
		Output:          &buf,
		Prefix:          "test",
		ReportTimestamp: false,
	})

	logger.Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("expected output to contain message; got %q", buf.String())
	}
}

func TestInitLogger_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := InitLogger(LoggerOptions{Level: "error", Output: &buf})

	logger.Warn("quiet")
	if buf.Len() != 0 {
		t.Fatalf("expected warn to be filtered at error level; got %q", buf.String())
	}
}

func TestInitDefaultLogger_RespectsEnvOverride(t *testing.T) {
	old := GetDefaultLogger()
	t.Cleanup(func() { SetDefaultLogger(old) })

	t.Setenv(LogLevelEnv, "debug")
	logger := InitDefaultLogger()
	if logger == nil {
		t.Fatalf("expected logger")
	}
	if logger.GetLevel() != log.DebugLevel {
		t.Fatalf("level=%v want debug", logger.GetLevel())
	}
	if GetDefaultLogger() != logger {
		t.Fatalf("expected InitDefaultLogger to install the default")
	}
}

func TestInitFileLogger_CreatesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".warden", "logs", "warden.log")

	logger, closer, err := InitFileLogger(path, "info")
	if err != nil {
		t.Fatalf("InitFileLogger: %v", err)
	}
	logger.Info("store opened", "path", "policy.db")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected log file at %s: %v", path, err)
	}
	if !strings.Contains(string(data), "store opened") {
		t.Fatalf("expected message in log file; got %q", data)
	}
}

func TestDefaultLoggerWrappers(t *testing.T) {
	old := GetDefaultLogger()
	t.Cleanup(func() {
		SetDefaultLogger(old)
	})

	var buf bytes.Buffer
	logger := InitLogger(LoggerOptions{
		Level:           "debug",
		Output:          &buf,
		Prefix:          "wrapper",
		ReportTimestamp: false,
	})
	SetDefaultLogger(logger)

	Debug("debug-msg")
	Info("info-msg")
	Warn("warn-msg")
	Error("error-msg")
	_ = With("k", "v")
	_ = WithPrefix("p")

	out := buf.String()
	for _, want := range []string{"debug-msg", "info-msg", "warn-msg", "error-msg"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q; got %q", want, out)
		}
	}
}

func TestSanitizeArguments(t *testing.T) {
	in := "\x1b[31mrm -rf build\x1b[0m\x07\tnext\nline"
	if got := SanitizeArguments(in); got != "rm -rf build\tnext\nline" {
		t.Fatalf("SanitizeArguments=%q", got)
	}
	if got := StripEscapes("\x1b]0;title\x07\x1b[1mbold\x1b[0m"); got != "bold" {
		t.Fatalf("StripEscapes=%q", got)
	}
}

func TestOneLine(t *testing.T) {
	if got := OneLine("git  commit\n  -m wip", 0); got != "git commit -m wip" {
		t.Fatalf("OneLine=%q", got)
	}
	if got := OneLine("abcdefgh", 5); got != "abcd…" {
		t.Fatalf("OneLine cut=%q", got)
	}
	if got := OneLine("abc", 3); got != "abc" {
		t.Fatalf("OneLine exact=%q", got)
	}
}
