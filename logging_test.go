package tinyids

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRedactingHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewRedactingHandler(slog.NewTextHandler(&buf, nil)))

	logger.Info("request", "passphrase", "hunter2", "status", "20 OK")
	logger.With("new_passphrase", "swordfish").Info("rotated")
	logger.Info("grouped", slog.Group("req", "Fingerprint", "deadbeef", "command", "CHECK"))
	logger.WithGroup("keys").Info("loaded", "private_key_path", "/tmp/k")

	out := buf.String()
	for _, secret := range []string{"hunter2", "swordfish", "deadbeef", "/tmp/k"} {
		if strings.Contains(out, secret) {
			t.Errorf("secret %q reached the log:\n%s", secret, out)
		}
	}
	for _, kept := range []string{"20 OK", "command=CHECK", redactedValue} {
		if !strings.Contains(out, kept) {
			t.Errorf("Expected %q in log output:\n%s", kept, out)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log", "tinyidsd.log")
	logger, closer, err := NewLogger(LogConfig{Level: "warn", File: path})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "passphrase", "hunter2")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("level filtering wrong:\n%s", out)
	}
	if strings.Contains(out, "hunter2") {
		t.Error("file logger does not redact")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("log file mode %o, want 0600", perm)
	}
}
