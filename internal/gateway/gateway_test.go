package gateway

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAcquirePidfileFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid")
	if err := AcquirePidfile(path, quietLogger()); err != nil {
		t.Fatal(err)
	}
	pid, ok := readPid(path)
	if !ok || pid != os.Getpid() {
		t.Fatalf("pidfile = %d %v", pid, ok)
	}
	ReleasePidfile(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("pidfile not removed")
	}
}

func TestAcquirePidfileReplacesStalePid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid")
	// Far above any kernel pid limit, so the probe reports it dead.
	if err := os.WriteFile(path, []byte("99999999"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := AcquirePidfile(path, quietLogger()); err != nil {
		t.Fatal(err)
	}
	if pid, _ := readPid(path); pid != os.Getpid() {
		t.Fatalf("pid = %d, want own", pid)
	}
}

func TestAcquirePidfileIgnoresGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid")
	if err := os.WriteFile(path, []byte("not a pid\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := AcquirePidfile(path, quietLogger()); err != nil {
		t.Fatal(err)
	}
	if pid, _ := readPid(path); pid != os.Getpid() {
		t.Fatalf("pid = %d, want own", pid)
	}
}

func TestReleasePidfileLeavesForeignPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid")
	foreign := strconv.Itoa(os.Getpid() + 1)
	if err := os.WriteFile(path, []byte(foreign), 0o600); err != nil {
		t.Fatal(err)
	}
	ReleasePidfile(path)
	if _, err := os.Stat(path); err != nil {
		t.Fatal("foreign pidfile was removed")
	}
}

func TestRingHandlerTail(t *testing.T) {
	h := NewRingHandler(slog.NewTextHandler(io.Discard, nil), 3)
	logger := slog.New(h)
	for i := 1; i <= 5; i++ {
		logger.Info("entry", "n", i)
	}
	tail := h.Tail()
	if len(tail) != 3 {
		t.Fatalf("tail = %d lines", len(tail))
	}
	if !strings.Contains(tail[0], "n=3") || !strings.Contains(tail[2], "n=5") {
		t.Fatalf("tail = %v", tail)
	}
}

func TestRingHandlerWithAttrsSharesBuffer(t *testing.T) {
	h := NewRingHandler(slog.NewTextHandler(io.Discard, nil), 10)
	child := slog.New(h.WithAttrs([]slog.Attr{slog.String("component", "cron")}))
	child.Info("fired")
	tail := h.Tail()
	if len(tail) != 1 {
		t.Fatalf("tail = %v", tail)
	}
	if !strings.Contains(tail[0], "component=cron") || !strings.Contains(tail[0], "fired") {
		t.Fatalf("line = %q", tail[0])
	}
}
