package gateway

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const takeoverWait = 5 * time.Second

// AcquirePidfile claims the gateway pidfile. A live prior instance is
// asked to exit (SIGTERM) and waited for; only one gateway runs per data
// directory.
func AcquirePidfile(path string, logger *slog.Logger) error {
	if pid, ok := readPid(path); ok && pid != os.Getpid() && processAlive(pid) {
		logger.Info("taking over from running gateway", "pid", pid)
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("gateway: signal pid %d: %w", pid, err)
		}
		deadline := time.Now().Add(takeoverWait)
		for processAlive(pid) {
			if time.Now().After(deadline) {
				return fmt.Errorf("gateway: pid %d did not exit within %s", pid, takeoverWait)
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return fmt.Errorf("gateway: write pidfile: %w", err)
	}
	return nil
}

// ReleasePidfile removes the pidfile if it still belongs to this process.
func ReleasePidfile(path string) {
	if pid, ok := readPid(path); ok && pid == os.Getpid() {
		os.Remove(path)
	}
}

func readPid(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
