package daemoncore

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// pidFilePath derives the PID file location from the control socket path.
func pidFilePath(socketPath string) string {
	return socketPath + ".pid"
}

// acquirePIDFile is the daemon's single-instance lock: refuse to start a
// second daemon against the same socket. A PID file left behind by a
// process that is no longer running is stale and is cleared automatically.
func acquirePIDFile(path string) (func(), error) {
	if err := tryCreate(path); err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create pid file %s: %w", path, err)
		}
		alive, checkErr := pidFileIsLive(path)
		if checkErr != nil {
			return nil, fmt.Errorf("inspect pid file %s: %w", path, checkErr)
		}
		if alive {
			return nil, fmt.Errorf("daemon already running (pid file %s)", path)
		}
		_ = os.Remove(path)
		if err := tryCreate(path); err != nil {
			return nil, fmt.Errorf("create pid file %s after clearing stale entry: %w", path, err)
		}
	}
	return func() { _ = os.Remove(path) }, nil
}

func tryCreate(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d\n", os.Getpid())
	return err
}

// pidFileIsLive reports whether the process named in an existing PID file
// is still running, by sending it signal 0 (no-op, delivery-check only).
func pidFileIsLive(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false, nil // unreadable contents: treat as stale, not fatal
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, nil
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false, nil
	}
	return true, nil
}
