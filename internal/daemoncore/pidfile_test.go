package daemoncore

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestAcquirePIDFile_WritesOwnPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpd.pid")
	release, err := acquirePIDFile(path)
	if err != nil {
		t.Fatalf("acquirePIDFile: %v", err)
	}
	defer release()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	got, err := strconv.Atoi(string(data[:len(data)-1]))
	if err != nil {
		t.Fatalf("parse pid file contents %q: %v", data, err)
	}
	if got != os.Getpid() {
		t.Errorf("pid file contains %d, want %d", got, os.Getpid())
	}
}

func TestAcquirePIDFile_RejectsWhileLiveProcessHoldsIt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpd.pid")
	release, err := acquirePIDFile(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer release()

	if _, err := acquirePIDFile(path); err == nil {
		t.Fatal("expected second acquire to fail while this process's pid file is live")
	}
}

func TestAcquirePIDFile_ClearsStaleEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpd.pid")
	// A PID no process will plausibly hold: an arbitrarily high made-up value.
	if err := os.WriteFile(path, []byte("999999\n"), 0o644); err != nil {
		t.Fatalf("seed stale pid file: %v", err)
	}

	release, err := acquirePIDFile(path)
	if err != nil {
		t.Fatalf("acquirePIDFile over stale entry: %v", err)
	}
	defer release()

	data, _ := os.ReadFile(path)
	if string(data) == "999999\n" {
		t.Fatal("stale pid file was not overwritten")
	}
}

func TestAcquirePIDFile_ReleaseRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpd.pid")
	release, err := acquirePIDFile(path)
	if err != nil {
		t.Fatalf("acquirePIDFile: %v", err)
	}
	release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, stat err = %v", err)
	}
}
