package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadExpandsEnvAndDefaults(t *testing.T) {
	t.Setenv("ECHO_BIN", "/usr/bin/echo")
	t.Setenv("ECHO_GREETING", "hi")

	dir := t.TempDir()
	path := filepath.Join(dir, "mcpd.yaml")
	contents := `
daemon:
  socket_path: /tmp/test.sock
servers:
  echo:
    command: "$ECHO_BIN"
    args: ["${ECHO_GREETING}"]
    priority: 1
    auto_start: true
    idle_timeout: "30s"
  sum:
    command: /usr/bin/sum
    priority: 2
    auto_start: true
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	settings, servers, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if settings.SocketPath != "/tmp/test.sock" {
		t.Errorf("socket path = %q", settings.SocketPath)
	}
	if settings.RequestTimeout.Duration.Seconds() != 30 {
		t.Errorf("expected default request timeout of 30s, got %v", settings.RequestTimeout.Duration)
	}

	echo, ok := servers["echo"]
	if !ok {
		t.Fatalf("expected server %q", "echo")
	}
	if echo.Name != "echo" {
		t.Errorf("Name should come from the map key, got %q", echo.Name)
	}
	if echo.Command != "/usr/bin/echo" {
		t.Errorf("command not expanded: %q", echo.Command)
	}
	if len(echo.Args) != 1 || echo.Args[0] != "hi" {
		t.Errorf("args not expanded: %v", echo.Args)
	}
	if echo.IdleTimeout.Duration.Seconds() != 30 {
		t.Errorf("idle timeout = %v", echo.IdleTimeout.Duration)
	}

	sum, ok := servers["sum"]
	if !ok {
		t.Fatalf("expected server %q", "sum")
	}
	if sum.Priority != 2 {
		t.Errorf("priority = %d", sum.Priority)
	}
}

func TestDurationRejectsBareNumber(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcpd.yaml")
	contents := `
daemon:
  socket_path: /tmp/test.sock
servers:
  bad:
    command: /bin/true
    priority: 1
    auto_start: true
    idle_timeout: "30"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, err := Load(path); err == nil {
		t.Fatal("expected an error for a duration missing its unit suffix")
	}
}
