// Command mcpd is the Universal MCP Client Daemon: it loads a server
// inventory, supervises one child process per configured MCP server, and
// exposes a Unix-domain control socket for CLI front-ends to call tools
// through. The CLI front-end itself is a separate, unimplemented
// collaborator.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nodegate/mcpd/internal/config"
	"github.com/nodegate/mcpd/internal/daemoncore"
)

func main() {
	configPath := flag.String("config", "mcpd.yaml", "path to the server inventory YAML file")
	envPath := flag.String("env", "", "optional explicit .env path (default: search executable dir, then cwd)")
	flag.Parse()

	if *envPath != "" {
		config.LoadEnv(*envPath)
	} else {
		config.LoadEnv()
	}

	settings, specs, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[daemon] config: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(settings.SocketPath), 0o700); err != nil {
		log.Fatalf("[daemon] create socket directory: %v", err)
	}

	log.Printf("[daemon] mcpd starting: %d server(s) configured, socket=%s", len(specs), settings.SocketPath)
	for id, spec := range specs {
		log.Printf("[daemon]   %s: %s %v (priority=%d auto_start=%v)", id, spec.Command, spec.Args, spec.Priority, spec.AutoStart)
	}

	d := daemoncore.New(settings, specs)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := d.Run(ctx); err != nil {
		log.Fatalf("[daemon] exited with error: %v", err)
	}
	log.Printf("[daemon] stopped")
}
