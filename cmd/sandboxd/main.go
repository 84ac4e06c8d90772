// sandboxd is the multi-tenant sandbox execution service. It provisions
// hardened, ephemeral Docker containers and exposes interactive shells in
// them over a websocket terminal API.
package main

import (
	"os"

	"github.com/sandboxd/sandboxd/internal/cmd/root"
)

// Set at build time via -ldflags.
var (
	version   = "DEV"
	buildDate = ""
)

func main() {
	cmd := root.NewCmdRoot(version, buildDate)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
