package root

import (
	"github.com/spf13/cobra"

	cleanupcmd "github.com/sandboxd/sandboxd/internal/cmd/cleanup"
	servecmd "github.com/sandboxd/sandboxd/internal/cmd/serve"
	versioncmd "github.com/sandboxd/sandboxd/internal/cmd/version"
)

// NewCmdRoot creates the root command for the sandboxd binary.
func NewCmdRoot(version, buildDate string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandboxd",
		Short: "Multi-tenant sandbox execution service",
		Long: `Sandboxd runs untrusted interactive shells inside hardened, ephemeral
Docker containers and exposes them over a websocket terminal API.

Quick start:
  sandboxd serve         # Start the service on the configured address
  sandboxd cleanup       # Remove orphaned sandbox containers and exit

Configuration is read from SANDBOXD_* environment variables.`,
		SilenceUsage: true,
		Version:      version,
	}

	cmd.SetVersionTemplate(versioncmd.Format(version, buildDate) + "\n")

	cmd.AddCommand(servecmd.NewCmdServe())
	cmd.AddCommand(cleanupcmd.NewCmdCleanup())
	cmd.AddCommand(versioncmd.NewCmdVersion(version, buildDate))

	return cmd
}
