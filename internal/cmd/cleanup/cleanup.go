// Package cleanup implements the sandboxd cleanup command: a one-shot
// sweep of orphaned sandbox containers, for use outside the serve loop.
package cleanup

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	servecmd "github.com/sandboxd/sandboxd/internal/cmd/serve"
	"github.com/sandboxd/sandboxd/internal/config"
	"github.com/sandboxd/sandboxd/internal/environment"
	"github.com/sandboxd/sandboxd/internal/logger"
	"github.com/sandboxd/sandboxd/internal/provisioner"
	"github.com/sandboxd/sandboxd/pkg/jail"
)

// NewCmdCleanup creates the cleanup command.
func NewCmdCleanup() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove orphaned sandbox containers and exit",
		Long: `Finds exited or dead containers carrying the sandboxd managed label and
removes them. Running containers are left alone.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger.Init(cfg.Debug)

			ctx := cmd.Context()
			engine, err := jail.New(ctx, jail.Options{LabelPrefix: servecmd.LabelPrefix})
			if err != nil {
				var ee *jail.EngineError
				if errors.As(err, &ee) {
					fmt.Fprint(os.Stderr, ee.FormatUserError())
				}
				return err
			}
			defer func() { _ = engine.Close() }()

			prov := provisioner.New(ctx, engine, environment.NewRegistry(), provisioner.Options{
				LabelPrefix: servecmd.LabelPrefix,
			})

			n := prov.CleanupOrphaned(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d orphaned container(s)\n", n)
			return nil
		},
	}
}
