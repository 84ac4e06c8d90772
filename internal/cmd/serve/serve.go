// Package serve implements the sandboxd serve command: it wires every
// component together and runs the HTTP service until interrupted.
package serve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sandboxd/sandboxd/internal/breaker"
	"github.com/sandboxd/sandboxd/internal/config"
	"github.com/sandboxd/sandboxd/internal/coordinator"
	"github.com/sandboxd/sandboxd/internal/environment"
	"github.com/sandboxd/sandboxd/internal/logger"
	"github.com/sandboxd/sandboxd/internal/provisioner"
	"github.com/sandboxd/sandboxd/internal/ratelimit"
	"github.com/sandboxd/sandboxd/internal/server"
	"github.com/sandboxd/sandboxd/internal/session"
	"github.com/sandboxd/sandboxd/pkg/jail"
)

// LabelPrefix namespaces every label sandboxd puts on a container.
const LabelPrefix = "dev.sandboxd"

// defaultBanner greets every freshly attached terminal.
const defaultBanner = "Connected to an ephemeral sandbox. Everything here is destroyed when the session ends.\r\n"

// toolPairBanners overrides the greeting for known tool pairs.
var toolPairBanners = map[string]string{
	"jj-git": "Connected to an ephemeral sandbox with jj and git preinstalled. Everything here is destroyed when the session ends.\r\n",
}

// NewCmdServe creates the serve command.
func NewCmdServe() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sandbox execution service",
		Long: `Starts the HTTP and websocket API, connects to the Docker daemon, and
serves sandbox sessions until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.InitWithFile(cfg.Debug, cfg.LogsDir, nil); err != nil {
		logger.Init(cfg.Debug)
		logger.Warn().Err(err).Msg("file logging unavailable")
	}
	defer func() { _ = logger.CloseFileWriter() }()

	engine, err := jail.New(ctx, jail.Options{LabelPrefix: LabelPrefix})
	if err != nil {
		var ee *jail.EngineError
		if errors.As(err, &ee) {
			fmt.Fprint(os.Stderr, ee.FormatUserError())
		}
		return err
	}
	defer func() { _ = engine.Close() }()

	registry := environment.NewRegistry()
	prov := provisioner.New(ctx, engine, registry, provisioner.Options{
		LabelPrefix: LabelPrefix,
		Limits: provisioner.Limits{
			MemoryBytes:    cfg.ContainerMemoryBytes(),
			HomeTmpfsBytes: cfg.HomeTmpfsBytes(),
			TmpTmpfsBytes:  cfg.TmpTmpfsBytes(),
		},
		UseGVisor:     cfg.UseGVisor,
		GVisorRuntime: cfg.GVisorRuntime,
	})

	if n := prov.CleanupOrphaned(ctx); n > 0 {
		logger.Info().Int("count", n).Msg("removed orphaned containers from previous run")
	}

	// The store's reaper calls back into the coordinator; the variable is
	// captured before the coordinator exists and resolved at reap time.
	var coord *coordinator.Coordinator
	store := session.NewStore(func(sess session.Session) {
		coord.Reap(sess)
	})
	defer store.Close()

	var limiterOpts []ratelimit.Option
	if cfg.DisableRateLimit {
		logger.Warn().Msg("rate limiting disabled")
		limiterOpts = append(limiterOpts, ratelimit.WithLimits(ratelimit.UnlimitedLimits()))
	}
	limiter := ratelimit.New(limiterOpts...)
	defer limiter.Close()

	var breakerOpts []breaker.Option
	if cfg.DevMode {
		breakerOpts = append(breakerOpts, breaker.SkipMemoryCheck())
	}
	brk := breaker.New(cfg.MaxContainers, cfg.MaxMemoryPercent, store.Count, breakerOpts...)

	coord = coordinator.New(store, limiter, brk, registry, prov, coordinator.Options{
		MaxMessageBytes: cfg.MaxMessageBytes,
		Banner:          defaultBanner,
		Banners:         toolPairBanners,
	})

	srv := server.New(cfg, coord, limiter)
	if err := srv.Start(); err != nil {
		return err
	}

	logger.Info().
		Str("addr", srv.Addr()).
		Bool("gvisor", prov.GVisorActive()).
		Bool("dev_mode", cfg.DevMode).
		Msg("sandboxd ready")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
