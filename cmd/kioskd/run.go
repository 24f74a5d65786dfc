package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/kioskd/pkg/agent"
	"github.com/cuemby/kioskd/pkg/api"
	"github.com/cuemby/kioskd/pkg/bundle"
	"github.com/cuemby/kioskd/pkg/fleet"
	"github.com/cuemby/kioskd/pkg/identity"
	"github.com/cuemby/kioskd/pkg/log"
	"github.com/cuemby/kioskd/pkg/metrics"
	"github.com/cuemby/kioskd/pkg/recovery"
	"github.com/cuemby/kioskd/pkg/storage"
	"github.com/cuemby/kioskd/pkg/supervisor"
	"github.com/cuemby/kioskd/pkg/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds application teardown and the final log flush
const shutdownTimeout = 20 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the device agent",
	Long: `Run the device agent in the foreground.

The agent installs the latest bundle published for this device, keeps it
running and rolls it back when it crashes. Without a device identity it
serves the activation form on the recovery address until the device is
registered. SIGINT and SIGTERM stop the application before exiting.`,
	RunE: runAgent,
}

func init() {
	runCmd.Flags().String("api-url", "", "Fleet backend URL used until one is set by activation")
	runCmd.Flags().Duration("refresh", 0, "Interval between update checks")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	paths := cfg.Paths()
	if err := paths.Prepare(); err != nil {
		return err
	}

	journal, err := storage.NewBoltStore(paths.JournalFile)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer journal.Close()
	metrics.UpdateComponent(metrics.ComponentJournal, true, "")

	client := fleet.NewClient(cfg.APIURL, nil)
	events := telemetry.NewAggregator(client, cfg.LogCapacity)
	engine := bundle.NewEngine(bundleLayout(cfg), client)
	app := supervisor.New(supervisor.NewExecFabric(cfg.App.StopTimeout), appSpec(cfg))
	ids := identity.NewStore(paths.IDFile, paths.PrivateKeyFile, paths.APIURLFile)

	a, err := agent.New(agent.Options{
		Paths:           paths,
		Fleet:           client,
		Engine:          engine,
		Process:         app,
		Identity:        ids,
		Recovery:        recovery.NewServer(cfg.RecoveryAddr, client, ids),
		Journal:         journal,
		Events:          events,
		RefreshInterval: cfg.RefreshInterval,
		RetryBackoff:    cfg.RetryBackoff,
		FlushInterval:   cfg.FlushInterval,
		MaxReverts:      cfg.Breaker.MaxReverts,
		RevertWindow:    cfg.Breaker.Window,
	})
	if err != nil {
		return err
	}

	status := api.NewHealthServer(api.Options{
		Version:    Version,
		Bundle:     engine,
		Process:    app,
		Events:     events,
		StdoutSink: paths.StdoutSink,
		StderrSink: paths.StderrSink,
	})
	rotator := supervisor.NewRotator(cfg.App.SinkCap, paths.StdoutSink, paths.StderrSink)
	collector := metrics.NewCollector(engine, app)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("version", Version).
		Str("root", cfg.Root).
		Dur("refresh", cfg.RefreshInterval).
		Msg("Starting agent")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error {
		// The device keeps working without its status page
		if err := status.Run(gctx, cfg.StatusAddr); err != nil {
			logger.Error().Err(err).Msg("Status server failed")
		}
		return nil
	})
	g.Go(func() error { return rotator.Run(gctx) })
	g.Go(func() error { return collector.Run(gctx) })

	runErr := g.Wait()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdownErr := app.Shutdown(shutdownCtx)
	events.Flush(shutdownCtx, true)

	if err := multierr.Append(runErr, shutdownErr); err != nil {
		return err
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}
