package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/tributary/internal/ops"
	"github.com/ppiankov/tributary/internal/scheduler"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, enrichment sweeper, and ops server",
	Long: `Serve starts the long-running ingestion daemon: every enabled
source fires on its cadence, deferred enrichments are retried in the
background, and the ops HTTP server exposes source health, manual
triggers, and metrics.

SIGHUP reloads the source list from the configuration file without
restarting; SIGINT and SIGTERM shut down gracefully, letting
in-flight runs finish.

Example:
  tributary serve
  tributary serve --config ./tributary.yaml -v`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger()
	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(app.manager, logger)

	errCh := make(chan error, 3)
	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go app.sweeper.Run(ctx)

	var opsServer *ops.Server
	if cfg.Ops.Listen != "" {
		opsServer = ops.New(cfg.Ops.Listen, app.manager, sched, app.metrics, app.runs, logger)
		go func() {
			if err := opsServer.ListenAndServe(); err != nil {
				errCh <- err
			}
		}()
	}

	logger.Info("tributary started",
		"sources", len(app.manager.Sources()), "ops", cfg.Ops.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case err := <-errCh:
			cancel()
			return err

		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reloadSources(app)
				continue
			}

			logger.Info("shutting down", "signal", sig)
			cancel()
			if opsServer != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := opsServer.Shutdown(shutdownCtx); err != nil {
					logger.Error("ops shutdown", "error", err)
				}
				shutdownCancel()
			}
			return nil
		}
	}
}

// reloadSources re-reads the configuration file and swaps the source
// set in place. A broken config leaves the current sources running.
func reloadSources(app *app) {
	cfg, err := loadConfig()
	if err != nil {
		app.logger.Error("reload config", "error", err)
		return
	}
	if err := app.manager.Reload(cfg, app.connDeps); err != nil {
		app.logger.Error("reload sources", "error", err)
	}
}
