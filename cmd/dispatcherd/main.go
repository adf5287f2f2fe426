// Command dispatcherd runs the document dispatch pipeline as a
// standalone daemon: it loads configuration from the environment
// (DISPATCH_ prefix, see internal/config), spawns C1-C7, and serves
// until interrupted. On any startup or runtime error, the process logs
// the error and exits non-zero.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mycelian/docdispatch/internal/config"
	"github.com/mycelian/docdispatch/internal/dispatch"
	"github.com/mycelian/docdispatch/internal/dispatch/httpapi"
	"github.com/mycelian/docdispatch/internal/logger"
	"github.com/mycelian/docdispatch/internal/sink"
)

var version = "dev"

const shutdownTimeout = 2 * time.Minute

func main() {
	rootCmd := &cobra.Command{
		Use:   "dispatcherd",
		Short: "Document dispatch pipeline daemon",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the dispatcher and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the dispatcherd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("dispatcherd exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New("dispatcherd")
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	// Sink implementations are deployment-specific (spec §6: opaque to
	// the core). This reference binary ships an empty registry; a real
	// deployment forks this composition root and registers its own
	// emitters before calling dispatch.New.
	sinks := sink.NewRegistry()

	d, err := dispatch.New(cfg, dispatch.Options{Sinks: sinks}, log)
	if err != nil {
		return fmt.Errorf("construct dispatcher: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	if cfg.HealthAddr != "" {
		diag := httpapi.New(cfg.HealthAddr, d, d.Tasks(), log)
		go func() {
			if err := diag.Run(ctx); err != nil {
				log.Error().Err(err).Msg("diagnostics surface exited with error")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, closing dispatcher")

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.Close(closeCtx)
}
