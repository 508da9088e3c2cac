package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmops/orchestrator/internal/config"
	"github.com/swarmops/orchestrator/internal/httpapi"
	"github.com/swarmops/orchestrator/internal/logging"
	"github.com/swarmops/orchestrator/internal/orchestrator"
	"github.com/swarmops/orchestrator/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server, background watcher, and recover active runs",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dataRoot, err := config.ResolveDataPath(cfg.Data.Root)
	if err != nil {
		return fmt.Errorf("resolve data root: %w", err)
	}
	logger, err := logging.New(dataRoot, logging.Level(cfg.Logging.Level))
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Close()

	// Two `serve` processes against the same data root would both dispatch,
	// recover, and rewrite progress docs without coordination; WithLock's
	// per-path mutex only serializes writers within this process.
	dataLock := store.NewFileLock(dataRoot)
	locked, err := dataLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire data root lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("data root %s is already locked by another orchestrator process", dataRoot)
	}
	defer dataLock.Unlock()

	orc, err := orchestrator.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	projects, err := discoverProjects(cfg)
	if err != nil {
		return fmt.Errorf("discover projects: %w", err)
	}
	for _, pc := range projects {
		if err := orc.RegisterProject(pc); err != nil {
			return fmt.Errorf("register project %s: %w", pc.Name, err)
		}
		logger.Info("registered project", "project", pc.Name, "dir", pc.Dir)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orc.Recover(ctx); err != nil {
		logger.Error("crash recovery failed", "error", err.Error())
	}

	if err := orc.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer orc.Stop()

	server, err := httpapi.NewServer(orc, &cfg.Server, logger)
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
