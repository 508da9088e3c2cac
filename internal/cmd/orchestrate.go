package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swarmops/orchestrator/internal/config"
	"github.com/swarmops/orchestrator/internal/logging"
	"github.com/swarmops/orchestrator/internal/orchestrator"
	"github.com/swarmops/orchestrator/internal/store"
)

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate <project>",
	Short: "Trigger a one-shot dispatch for a project, exercising the same path as POST /orchestrate",
	Args:  cobra.ExactArgs(1),
	RunE:  runOrchestrate,
}

func init() {
	rootCmd.AddCommand(orchestrateCmd)
}

func runOrchestrate(cmd *cobra.Command, args []string) error {
	project := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dataRoot, err := config.ResolveDataPath(cfg.Data.Root)
	if err != nil {
		return fmt.Errorf("resolve data root: %w", err)
	}

	// A live `serve` process holds this lock for its whole run; barging in
	// with a one-shot dispatch here would race its webhook handlers over
	// the same progress docs and run-state files.
	dataLock := store.NewFileLock(dataRoot)
	locked, err := dataLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire data root lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("data root %s is locked by a running serve process; use its POST /orchestrate endpoint instead", dataRoot)
	}
	defer dataLock.Unlock()

	logger := logging.Nop()
	orc, err := orchestrator.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	projects, err := discoverProjects(cfg)
	if err != nil {
		return fmt.Errorf("discover projects: %w", err)
	}
	found := false
	for _, pc := range projects {
		if pc.Name != project {
			continue
		}
		found = true
		if err := orc.RegisterProject(pc); err != nil {
			return fmt.Errorf("register project %s: %w", pc.Name, err)
		}
	}
	if !found {
		return fmt.Errorf("project %q not found under %s", project, cfg.Data.ProjectsRoot)
	}

	result, err := orc.Orchestrate(context.Background(), project)
	if err != nil {
		return fmt.Errorf("orchestrate %s: %w", project, err)
	}

	fmt.Printf("spawned %d worker(s), skipped %d\n", len(result.Spawned), len(result.Skipped))
	for _, w := range result.Spawned {
		fmt.Printf("  spawned: %+v\n", w)
	}
	for _, sk := range result.Skipped {
		fmt.Printf("  skipped: %+v\n", sk)
	}
	return nil
}
