package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swarmops/orchestrator/internal/logging"
	"github.com/swarmops/orchestrator/internal/orchestrator"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a summary of active runs and open escalations from the data root",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	orc, err := orchestrator.New(cfg, logging.Nop())
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	runs, err := orc.Runs().ActiveRuns()
	if err != nil {
		return fmt.Errorf("list active runs: %w", err)
	}
	fmt.Printf("active runs: %d\n", len(runs))
	for _, r := range runs {
		fmt.Printf("  %-24s project=%-16s status=%-10s phase=%d\n",
			r.RunID, r.ProjectName, r.Status, r.CurrentPhaseNumber)
	}

	open, err := orc.Escalations().ListOpen()
	if err != nil {
		return fmt.Errorf("list open escalations: %w", err)
	}
	fmt.Printf("open escalations: %d\n", len(open))
	for _, e := range open {
		fmt.Printf("  %-8s run=%-24s task=%-16s severity=%-8s reason=%s\n",
			e.ID, e.RunID, e.TaskID, e.Severity, e.Reason)
	}
	return nil
}
