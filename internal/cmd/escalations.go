package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swarmops/orchestrator/internal/logging"
	"github.com/swarmops/orchestrator/internal/orchestrator"
)

var escalationsCmd = &cobra.Command{
	Use:   "escalations",
	Short: "List, resolve, or dismiss escalations",
}

var escalationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open escalations",
	RunE:  runEscalationsList,
}

var escalationsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark an escalation resolved",
	Args:  cobra.ExactArgs(1),
	RunE:  runEscalationsResolve,
}

var escalationsDismissCmd = &cobra.Command{
	Use:   "dismiss <id>",
	Short: "Dismiss an escalation without resolving it",
	Args:  cobra.ExactArgs(1),
	RunE:  runEscalationsDismiss,
}

var resolvedBy string

func init() {
	escalationsResolveCmd.Flags().StringVar(&resolvedBy, "by", "cli", "identity to record as resolver")
	escalationsDismissCmd.Flags().StringVar(&resolvedBy, "by", "cli", "identity to record as resolver")

	escalationsCmd.AddCommand(escalationsListCmd, escalationsResolveCmd, escalationsDismissCmd)
	rootCmd.AddCommand(escalationsCmd)
}

func newOrchestrator() (*orchestrator.Orchestrator, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return orchestrator.New(cfg, logging.Nop())
}

func runEscalationsList(cmd *cobra.Command, args []string) error {
	orc, err := newOrchestrator()
	if err != nil {
		return err
	}
	open, err := orc.Escalations().ListOpen()
	if err != nil {
		return fmt.Errorf("list open escalations: %w", err)
	}
	for _, e := range open {
		fmt.Printf("%-8s run=%-24s phase=%d task=%-16s severity=%-8s attempts=%d reason=%s\n",
			e.ID, e.RunID, e.PhaseNumber, e.TaskID, e.Severity, e.AttemptCount, e.Reason)
	}
	return nil
}

func runEscalationsResolve(cmd *cobra.Command, args []string) error {
	orc, err := newOrchestrator()
	if err != nil {
		return err
	}
	if err := orc.Escalations().Resolve(args[0], resolvedBy); err != nil {
		return fmt.Errorf("resolve %s: %w", args[0], err)
	}
	fmt.Printf("resolved %s\n", args[0])
	return nil
}

func runEscalationsDismiss(cmd *cobra.Command, args []string) error {
	orc, err := newOrchestrator()
	if err != nil {
		return err
	}
	if err := orc.Escalations().Dismiss(args[0], resolvedBy); err != nil {
		return fmt.Errorf("dismiss %s: %w", args[0], err)
	}
	fmt.Printf("dismissed %s\n", args[0])
	return nil
}
