// Package cmd wires the cobra command tree: a long-running server, a
// manual dispatch trigger, and read-only status/escalation inspectors, all
// sharing one viper-resolved Config.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swarmops/orchestrator/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "swarmops",
	Short: "Pipeline orchestrator for AI coding agent swarms",
	Long: `swarmops turns a project's task graph into coordinated dispatch of
short-lived coding-agent sessions, isolating each agent's changes in git
worktrees and merging phase results through an AI-mediated review loop.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (when unset, only SWARMOPS_ env vars and built-in defaults apply)")
}

// loadConfig resolves the shared Config from --config (or its absence).
// config.Load owns its own viper instance and already layers a config
// file over SWARMOPS_-prefixed environment variables over Default(), so
// there is nothing left for this package's own viper state to contribute.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
