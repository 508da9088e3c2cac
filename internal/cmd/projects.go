package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/swarmops/orchestrator/internal/config"
	"github.com/swarmops/orchestrator/internal/orchestrator"
)

// discoverProjects scans cfg.Data.ProjectsRoot for subdirectories that look
// like a project (they carry a progress.md) and returns a ProjectConfig for
// each one, using the project's own directory as both working dir and repo
// dir. A project's
// webhook base is this process's own server address, since the gateway's
// callbacks land back on the same HTTP server that dispatched the worker.
func discoverProjects(cfg *config.Config) ([]orchestrator.ProjectConfig, error) {
	root, err := config.ResolveDataPath(cfg.Data.ProjectsRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve projects root: %w", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read projects root %s: %w", root, err)
	}

	webhookBase := webhookBaseURL(cfg)

	var projects []orchestrator.ProjectConfig
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, "progress.md")); err != nil {
			continue
		}
		projects = append(projects, orchestrator.ProjectConfig{
			Name:        e.Name(),
			Dir:         dir,
			RepoDir:     dir,
			BaseBranch:  "main",
			WebhookBase: webhookBase,
		})
	}
	return projects, nil
}

func webhookBaseURL(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "0.0.0.0" || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}
