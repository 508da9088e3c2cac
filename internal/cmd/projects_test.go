package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmops/orchestrator/internal/config"
)

func TestDiscoverProjectsFindsOnlyDirsWithProgressDoc(t *testing.T) {
	root := t.TempDir()

	withDoc := filepath.Join(root, "alpha")
	require.NoError(t, os.MkdirAll(withDoc, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(withDoc, "progress.md"), []byte("## Phase 1\n"), 0o644))

	withoutDoc := filepath.Join(root, "beta")
	require.NoError(t, os.MkdirAll(withoutDoc, 0o755))

	cfg := config.Default()
	cfg.Data.ProjectsRoot = root
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 9999

	projects, err := discoverProjects(cfg)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	require.Equal(t, "alpha", projects[0].Name)
	require.Equal(t, withDoc, projects[0].Dir)
	require.Equal(t, withDoc, projects[0].RepoDir)
	require.Equal(t, "main", projects[0].BaseBranch)
	require.Equal(t, "http://localhost:9999", projects[0].WebhookBase)
}

func TestDiscoverProjectsMissingRootIsEmpty(t *testing.T) {
	cfg := config.Default()
	cfg.Data.ProjectsRoot = filepath.Join(t.TempDir(), "does-not-exist")

	projects, err := discoverProjects(cfg)
	require.NoError(t, err)
	require.Empty(t, projects)
}

func TestWebhookBaseURLPrefersExplicitHost(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Host = "example.internal"
	cfg.Server.Port = 8080
	require.Equal(t, "http://example.internal:8080", webhookBaseURL(cfg))
}
