package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONLinesToDataRoot(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir, LevelInfo)
	require.NoError(t, err)
	defer logger.Close()

	logger.Info("run started", "run_id", "r1")
	require.NoError(t, logger.Close())

	data, err := readLogFile(filepath.Join(dir, "orchestrator.log"))
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(data, &line))
	require.Equal(t, "run started", line["msg"])
	require.Equal(t, "r1", line["run_id"])
}

func TestWithRunPersistsAcrossCalls(t *testing.T) {
	var buf bytes.Buffer
	base := &Logger{logger: slog.New(slog.NewJSONHandler(&buf, nil)), mu: &sync.Mutex{}}

	child := base.WithRun("r1").WithPhase(2)
	child.Info("phase dispatched")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "r1", line["run_id"])
	require.Equal(t, float64(2), line["phase"])
}

func TestNopDiscardsOutput(t *testing.T) {
	logger := Nop()
	require.NotPanics(t, func() {
		logger.Debug("ignored")
		logger.Warn("ignored")
		logger.Error("ignored")
	})
	require.NoError(t, logger.Close())
}

func TestValidLevelsCoversAllConstants(t *testing.T) {
	levels := ValidLevels()
	require.Contains(t, levels, LevelDebug)
	require.Contains(t, levels, LevelInfo)
	require.Contains(t, levels, LevelWarn)
	require.Contains(t, levels, LevelError)
}

func readLogFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(string(b), "\n")), nil
}
