package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteReadJSONAtomicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "widget.json")

	require.NoError(t, WriteJSONAtomic(path, widget{Name: "gear", Count: 3}))

	var got widget
	require.NoError(t, ReadJSON(path, &got))
	require.Equal(t, widget{Name: "gear", Count: 3}, got)
}

func TestReadJSONMissingFileReturnsErrNotFound(t *testing.T) {
	dir := t.TempDir()
	var got widget
	err := ReadJSON(filepath.Join(dir, "missing.json"), &got)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWriteJSONAtomicLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "widget.json")
	require.NoError(t, WriteJSONAtomic(path, widget{Name: "a"}))

	entries, err := filepathGlob(dir)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"widget.json"}, entries)
}

func filepathGlob(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	return names, nil
}

func TestWriteFileAtomicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "progress.md")

	require.NoError(t, WriteFileAtomic(path, []byte("- [ ] a @id(x)\n")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "- [ ] a @id(x)\n", string(got))
}

func TestWriteFileAtomicLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "progress.md")
	require.NoError(t, WriteFileAtomic(path, []byte("hello")))

	entries, err := filepathGlob(dir)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"progress.md"}, entries)
}

func TestWriteFileAtomicOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "progress.md")
	require.NoError(t, WriteFileAtomic(path, []byte("first")))
	require.NoError(t, WriteFileAtomic(path, []byte("second")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "second", string(got))
}

func TestAppendJSONLAndFold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")

	require.NoError(t, AppendJSONL(path, widget{Name: "a", Count: 1}))
	require.NoError(t, AppendJSONL(path, widget{Name: "b", Count: 2}))

	var got []widget
	err := ReadJSONLFold(path, func(line []byte) error {
		var w widget
		if err := json.Unmarshal(line, &w); err != nil {
			return err
		}
		got = append(got, w)
		return nil
	}, nil)
	require.NoError(t, err)
	require.Equal(t, []widget{{Name: "a", Count: 1}, {Name: "b", Count: 2}}, got)
}

func TestReadJSONLFoldToleratesBadLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")
	require.NoError(t, AppendJSONL(path, widget{Name: "a"}))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var warnings int
	var got []widget
	err = ReadJSONLFold(path, func(line []byte) error {
		var w widget
		if err := json.Unmarshal(line, &w); err != nil {
			return err
		}
		got = append(got, w)
		return nil
	}, func(err error) { warnings++ })
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 1, warnings)
}

func TestReadJSONLFoldMissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	var got []widget
	err := ReadJSONLFold(filepath.Join(dir, "missing.jsonl"), func(line []byte) error {
		var w widget
		got = append(got, w)
		return json.Unmarshal(line, &w)
	}, nil)
	require.NoError(t, err)
	require.Empty(t, got)
}
