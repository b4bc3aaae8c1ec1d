package wal

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type restartData struct {
	Status string `json:"status"`
}

func TestWAL_AppendAndRead(t *testing.T) {
	cfg := Config{Dir: t.TempDir()}

	w, err := Open(cfg)
	require.NoError(t, err)

	require.NoError(t, w.Append(EntryRestartRequested, "cycle-1", "job-a", restartData{Status: "FAILED"}))
	require.NoError(t, w.Append(EntryRestartInitiated, "cycle-1", "job-a", nil))
	require.NoError(t, w.AppendError(EntryRestartFailed, "cycle-1", "job-b", nil, errors.New("HTTP 500")))
	require.NoError(t, w.Close())

	reader, err := NewReader(w.Path())
	require.NoError(t, err)
	defer reader.Close()

	var entries []*Entry
	for {
		e, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		entries = append(entries, e)
	}

	require.Len(t, entries, 3)
	assert.Equal(t, EntryRestartRequested, entries[0].Type)
	assert.Equal(t, int64(1), entries[0].Sequence)
	assert.Equal(t, "cycle-1", entries[0].CycleID)
	assert.JSONEq(t, `{"status":"FAILED"}`, string(entries[0].Data))

	assert.Equal(t, EntryRestartInitiated, entries[1].Type)
	assert.Empty(t, entries[1].Data)

	assert.Equal(t, "job-b", entries[2].JobID)
	assert.Equal(t, "HTTP 500", entries[2].Error)
	assert.Equal(t, int64(3), entries[2].Sequence)
}

func TestWAL_SequenceContinuesAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	writeEntries(t, filepath.Join(dir, "cdcwatch-20240101-000000.wal"),
		`{"sequence":41,"type":"restart_requested","timestamp":"2024-01-01T00:00:00Z"}`,
		`{"sequence":42,"type":"restart_initiated","timestamp":"2024-01-01T00:00:01Z"}`,
	)

	w, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, w.Append(EntryRestartRequested, "c", "j", nil))
	require.NoError(t, w.Close())

	var last int64
	require.NoError(t, Replay(Config{Dir: dir}, time.Time{}, func(e *Entry) error {
		last = e.Sequence
		return nil
	}))
	assert.Equal(t, int64(43), last)
}

func TestOpen_TornFileDoesNotBlockJournal(t *testing.T) {
	dir := t.TempDir()
	writeEntries(t, filepath.Join(dir, "cdcwatch-20240101-000000.wal"),
		`{"sequence":1,"type":"restart_requested","timestamp":"2024-01-01T00:00:00Z"}`,
		`{"sequence":2,"ty`,
	)
	writeEntries(t, filepath.Join(dir, "cdcwatch-20240102-000000.wal"),
		`{"sequence":5,"type":"restart_initiated","timestamp":"2024-01-02T00:00:00Z"}`,
	)

	w, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, w.Append(EntryRestartRequested, "c", "j", nil))
	require.NoError(t, w.Close())

	reader, err := NewReader(w.Path())
	require.NoError(t, err)
	defer reader.Close()

	e, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(6), e.Sequence)

	// replay stays strict about the damaged file
	err = Replay(Config{Dir: dir}, time.Time{}, func(*Entry) error { return nil })
	assert.ErrorIs(t, err, ErrCorruptEntry)
}

func TestReplay_FiltersBySince(t *testing.T) {
	dir := t.TempDir()
	writeEntries(t, filepath.Join(dir, "audit-20240101-000000.wal"),
		`{"sequence":1,"type":"restart_requested","job_id":"old","timestamp":"2024-01-01T00:00:00Z"}`,
	)
	writeEntries(t, filepath.Join(dir, "audit-20240102-000000.wal"),
		`{"sequence":2,"type":"restart_requested","job_id":"new","timestamp":"2024-01-02T00:00:00Z"}`,
	)
	writeEntries(t, filepath.Join(dir, "other-20240102-000000.wal"),
		`{"sequence":9,"type":"restart_requested","job_id":"foreign","timestamp":"2024-01-02T00:00:00Z"}`,
	)

	var jobs []string
	err := Replay(Config{Dir: dir, FilePrefix: "audit"}, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), func(e *Entry) error {
		jobs = append(jobs, e.JobID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, jobs)
}

func TestReplay_CorruptEntry(t *testing.T) {
	dir := t.TempDir()
	writeEntries(t, filepath.Join(dir, "cdcwatch-20240101-000000.wal"), `{"sequence":`)

	err := Replay(Config{Dir: dir}, time.Time{}, func(*Entry) error { return nil })
	assert.Error(t, err)
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	oldFile := filepath.Join(dir, "cdcwatch-20240101-000000.wal")
	newFile := filepath.Join(dir, "cdcwatch-20240301-000000.wal")
	writeEntries(t, oldFile, `{"sequence":1}`)
	writeEntries(t, newFile, `{"sequence":2}`)
	require.NoError(t, os.Chtimes(oldFile, now.AddDate(0, 0, -40), now.AddDate(0, 0, -40)))
	require.NoError(t, os.Chtimes(newFile, now.AddDate(0, 0, -2), now.AddDate(0, 0, -2)))

	stats, err := Cleanup(Config{Dir: dir, RetentionDays: 30}, now)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.FilesRemoved)
	assert.Positive(t, stats.BytesFreed)
	assert.NoFileExists(t, oldFile)
	assert.FileExists(t, newFile)
}

func TestCleanup_ZeroRetentionKeepsEverything(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "cdcwatch-20240101-000000.wal")
	writeEntries(t, file, `{"sequence":1}`)
	old := time.Now().AddDate(-1, 0, 0)
	require.NoError(t, os.Chtimes(file, old, old))

	stats, err := Cleanup(Config{Dir: dir}, time.Now())
	require.NoError(t, err)
	assert.Zero(t, stats.FilesRemoved)
	assert.FileExists(t, file)
}

func TestWAL_CleanupKeepsActiveFile(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir, RetentionDays: 1})
	require.NoError(t, err)
	defer w.Close()

	old := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(w.Path(), old, old))

	stats, err := w.Cleanup(time.Now())
	require.NoError(t, err)
	assert.Zero(t, stats.FilesRemoved)
	assert.FileExists(t, w.Path())
}

func writeEntries(t *testing.T, path string, lines ...string) {
	t.Helper()
	var data []byte
	for _, l := range lines {
		data = append(data, l...)
		data = append(data, '\n')
	}
	require.NoError(t, os.WriteFile(path, data, 0644))
}
