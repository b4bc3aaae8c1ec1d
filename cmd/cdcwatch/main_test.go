package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cdcwatch/internal/config"
	"github.com/yairfalse/cdcwatch/pipeline"
	"github.com/yairfalse/cdcwatch/source"
	"github.com/yairfalse/cdcwatch/telemetry"
	"github.com/yairfalse/cdcwatch/types"
	"github.com/yairfalse/cdcwatch/wal"
)

type refusedDialer struct{}

func (refusedDialer) Dial(context.Context) (source.Conn, error) {
	return nil, errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
}

func writeConfig(t *testing.T, flinkURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cdcwatch.yaml")
	body := fmt.Sprintf(`pipeline: demographics
postgres:
  database: demographics
  user: admin
flink:
  base_url: %s
reconciler:
  max_restarts_per_job: 3
storage:
  path: %s
wal:
  dir: %s
telemetry:
  metrics_addr: 127.0.0.1:0
timeouts:
  call: 2s
`, flinkURL, filepath.Join(dir, "history.db"), filepath.Join(dir, "wal"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func useConfig(t *testing.T, path string) *config.Config {
	t.Helper()
	prev := configPath
	configPath = path
	t.Cleanup(func() {
		configPath = prev
		telemetry.ConfigureLogging(telemetry.LogConfig{Level: "info", Output: os.Stdout})
	})

	cfg, err := loadConfig()
	require.NoError(t, err)
	return cfg
}

func flinkServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jobs":[{"id":"x","status":"FAILED"}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLoadConfig(t *testing.T) {
	cfg := useConfig(t, writeConfig(t, "http://localhost:8081"))
	assert.Equal(t, "demographics", cfg.Pipeline)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Call)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("flink:\n  base_url: localhost\n"), 0600))

	prev := configPath
	configPath = path
	t.Cleanup(func() { configPath = prev })

	_, err := loadConfig()
	assert.ErrorContains(t, err, "invalid config")
}

func TestRunCycle_HardFailureRecorded(t *testing.T) {
	cfg := useConfig(t, writeConfig(t, flinkServer(t).URL))
	ctx := context.Background()

	a, err := newApp(ctx, cfg, false, pipeline.Options{Dialer: refusedDialer{}, Logger: telemetry.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	var out bytes.Buffer
	err = runCycle(ctx, a, &out)
	require.Error(t, err)
	assert.Equal(t, types.KindConnection, types.KindOf(err))

	var printed types.CycleReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	assert.Equal(t, types.StatusFailed, printed.Status)
	assert.Equal(t, types.StepSourceHealth, printed.HaltedAt)

	stored, err := a.store.Get(printed.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, stored.Status)

	require.NoError(t, a.journal.Close())
	var entries []*wal.Entry
	require.NoError(t, wal.Replay(a.walConfig(), time.Time{}, func(e *wal.Entry) error {
		entries = append(entries, e)
		return nil
	}))
	require.Len(t, entries, 1)
	assert.Equal(t, wal.EntryCycleCompleted, entries[0].Type)
	assert.Equal(t, printed.ID, entries[0].CycleID)
}

func TestNewApp_OneShotHasNoBudget(t *testing.T) {
	cfg := useConfig(t, writeConfig(t, flinkServer(t).URL))
	ctx := context.Background()

	a, err := newApp(ctx, cfg, false, pipeline.Options{Dialer: refusedDialer{}, Logger: telemetry.Nop()})
	require.NoError(t, err)
	defer func() { _ = a.Close(ctx) }()
	assert.Nil(t, a.pipeline.Budget)
}

func TestNewDaemon_Wiring(t *testing.T) {
	cfg := useConfig(t, writeConfig(t, flinkServer(t).URL))
	ctx := context.Background()

	a, err := newApp(ctx, cfg, true, pipeline.Options{Dialer: refusedDialer{}, Logger: telemetry.Nop()})
	require.NoError(t, err)
	defer func() { _ = a.Close(ctx) }()
	require.NotNil(t, a.pipeline.Budget)

	d, err := newDaemon(a, false)
	require.NoError(t, err)
	assert.Equal(t, "demographics", d.Health().Pipeline)

	// every maintenance task succeeds on a fresh install
	d.RunTasks(ctx)
}

func TestPrintHistory(t *testing.T) {
	cfg := useConfig(t, writeConfig(t, flinkServer(t).URL))
	ctx := context.Background()

	a, err := newApp(ctx, cfg, false, pipeline.Options{Dialer: refusedDialer{}, Logger: telemetry.Nop()})
	require.NoError(t, err)
	defer func() { _ = a.Close(ctx) }()

	var out bytes.Buffer
	require.NoError(t, printReports(&out, a.store, 10))
	assert.Equal(t, "no cycles recorded\n", out.String())

	report := a.pipeline.Orchestrator.RunCycle(ctx)

	out.Reset()
	require.NoError(t, printReports(&out, a.store, 10))
	assert.Contains(t, out.String(), report.ID)
	assert.Contains(t, out.String(), types.StepSourceHealth)

	out.Reset()
	require.NoError(t, printJob(&out, a.store, "x"))
	assert.Equal(t, "no restarts recorded for job x\n", out.String())
}

func TestPrintRestarts(t *testing.T) {
	cfg := wal.Config{Dir: t.TempDir()}
	w, err := wal.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, w.Append(wal.EntryRestartInitiated, "cycle-1", "job-a", nil))
	require.NoError(t, w.AppendError(wal.EntryRestartFailed, "cycle-1", "job-b", nil, errors.New("500")))
	require.NoError(t, w.Append(wal.EntryCycleCompleted, "cycle-1", "", nil))
	require.NoError(t, w.Close())

	var out bytes.Buffer
	require.NoError(t, printRestarts(&out, cfg, time.Now().Add(-time.Hour)))
	assert.Contains(t, out.String(), "job-a")
	assert.Contains(t, out.String(), "restart_failed")
	assert.NotContains(t, out.String(), string(wal.EntryCycleCompleted))

	out.Reset()
	require.NoError(t, printRestarts(&out, cfg, time.Now().Add(time.Hour)))
	assert.Contains(t, out.String(), "no restart actions since")
}
