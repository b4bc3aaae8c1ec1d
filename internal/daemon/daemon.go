// Package daemon runs reconciliation cycles on a schedule
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/run"

	"github.com/yairfalse/cdcwatch/telemetry"
	"github.com/yairfalse/cdcwatch/types"
)

const shutdownTimeout = 10 * time.Second

// Cycler runs one reconciliation cycle
type Cycler interface {
	RunCycle(ctx context.Context) *types.CycleReport
}

// Config holds daemon configuration
type Config struct {
	Pipeline string
	Interval time.Duration
	// MetricsAddr is the listen address for /metrics and health
	// endpoints. Empty disables the server.
	MetricsAddr    string
	MetricsHandler http.Handler
	// RunOnStart runs a cycle immediately instead of waiting one interval
	RunOnStart bool
	// MaintenanceInterval is how often maintenance tasks run, 1h if zero
	MaintenanceInterval time.Duration
}

// Task is a periodic housekeeping job such as journal cleanup
type Task struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Option configures a Daemon
type Option func(*Daemon)

// WithMetrics records skipped ticks
func WithMetrics(m *telemetry.CycleMetrics) Option {
	return func(d *Daemon) {
		d.metrics = m
	}
}

// WithLogger sets the logger
func WithLogger(l *telemetry.Logger) Option {
	return func(d *Daemon) {
		d.logger = l
	}
}

// WithTask registers a maintenance task
func WithTask(name string, fn func(ctx context.Context) error) Option {
	return func(d *Daemon) {
		d.tasks = append(d.tasks, Task{Name: name, Fn: fn})
	}
}

// WithSignals makes Start return on SIGINT or SIGTERM
func WithSignals() Option {
	return func(d *Daemon) {
		d.signals = true
	}
}

// Daemon manages continuous reconciliation. At most one cycle runs at a
// time; a tick that arrives while a cycle is in flight is skipped.
type Daemon struct {
	cfg     Config
	cycler  Cycler
	metrics *telemetry.CycleMetrics
	logger  *telemetry.Logger
	tasks   []Task
	signals bool

	running  sync.Mutex
	inflight sync.WaitGroup

	startTime  time.Time
	cycleCount atomic.Int64
	skipCount  atomic.Int64
	lastReport atomic.Pointer[types.CycleReport]
	ready      atomic.Bool
	port       atomic.Int64
}

// NewDaemon creates a new daemon instance
func NewDaemon(cfg Config, cycler Cycler, opts ...Option) (*Daemon, error) {
	if cycler == nil {
		return nil, fmt.Errorf("daemon needs a cycler")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive (got %s)", cfg.Interval)
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = time.Hour
	}

	d := &Daemon{
		cfg:       cfg,
		cycler:    cycler,
		logger:    telemetry.NewLogger("daemon"),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start runs the schedule until ctx is done or a signal arrives. It waits
// for an in-flight cycle to observe cancellation before returning.
func (d *Daemon) Start(ctx context.Context) error {
	var g run.Group

	if d.cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", d.cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", d.cfg.MetricsAddr, err)
		}
		if addr, ok := ln.Addr().(*net.TCPAddr); ok {
			d.port.Store(int64(addr.Port))
		}

		srv := &http.Server{
			Handler:           d.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Add(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	{
		loopCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			d.schedule(loopCtx)
			return loopCtx.Err()
		}, func(error) {
			cancel()
		})
	}

	if len(d.tasks) > 0 {
		taskCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			d.maintain(taskCtx)
			return taskCtx.Err()
		}, func(error) {
			cancel()
		})
	}

	if d.signals {
		g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	}

	d.ready.Store(true)
	d.logger.Info().
		Str("pipeline", d.cfg.Pipeline).
		Dur("interval", d.cfg.Interval).
		Str("metrics_addr", d.cfg.MetricsAddr).
		Int("tasks", len(d.tasks)).
		Msg("daemon started")

	err := g.Run()
	d.ready.Store(false)
	d.inflight.Wait()

	var sig run.SignalError
	switch {
	case errors.As(err, &sig):
		d.logger.Info().Str("signal", sig.Signal.String()).Msg("daemon stopping")
		return nil
	case err == nil, errors.Is(err, context.Canceled):
		d.logger.Info().Msg("daemon stopping")
		return nil
	default:
		return err
	}
}

func (d *Daemon) schedule(ctx context.Context) {
	if d.cfg.RunOnStart {
		d.tick(ctx)
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick starts a cycle unless one is still running
func (d *Daemon) tick(ctx context.Context) {
	if !d.running.TryLock() {
		d.skipCount.Add(1)
		if d.metrics != nil {
			d.metrics.RecordSkippedTick(ctx, d.cfg.Pipeline)
		}
		d.logger.Warn().Str("pipeline", d.cfg.Pipeline).Msg("previous cycle still running, tick skipped")
		return
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer d.running.Unlock()

		report := d.cycler.RunCycle(ctx)
		d.cycleCount.Add(1)
		d.lastReport.Store(report)
	}()
}

func (d *Daemon) maintain(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunTasks(ctx)
		}
	}
}

// RunTasks runs every maintenance task once. Failures are logged.
func (d *Daemon) RunTasks(ctx context.Context) {
	for _, task := range d.tasks {
		if err := task.Fn(ctx); err != nil {
			d.logger.Error().Err(err).Str("task", task.Name).Msg("maintenance task failed")
			continue
		}
		d.logger.Debug().Str("task", task.Name).Msg("maintenance task finished")
	}
}

func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	if d.cfg.MetricsHandler != nil {
		mux.Handle("/metrics", d.cfg.MetricsHandler)
	}
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !d.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(d.Health())
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status       string     `json:"status"`
	Pipeline     string     `json:"pipeline"`
	Uptime       int64      `json:"uptime_seconds"`
	Cycles       int64      `json:"cycles"`
	SkippedTicks int64      `json:"skipped_ticks"`
	LastCycle    *LastCycle `json:"last_cycle,omitempty"`
}

// LastCycle summarises the most recent report
type LastCycle struct {
	ID         string       `json:"id"`
	Status     types.Status `json:"status"`
	HaltedAt   string       `json:"halted_at,omitempty"`
	FinishedAt time.Time    `json:"finished_at"`
	Warnings   int          `json:"warnings"`
}

// Health returns daemon health status. The daemon is "degraded" while the
// last cycle failed.
func (d *Daemon) Health() HealthStatus {
	h := HealthStatus{
		Status:       "healthy",
		Pipeline:     d.cfg.Pipeline,
		Uptime:       int64(time.Since(d.startTime).Seconds()),
		Cycles:       d.cycleCount.Load(),
		SkippedTicks: d.skipCount.Load(),
	}
	if r := d.lastReport.Load(); r != nil {
		h.LastCycle = &LastCycle{
			ID:         r.ID,
			Status:     r.Status,
			HaltedAt:   r.HaltedAt,
			FinishedAt: r.FinishedAt,
			Warnings:   len(r.Warnings()),
		}
		if r.Status == types.StatusFailed {
			h.Status = "degraded"
		}
	}
	return h
}

// CycleCount returns total cycles run
func (d *Daemon) CycleCount() int64 {
	return d.cycleCount.Load()
}

// SkippedTicks returns ticks dropped because a cycle was still running
func (d *Daemon) SkippedTicks() int64 {
	return d.skipCount.Load()
}

// MetricsPort returns the bound port, 0 before Start or when disabled
func (d *Daemon) MetricsPort() int {
	return int(d.port.Load())
}
