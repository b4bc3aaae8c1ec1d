// Package config handles YAML configuration for cdcwatch.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/cdcwatch/types"
)

// Environment variables that override file values
const (
	EnvPostgresPassword = "CDCWATCH_PG_PASSWORD"
	EnvFlinkURL         = "CDCWATCH_FLINK_URL"
	EnvOTLPEndpoint     = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Config is the root configuration structure.
type Config struct {
	Pipeline    string                `yaml:"pipeline"`
	Postgres    PostgresConfig        `yaml:"postgres"`
	Flink       FlinkConfig           `yaml:"flink"`
	Source      SourceConfig          `yaml:"source"`
	Lag         LagConfig             `yaml:"lag"`
	Consistency ConsistencyConfig     `yaml:"consistency"`
	Reconciler  ReconcilerConfig      `yaml:"reconciler"`
	Timeouts    TimeoutsConfig        `yaml:"timeouts"`
	Steps       map[string]StepConfig `yaml:"steps"`
	Schedule    ScheduleConfig        `yaml:"schedule"`
	Storage     StorageConfig         `yaml:"storage"`
	WAL         WALConfig             `yaml:"wal"`
	Telemetry   TelemetryConfig       `yaml:"telemetry"`
	Log         LogConfig             `yaml:"log"`
}

// PostgresConfig holds source database connection settings.
type PostgresConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Database          string        `yaml:"database"`
	User              string        `yaml:"user"`
	Password          string        `yaml:"password"`
	SSLMode           string        `yaml:"sslmode"`
	ConnectTimeoutStr string        `yaml:"connect_timeout"`
	ConnectTimeout    time.Duration `yaml:"-"`
}

// FlinkConfig holds job manager settings.
type FlinkConfig struct {
	BaseURL string `yaml:"base_url"`
}

// SourceConfig holds source health probe settings.
type SourceConfig struct {
	Table   string `yaml:"table"`
	MinRows int64  `yaml:"min_rows"`
}

// LagConfig holds replication slot monitor settings.
type LagConfig struct {
	SlotName    string `yaml:"slot_name"`
	MaxLagBytes int64  `yaml:"max_lag_bytes"`
}

// AggregateConfig names one aggregate column of the consistency query.
type AggregateConfig struct {
	Name   string `yaml:"name"`
	Func   string `yaml:"func"`
	Column string `yaml:"column"`
}

// ConsistencyConfig holds consistency gate settings.
type ConsistencyConfig struct {
	Table      string            `yaml:"table"`
	Aggregates []AggregateConfig `yaml:"aggregates"`
	PolicyFile string            `yaml:"policy_file"`
}

// ReconcilerConfig holds restart reconciler settings.
type ReconcilerConfig struct {
	// MaxRestartsPerJob of 0 disables the restart budget
	MaxRestartsPerJob int           `yaml:"max_restarts_per_job"`
	BudgetWindowStr   string        `yaml:"budget_window"`
	BudgetWindow      time.Duration `yaml:"-"`
}

// TimeoutsConfig bounds every blocking call.
type TimeoutsConfig struct {
	CallStr string        `yaml:"call"`
	Call    time.Duration `yaml:"-"`
}

// StepConfig overrides per-step behaviour.
type StepConfig struct {
	Hard *bool `yaml:"hard"`
}

// ScheduleConfig holds daemon schedule settings.
type ScheduleConfig struct {
	IntervalStr string        `yaml:"interval"`
	Interval    time.Duration `yaml:"-"`
}

// StorageConfig holds cycle report history settings.
type StorageConfig struct {
	Path        string `yaml:"path"`
	KeepReports int    `yaml:"keep_reports"`
}

// WALConfig holds restart journal settings.
type WALConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// TelemetryConfig holds metrics and tracing settings.
type TelemetryConfig struct {
	MetricsAddr  string `yaml:"metrics_addr"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

var aggregateFuncs = map[string]bool{
	"min": true,
	"max": true,
	"avg": true,
	"sum": true,
}

// Load reads and parses a YAML config file. An empty path yields defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	return finish(cfg)
}

// Parse builds a config from raw YAML.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	applyDefaults(cfg)
	applyEnv(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Pipeline == "" {
		cfg.Pipeline = "cdc_data_lakehouse_pipeline"
	}
	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "prefer"
	}
	if cfg.Postgres.ConnectTimeoutStr == "" {
		cfg.Postgres.ConnectTimeoutStr = "10s"
	}
	if cfg.Flink.BaseURL == "" {
		cfg.Flink.BaseURL = "http://localhost:8081"
	}
	if cfg.Source.Table == "" {
		cfg.Source.Table = "public.demographics"
	}
	if cfg.Lag.SlotName == "" {
		cfg.Lag.SlotName = "flink_slot"
	}
	if cfg.Consistency.Table == "" {
		cfg.Consistency.Table = cfg.Source.Table
	}
	if len(cfg.Consistency.Aggregates) == 0 {
		cfg.Consistency.Aggregates = []AggregateConfig{
			{Name: "max_age", Func: "max", Column: "median_age"},
			{Name: "min_age", Func: "min", Column: "median_age"},
			{Name: "avg_population", Func: "avg", Column: "total_population"},
		}
	}
	if cfg.Reconciler.BudgetWindowStr == "" {
		cfg.Reconciler.BudgetWindowStr = "6h"
	}
	if cfg.Timeouts.CallStr == "" {
		cfg.Timeouts.CallStr = "30s"
	}
	if cfg.Schedule.IntervalStr == "" {
		cfg.Schedule.IntervalStr = "1h"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./cdcwatch.db"
	}
	if cfg.Storage.KeepReports == 0 {
		cfg.Storage.KeepReports = 500
	}
	if cfg.WAL.Dir == "" {
		cfg.WAL.Dir = "./wal"
	}
	if cfg.WAL.RetentionDays == 0 {
		cfg.WAL.RetentionDays = 30
	}
	if cfg.Telemetry.MetricsAddr == "" {
		cfg.Telemetry.MetricsAddr = ":2112"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "cdcwatch"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv(EnvPostgresPassword); ok {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv(EnvFlinkURL); v != "" {
		cfg.Flink.BaseURL = v
	}
	if cfg.Telemetry.OTLPEndpoint == "" {
		cfg.Telemetry.OTLPEndpoint = os.Getenv(EnvOTLPEndpoint)
	}
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"postgres.connect_timeout", cfg.Postgres.ConnectTimeoutStr, &cfg.Postgres.ConnectTimeout},
		{"reconciler.budget_window", cfg.Reconciler.BudgetWindowStr, &cfg.Reconciler.BudgetWindow},
		{"timeouts.call", cfg.Timeouts.CallStr, &cfg.Timeouts.Call},
		{"schedule.interval", cfg.Schedule.IntervalStr, &cfg.Schedule.Interval},
	}

	for _, f := range fields {
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if c.Postgres.Database == "" {
		return fmt.Errorf("postgres: database required")
	}
	if c.Postgres.User == "" {
		return fmt.Errorf("postgres: user required")
	}
	if c.Postgres.Port < 1 || c.Postgres.Port > 65535 {
		return fmt.Errorf("postgres: port out of range (got %d)", c.Postgres.Port)
	}
	if !strings.HasPrefix(c.Flink.BaseURL, "http://") && !strings.HasPrefix(c.Flink.BaseURL, "https://") {
		return fmt.Errorf("flink: base_url must be an http(s) URL (got %q)", c.Flink.BaseURL)
	}
	if err := validateTable("source.table", c.Source.Table); err != nil {
		return err
	}
	if err := validateTable("consistency.table", c.Consistency.Table); err != nil {
		return err
	}
	if err := c.validateAggregates(); err != nil {
		return err
	}
	if c.Reconciler.MaxRestartsPerJob < 0 {
		return fmt.Errorf("reconciler: max_restarts_per_job must be >= 0")
	}
	if c.Reconciler.MaxRestartsPerJob > 0 && c.Reconciler.BudgetWindow <= 0 {
		return fmt.Errorf("reconciler: budget_window must be positive when max_restarts_per_job is set")
	}
	if c.Timeouts.Call <= 0 {
		return fmt.Errorf("timeouts: call must be positive")
	}
	if c.Schedule.Interval <= 0 {
		return fmt.Errorf("schedule: interval must be positive")
	}
	for name := range c.Steps {
		if !knownStep(name) {
			return fmt.Errorf("steps: unknown step %q", name)
		}
	}
	return nil
}

func (c *Config) validateAggregates() error {
	seen := make(map[string]bool)
	for i, agg := range c.Consistency.Aggregates {
		if agg.Name == "" || agg.Column == "" {
			return fmt.Errorf("consistency: aggregate %d needs name and column", i)
		}
		if !aggregateFuncs[strings.ToLower(agg.Func)] {
			return fmt.Errorf("consistency: aggregate %q has unsupported func %q", agg.Name, agg.Func)
		}
		if seen[agg.Name] {
			return fmt.Errorf("consistency: duplicate aggregate name %q", agg.Name)
		}
		seen[agg.Name] = true
	}
	return nil
}

func validateTable(field, table string) error {
	for _, part := range strings.Split(table, ".") {
		if strings.TrimSpace(part) == "" {
			return fmt.Errorf("%s: invalid table name %q", field, table)
		}
	}
	return nil
}

func knownStep(name string) bool {
	for _, s := range types.StepOrder {
		if s == name {
			return true
		}
	}
	return false
}

// HardOverrides returns the steps whose classification was set explicitly.
func (c *Config) HardOverrides() map[string]bool {
	out := make(map[string]bool)
	for name, sc := range c.Steps {
		if sc.Hard != nil {
			out[name] = *sc.Hard
		}
	}
	return out
}

// ConnString renders the postgres settings as a keyword/value connection string.
func (p PostgresConfig) ConnString() string {
	parts := []string{
		"host=" + quoteConnValue(p.Host),
		"port=" + strconv.Itoa(p.Port),
		"dbname=" + quoteConnValue(p.Database),
		"user=" + quoteConnValue(p.User),
		"sslmode=" + quoteConnValue(p.SSLMode),
	}
	if p.Password != "" {
		parts = append(parts, "password="+quoteConnValue(p.Password))
	}
	if p.ConnectTimeout > 0 {
		secs := int(p.ConnectTimeout / time.Second)
		if secs < 1 {
			secs = 1
		}
		parts = append(parts, "connect_timeout="+strconv.Itoa(secs))
	}
	return strings.Join(parts, " ")
}

func quoteConnValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
