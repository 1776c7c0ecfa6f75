/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// EngagePolicy controls how a joining listener's local player engages.
type EngagePolicy string

const (
	// EngagePrompted waits for explicit user confirmation before the local
	// player starts following room state. Default: avoids autoplay surprises.
	EngagePrompted EngagePolicy = "prompted"

	// EngageAuto engages the local player on first state receipt.
	EngageAuto EngagePolicy = "auto"
)

// Sync holds the drift-correction tunables. The defaults are the empirically
// chosen values from production; none of them is a load-bearing invariant.
type Sync struct {
	// DriftThresholdMS is the minimum difference between a client's reported
	// position and the authoritative position before a correcting seek is
	// broadcast. Smaller drift is tolerated.
	DriftThresholdMS int64 `yaml:"drift_threshold_ms"`

	// InitialSeekMinMS is the minimum authoritative position that triggers a
	// seek during initial load; below it the client just plays from zero.
	InitialSeekMinMS int64 `yaml:"initial_seek_min_ms"`

	// SettleDelayMS is how long to wait after the platform player reports
	// ready before issuing the initial seek.
	SettleDelayMS int64 `yaml:"settle_delay_ms"`

	// GracePeriodMS suppresses outgoing position reports after initial sync
	// and after any seek, to avoid feedback from players that briefly report
	// inaccurate positions.
	GracePeriodMS int64 `yaml:"grace_period_ms"`

	// ReportIntervalMS rate-limits outgoing position reports.
	ReportIntervalMS int64 `yaml:"report_interval_ms"`

	// HistoryLimit bounds a room's play history; oldest entries are evicted.
	HistoryLimit int `yaml:"history_limit"`

	// Engage selects the Observing -> Synced transition policy.
	Engage EngagePolicy `yaml:"engage"`
}

// DefaultSync returns the production defaults.
func DefaultSync() Sync {
	return Sync{
		DriftThresholdMS: 5000,
		InitialSeekMinMS: 1000,
		SettleDelayMS:    500,
		GracePeriodMS:    2000,
		ReportIntervalMS: 1000,
		HistoryLimit:     50,
		Engage:           EngagePrompted,
	}
}

// SettleDelay returns the settle delay as a duration.
func (s Sync) SettleDelay() time.Duration { return time.Duration(s.SettleDelayMS) * time.Millisecond }

// GracePeriod returns the grace period as a duration.
func (s Sync) GracePeriod() time.Duration { return time.Duration(s.GracePeriodMS) * time.Millisecond }

// ReportInterval returns the report interval as a duration.
func (s Sync) ReportInterval() time.Duration {
	return time.Duration(s.ReportIntervalMS) * time.Millisecond
}

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	MetricsBind string

	DBBackend DatabaseBackend
	DBDSN     string

	// Redis cache for short-code and snapshot lookups
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// NATS event relay for multi-instance deployments
	NATSEnabled bool
	NATSURL     string
	InstanceID  string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Track resolver
	ResolverTimeout time.Duration

	// Drift-correction tunables; overridable via a YAML file
	Sync          Sync
	SyncTunesFile string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ROOMSYNC_ENV", "development"),
		HTTPBind:    getEnv("ROOMSYNC_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("ROOMSYNC_HTTP_PORT", 8080),
		MetricsBind: getEnv("ROOMSYNC_METRICS_BIND", "127.0.0.1:9000"),

		DBBackend: DatabaseBackend(getEnv("ROOMSYNC_DB_BACKEND", string(DatabaseSQLite))),
		DBDSN:     getEnv("ROOMSYNC_DB_DSN", "roomsync.db"),

		RedisAddr:     getEnv("ROOMSYNC_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("ROOMSYNC_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("ROOMSYNC_REDIS_DB", 0),

		NATSEnabled: getEnvBool("ROOMSYNC_NATS_ENABLED", false),
		NATSURL:     getEnv("ROOMSYNC_NATS_URL", "nats://localhost:4222"),
		InstanceID:  getEnv("ROOMSYNC_INSTANCE_ID", defaultInstanceID()),

		TracingEnabled:    getEnvBool("ROOMSYNC_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("ROOMSYNC_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("ROOMSYNC_TRACING_SAMPLE_RATE", 1.0),

		ResolverTimeout: time.Duration(getEnvInt("ROOMSYNC_RESOLVER_TIMEOUT_SECONDS", 10)) * time.Second,

		Sync:          DefaultSync(),
		SyncTunesFile: getEnv("ROOMSYNC_SYNC_TUNABLES", ""),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("ROOMSYNC_DB_DSN must be provided")
	}

	if cfg.SyncTunesFile != "" {
		if err := loadSyncTunables(cfg.SyncTunesFile, &cfg.Sync); err != nil {
			return nil, fmt.Errorf("load sync tunables: %w", err)
		}
	}

	if err := validateSync(cfg.Sync); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultInstanceID produces a per-process relay identity. Two instances
// sharing an identity would silently drop each other's relayed events, so
// the fallback must never collide.
func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "roomsync"
	}
	return host + "-" + uuid.NewString()[:8]
}

// loadSyncTunables overlays values from a YAML file onto the defaults.
func loadSyncTunables(path string, sync *Sync) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, sync)
}

func validateSync(s Sync) error {
	if s.DriftThresholdMS <= 0 {
		return fmt.Errorf("drift_threshold_ms must be positive, got %d", s.DriftThresholdMS)
	}
	if s.ReportIntervalMS <= 0 {
		return fmt.Errorf("report_interval_ms must be positive, got %d", s.ReportIntervalMS)
	}
	if s.HistoryLimit < 1 {
		return fmt.Errorf("history_limit must be at least 1, got %d", s.HistoryLimit)
	}
	if s.Engage != EngagePrompted && s.Engage != EngageAuto {
		return fmt.Errorf("unsupported engage policy %q", s.Engage)
	}
	return nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "true" || v == "1" || v == "yes" {
			return true
		}
		if v == "false" || v == "0" || v == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}
