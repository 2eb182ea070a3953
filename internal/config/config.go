// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment
// variables. CLI flags override the fields they shadow.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL       string        `env:"DATABASE_URL,required"`
	DBMaxConns        int32         `env:"DB_MAX_CONNS"          envDefault:"25"`
	DBMaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"extended_protocol"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	// MetricsAddr serves /healthz and /metrics on long-lived worker processes.
	MetricsAddr            string `env:"METRICS_ADDR"             envDefault:":9090"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`
	// QueueMaxAttempts is the delivery ceiling before a queue task goes dead.
	QueueMaxAttempts int `env:"QUEUE_MAX_ATTEMPTS" envDefault:"3"`

	// ── Tuning ───────────────────────────────────────────────────────────────────
	// FinBinary is the external kernel tuning binary invoked per context.
	FinBinary string `env:"FIN_BINARY" envDefault:"fin"`
	// MachineInventory is the YAML file listing tuning machines.
	MachineInventory string `env:"MACHINE_INVENTORY" envDefault:"machines.yaml"`
	// ClaimBatchSize bounds each worker's claim; keep it small enough that
	// competing workers stay busy.
	ClaimBatchSize int `env:"CLAIM_BATCH_SIZE" envDefault:"10"`
	// GPULimit caps eval workers per machine; 0 uses every GPU.
	GPULimit int `env:"GPU_LIMIT" envDefault:"0"`
	// ApplicabilityWorkers bounds concurrent applicability probes.
	ApplicabilityWorkers int `env:"APPLICABILITY_WORKERS" envDefault:"8"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
