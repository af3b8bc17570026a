// Package config holds the worker configuration. Defaults match production
// values; a YAML file and environment variables can override individual knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config enumerates every tunable of the worker. All durations are parsed
	// from Go duration strings in YAML ("5s", "1h") and from seconds when set
	// through the *_SECONDS environment variables.
	Config struct {
		// WorkerID identifies this worker in ownership records. Empty means a
		// generated id (hostname + random suffix) chosen at startup.
		WorkerID string `yaml:"worker_id"`

		// RedisAddr and RedisPassword configure the broker connection.
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`

		// PostgresURL configures the authoritative relational store.
		PostgresURL string `yaml:"postgres_url"`

		// AdminAddr is the operator HTTP listen address.
		AdminAddr string `yaml:"admin_addr"`

		// LocalMode bypasses billing reservation during preparation.
		LocalMode bool `yaml:"local_mode"`

		MaxMessages      int `yaml:"max_messages"`
		MaxToolResults   int `yaml:"max_tool_results"`
		MaxPendingWrites int `yaml:"max_pending_writes"`
		MaxSteps         int `yaml:"max_steps"`

		MaxDuration       time.Duration `yaml:"max_duration"`
		FlushInterval     time.Duration `yaml:"flush_interval"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		RecoveryInterval  time.Duration `yaml:"recovery_interval"`
		HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
		ClaimTTL          time.Duration `yaml:"claim_ttl"`
		OrphanThreshold   time.Duration `yaml:"orphan_threshold"`
		StuckRunThreshold time.Duration `yaml:"stuck_run_threshold"`
		ShutdownBudget    time.Duration `yaml:"shutdown_budget"`
		TaskCancelTimeout time.Duration `yaml:"task_cancel_timeout"`

		MaxThreadLocks   int `yaml:"max_thread_locks"`
		MaxFlushTasks    int `yaml:"max_flush_tasks"`
		MaxContentLength int `yaml:"max_content_length"`

		// BatchSize and MaxConcurrentPersists bound the flusher; BatchSize is a
		// baseline that backpressure tunes downward under load.
		BatchSize            int `yaml:"batch_size"`
		MaxConcurrentPersists int `yaml:"max_concurrent_persists"`
		MaxRetries           int `yaml:"max_retries"`

		// WALStreamMaxLen caps each per-run WAL stream; WALStreamTTL expires idle
		// streams. DLQ settings bound the dead-letter stream.
		WALStreamMaxLen int           `yaml:"wal_stream_maxlen"`
		WALStreamTTL    time.Duration `yaml:"wal_stream_ttl"`
		DLQMaxLen       int           `yaml:"dlq_maxlen"`
		DLQTTL          time.Duration `yaml:"dlq_ttl"`

		// OutputStreamMaxLen caps the client-facing per-run event stream.
		OutputStreamMaxLen int `yaml:"output_stream_maxlen"`

		// InputStream is the name of the run request stream consumed by the
		// dispatcher; InputGroup the consumer-group name shared by the fleet.
		InputStream string `yaml:"input_stream"`
		InputGroup  string `yaml:"input_group"`

		PendingWritesWarning  int           `yaml:"pending_writes_warning"`
		FlushLatencyWarning   time.Duration `yaml:"flush_latency_warning"`
		ActiveRunsWarning     int           `yaml:"active_runs_warning"`

		// IdempotencyTTL bounds the per-step exactly-once markers.
		IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`

		// MessageFetchTimeout and BillingTimeout budget the preparation prechecks.
		MessageFetchTimeout time.Duration `yaml:"message_fetch_timeout"`
		BillingTimeout      time.Duration `yaml:"billing_timeout"`

		// LLMTimeout caps a single streamed model call.
		LLMTimeout time.Duration `yaml:"llm_timeout"`

		// ErrorRetryCount caps in-turn retries of transient LLM failures.
		ErrorRetryCount int `yaml:"error_retry_count"`

		// NativeMaxAutoContinues caps text-only continuation turns when the agent
		// config does not set its own limit.
		NativeMaxAutoContinues int `yaml:"native_max_auto_continues"`
	}
)

// Default returns the production configuration.
func Default() Config {
	return Config{
		RedisAddr:             "localhost:6379",
		AdminAddr:             ":8110",
		MaxMessages:           50,
		MaxToolResults:        20,
		MaxPendingWrites:      100,
		MaxSteps:              100,
		MaxDuration:           3600 * time.Second,
		FlushInterval:         5 * time.Second,
		HeartbeatInterval:     15 * time.Second,
		RecoveryInterval:      60 * time.Second,
		HeartbeatTTL:          45 * time.Second,
		ClaimTTL:              3600 * time.Second,
		OrphanThreshold:       90 * time.Second,
		StuckRunThreshold:     7200 * time.Second,
		ShutdownBudget:        25 * time.Second,
		TaskCancelTimeout:     2 * time.Second,
		MaxThreadLocks:        100,
		MaxFlushTasks:         10,
		MaxContentLength:      100000,
		BatchSize:             50,
		MaxConcurrentPersists: 20,
		MaxRetries:            3,
		WALStreamMaxLen:       1000,
		WALStreamTTL:          time.Hour,
		DLQMaxLen:             10000,
		DLQTTL:                7 * 24 * time.Hour,
		OutputStreamMaxLen:    200,
		InputStream:           "agent_runs:requests",
		InputGroup:            "workers",
		PendingWritesWarning:  80,
		FlushLatencyWarning:   10 * time.Second,
		ActiveRunsWarning:     1000,
		IdempotencyTTL:        time.Hour,
		MessageFetchTimeout:   10 * time.Second,
		BillingTimeout:        3 * time.Second,
		LLMTimeout:            300 * time.Second,
		ErrorRetryCount:       3,
		NativeMaxAutoContinues: 25,
	}
}

// Load reads the YAML file at path over the defaults, then applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would deadlock or disable core loops.
func (c Config) Validate() error {
	if c.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be positive, got %d", c.MaxSteps)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive, got %s", c.FlushInterval)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTTL <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat_ttl (%s) must exceed heartbeat_interval (%s)", c.HeartbeatTTL, c.HeartbeatInterval)
	}
	if c.OrphanThreshold < c.HeartbeatTTL {
		return fmt.Errorf("orphan_threshold (%s) must be at least heartbeat_ttl (%s)", c.OrphanThreshold, c.HeartbeatTTL)
	}
	if c.MaxConcurrentPersists <= 0 {
		return fmt.Errorf("max_concurrent_persists must be positive, got %d", c.MaxConcurrentPersists)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	return nil
}

func (c *Config) applyEnv() {
	setString(&c.WorkerID, "WORKER_ID")
	setString(&c.RedisAddr, "REDIS_URL")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setString(&c.PostgresURL, "POSTGRES_URL")
	setString(&c.AdminAddr, "ADMIN_ADDR")
	setBool(&c.LocalMode, "LOCAL_MODE")
	setInt(&c.MaxMessages, "MAX_MESSAGES")
	setInt(&c.MaxToolResults, "MAX_TOOL_RESULTS")
	setInt(&c.MaxPendingWrites, "MAX_PENDING_WRITES")
	setInt(&c.MaxSteps, "MAX_STEPS")
	setSeconds(&c.MaxDuration, "MAX_DURATION_SECONDS")
	setSeconds(&c.FlushInterval, "FLUSH_INTERVAL_SECONDS")
	setSeconds(&c.HeartbeatInterval, "HEARTBEAT_INTERVAL_SECONDS")
	setSeconds(&c.RecoveryInterval, "RECOVERY_SWEEP_INTERVAL_SECONDS")
	setSeconds(&c.HeartbeatTTL, "HEARTBEAT_TTL_SECONDS")
	setSeconds(&c.ClaimTTL, "CLAIM_TTL_SECONDS")
	setSeconds(&c.OrphanThreshold, "ORPHAN_THRESHOLD_SECONDS")
	setSeconds(&c.StuckRunThreshold, "STUCK_RUN_THRESHOLD_SECONDS")
	setSeconds(&c.TaskCancelTimeout, "TASK_CANCEL_TIMEOUT_SECONDS")
	setInt(&c.MaxThreadLocks, "MAX_THREAD_LOCKS")
	setInt(&c.MaxFlushTasks, "MAX_FLUSH_TASKS")
	setInt(&c.MaxContentLength, "MAX_CONTENT_LENGTH")
	setInt(&c.PendingWritesWarning, "PENDING_WRITES_WARNING_THRESHOLD")
	setSeconds(&c.FlushLatencyWarning, "FLUSH_LATENCY_WARNING_THRESHOLD_SECONDS")
	setInt(&c.ActiveRunsWarning, "ACTIVE_RUNS_WARNING_THRESHOLD")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(f * float64(time.Second))
		}
	}
}
