// Command agentd runs one agent-run coordination worker.
//
// Workers are stateless: every durable fact lives in Redis (ownership,
// heartbeats, write-ahead streams, output streams) or Postgres (runs and
// messages). Any number of workers with the same REDIS_URL form a fleet;
// run requests land on a shared consumer group and crashed workers' runs
// are reclaimed by the periodic recovery sweep.
//
// # Configuration
//
// A YAML file (CONFIG_PATH) layers over built-in defaults and environment
// variables override both. The most common knobs:
//
//	CONFIG_PATH            - YAML config file (optional)
//	WORKER_ID              - stable worker identity (default: generated)
//	REDIS_URL              - Redis address (default: "localhost:6379")
//	REDIS_PASSWORD         - Redis password (optional)
//	POSTGRES_URL           - Postgres connection URL (required unless LOCAL_MODE)
//	ADMIN_ADDR             - operator HTTP listen address (default: ":8110")
//	LOCAL_MODE             - bypass billing and use the in-memory store
//	MODEL_PROVIDER         - "anthropic" or "openai" (default: "anthropic")
//	MODEL_NAME             - default model id (default: "claude-sonnet-4-5")
//	SUMMARIZER_MODEL       - model used for context compression (default: MODEL_NAME)
//	ANTHROPIC_API_KEY      - provider credential
//	OPENAI_API_KEY         - provider credential
//	DISPATCH_RATE_LIMIT    - run admissions per second (default: 10)
//	LOG_FORMAT             - "json" or "text" (default: "json")
//	DEBUG                  - verbose logging when set
//
// # Example
//
//	LOCAL_MODE=1 ANTHROPIC_API_KEY=sk-... go run ./cmd/agentd
package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/loomworks/agentd/admin"
	"github.com/loomworks/agentd/backpressure"
	"github.com/loomworks/agentd/broker"
	storeinmem "github.com/loomworks/agentd/store/inmem"
	"github.com/loomworks/agentd/store/postgres"

	"github.com/loomworks/agentd/compress"
	"github.com/loomworks/agentd/config"
	"github.com/loomworks/agentd/dispatch"
	"github.com/loomworks/agentd/dlq"
	"github.com/loomworks/agentd/engine"
	"github.com/loomworks/agentd/flusher"
	"github.com/loomworks/agentd/history"
	"github.com/loomworks/agentd/model"
	"github.com/loomworks/agentd/model/anthropic"
	"github.com/loomworks/agentd/model/openai"
	"github.com/loomworks/agentd/ownership"
	"github.com/loomworks/agentd/prep"
	"github.com/loomworks/agentd/recovery"
	"github.com/loomworks/agentd/store"
	"github.com/loomworks/agentd/stream"
	"github.com/loomworks/agentd/telemetry"
	"github.com/loomworks/agentd/toolcall"
	"github.com/loomworks/agentd/wal"
	"github.com/loomworks/agentd/worker"
)

func main() {
	if err := run(); err != nil {
		stdlog.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		cfg.WorkerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	format := log.FormatJSON
	if envOr("LOG_FORMAT", "json") == "text" || log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if os.Getenv("DEBUG") != "" {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx = log.With(ctx, log.KV{K: "worker_id", V: cfg.WorkerID})
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewWorkerMetrics()

	// Connect to Redis.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Errorf(ctx, err, "close redis")
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	brk := broker.NewRedis(rdb)

	// Authoritative store: Postgres in production, in-memory in local mode.
	var st store.Store
	if cfg.PostgresURL != "" {
		pg, err := postgres.New(ctx, cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pg.Close()
		st = pg
	} else if cfg.LocalMode {
		st = storeinmem.New()
	} else {
		return fmt.Errorf("POSTGRES_URL is required unless LOCAL_MODE is set")
	}

	// Model provider.
	modelName := envOr("MODEL_NAME", "claude-sonnet-4-5")
	var client model.Client
	switch provider := envOr("MODEL_PROVIDER", "anthropic"); provider {
	case "anthropic":
		client, err = anthropic.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), modelName)
	case "openai":
		client, err = openai.NewFromAPIKey(os.Getenv("OPENAI_API_KEY"), modelName)
	default:
		return fmt.Errorf("unknown MODEL_PROVIDER %q", provider)
	}
	if err != nil {
		return fmt.Errorf("create model client: %w", err)
	}

	// Tools. Deployments extend the registry through worker hooks; the two
	// terminal tools ship built in.
	registry := toolcall.NewRegistry()
	if err := registerBuiltins(registry); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}
	executor, err := toolcall.NewExecutor(toolcall.ExecutorOptions{
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	// Context compression.
	summarizer, err := compress.NewLLMSummarizer(client, envOr("SUMMARIZER_MODEL", modelName))
	if err != nil {
		return err
	}
	compressor, err := compress.New(compress.Options{
		Summarizer: summarizer,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}

	// Durability plumbing.
	walLog, err := wal.New(wal.Options{
		Broker:         brk,
		StreamMaxLen:   cfg.WALStreamMaxLen,
		StreamTTL:      cfg.WALStreamTTL,
		MaxLocalPerRun: cfg.MaxPendingWrites,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}
	deadletter, err := dlq.New(dlq.Options{
		Broker:  brk,
		MaxLen:  cfg.DLQMaxLen,
		TTL:     cfg.DLQTTL,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	owners, err := ownership.New(ownership.Options{
		Broker:            brk,
		WorkerID:          cfg.WorkerID,
		ClaimTTL:          cfg.ClaimTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTTL:      cfg.HeartbeatTTL,
		OrphanThreshold:   cfg.OrphanThreshold,
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		return err
	}
	idem := ownership.NewIdempotency(brk, cfg.IdempotencyTTL)
	msgCache := history.New(cfg.MaxThreadLocks, cfg.MaxMessages, cfg.WALStreamTTL)
	load := backpressure.New(backpressure.DefaultConfig(), logger, metrics)
	flush, err := flusher.New(flusher.Options{
		WAL:                   walLog,
		Store:                 st,
		DLQ:                   deadletter,
		Runs:                  owners,
		Load:                  load,
		History:               msgCache,
		Interval:              cfg.FlushInterval,
		BatchSize:             cfg.BatchSize,
		MaxConcurrentPersists: cfg.MaxConcurrentPersists,
		MaxFlushTasks:         cfg.MaxFlushTasks,
		MaxRetries:            cfg.MaxRetries,
		Logger:                logger,
		Metrics:               metrics,
	})
	if err != nil {
		return err
	}

	// Client-facing output events.
	publisher, err := stream.NewPulsePublisher(stream.PulseOptions{
		Redis:  rdb,
		MaxLen: cfg.OutputStreamMaxLen,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	// Preparation and execution.
	pipeline, err := prep.New(prep.Options{
		Store:          st,
		Registry:       registry,
		Prompt:         prep.DefaultPromptBuilder{},
		History:        msgCache,
		Publisher:      publisher,
		MessageLimit:   cfg.MaxMessages,
		MessageTimeout: cfg.MessageFetchTimeout,
		BillingTimeout: cfg.BillingTimeout,
		LocalMode:      cfg.LocalMode,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	eng, err := engine.New(engine.Options{
		Model:       client,
		Compressor:  compressor,
		Executor:    executor,
		WAL:         walLog,
		Ownership:   owners,
		Config:      &cfg,
		Idempotency: idem,
		Publisher:   publisher,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}
	dispatcher, err := dispatch.New(dispatch.Options{
		Redis:       rdb,
		Engine:      eng,
		Prep:        pipeline,
		Ownership:   owners,
		Load:        load,
		Publisher:   publisher,
		InputStream: cfg.InputStream,
		Group:       cfg.InputGroup,
		RateLimit:   envFloatOr("DISPATCH_RATE_LIMIT", 10),
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}
	sweeper, err := recovery.New(recovery.Options{
		Ownership: owners,
		Store:     st,
		Resumer:   dispatcher,
		Interval:  cfg.RecoveryInterval,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}

	// Operator surface.
	adminSrv, err := admin.New(admin.Options{
		Broker:         brk,
		Store:          st,
		Ownership:      owners,
		WAL:            walLog,
		DLQ:            deadletter,
		Flusher:        flush,
		Sweeper:        sweeper,
		Dispatcher:     dispatcher,
		Load:           load,
		Metrics:        metrics,
		StuckThreshold: cfg.StuckRunThreshold,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	w, err := worker.New(worker.Options{
		Config:     &cfg,
		Broker:     brk,
		Ownership:  owners,
		Flusher:    flush,
		Dispatcher: dispatcher,
		Sweeper:    sweeper,
		WAL:        walLog,
		DLQ:        deadletter,
		Load:       load,
		AdminMux:   adminSrv.Mux(),
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Start(sigCtx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	<-sigCtx.Done()
	stop()
	w.Shutdown(ctx)
	return nil
}

// registerBuiltins installs the two terminal tools. Their handlers only echo
// the arguments back; the engine treats the call itself as the terminal
// signal and routes the payload to the output stream.
func registerBuiltins(registry *toolcall.Registry) error {
	if err := registry.Register(toolcall.Tool{
		Name:        toolcall.ToolAsk,
		Description: "Pause the run and ask the user a question. The run ends in the waiting state until the user replies.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{"type": "string"},
			},
			"required": []any{"question"},
		},
		Handler: echoField("question"),
	}); err != nil {
		return err
	}
	return registry.Register(toolcall.Tool{
		Name:        toolcall.ToolComplete,
		Description: "Finish the run with a final answer for the user.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"result": map[string]any{"type": "string"},
			},
			"required": []any{"result"},
		},
		Handler: echoField("result"),
	})
}

func echoField(field string) toolcall.Handler {
	return func(_ context.Context, args map[string]any) (string, error) {
		s, _ := args[field].(string)
		return s, nil
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
