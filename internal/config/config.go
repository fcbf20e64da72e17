// Package config loads environment configuration and the YAML workflow
// definitions that compose registered stages into pipelines.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"reviewflow/internal/broker"
	"reviewflow/internal/pipeline"
)

// Config is the process configuration, read from the environment (with an
// optional .env file).
type Config struct {
	DatabaseURL string
	AMQPURL     string

	BaseExchange       string
	CompletionExchange string
	CompletionQueue    string

	WorkerID string

	// Serialization strategy for pipeline checkpoints.
	Strategy pipeline.Strategy

	// Transport retry policy for the consumer reliability layer. Independent
	// of per-job business MaxRetries.
	ConsumerRetry broker.RetryPolicy

	// StuckAfter is how long a PROCESSING job may hold a worker lock before
	// it is requeued.
	StuckAfter time.Duration

	// WorkflowFile is the YAML file with workflow definitions.
	WorkflowFile string
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	databaseURL, err := requireEnv("DATABASE_URL")
	if err != nil {
		return Config{}, err
	}
	amqpURL, err := requireEnv("AMQP_URL")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DatabaseURL:        databaseURL,
		AMQPURL:            amqpURL,
		BaseExchange:       getenv("BASE_EXCHANGE", "workflow"),
		CompletionExchange: getenv("COMPLETION_EXCHANGE", "workflow.events"),
		CompletionQueue:    getenv("COMPLETION_QUEUE", "workflow.events.resumer"),
		WorkerID:           getenv("WORKER_ID", defaultWorkerID()),
		Strategy:           pipeline.Strategy(getenv("SERIALIZATION_STRATEGY", string(pipeline.StrategyFull))),
		WorkflowFile:       getenv("WORKFLOW_FILE", "workflows.yaml"),
		StuckAfter:         getdur("STUCK_AFTER", 5*time.Minute),
		ConsumerRetry: broker.RetryPolicy{
			MaxRetries:      getint("CONSUMER_MAX_RETRIES", 5),
			InitialInterval: getdur("CONSUMER_BACKOFF_INITIAL", 2*time.Second),
			MaxInterval:     getdur("CONSUMER_BACKOFF_MAX", 5*time.Minute),
			Multiplier:      getfloat("CONSUMER_BACKOFF_MULTIPLIER", 2),
			Jitter:          getfloat("CONSUMER_BACKOFF_JITTER", 0.2),
		},
	}
	switch cfg.Strategy {
	case pipeline.StrategyFull, pipeline.StrategyDelta, pipeline.StrategyMinimal, pipeline.StrategyCompressed:
	default:
		return Config{}, fmt.Errorf("SERIALIZATION_STRATEGY %q not supported", cfg.Strategy)
	}
	return cfg, nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return host
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func requireEnv(key string) (string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("missing env: %s", key)
	}
	return v, nil
}

func getint(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getfloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getdur(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
