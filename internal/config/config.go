// Package config provides environment-aware configuration loading for the
// engine and worker binaries, in the shape of an env-var-driven Config with
// environment-specific defaults and production-tightened validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

func parseEnvironment(s string) (Environment, bool) {
	switch Environment(s) {
	case Development, Testing, Production:
		return Environment(s), true
	default:
		return "", false
	}
}

// EngineConfig holds the engine façade's runtime configuration.
type EngineConfig struct {
	Env Environment

	ListenAddr string // overridden by ENGINE_LISTEN_ADDR, spec §6
	DataDir    string // Badger data directory

	LogLevel  string
	LogFormat string

	TxnTimeout     time.Duration
	TxnMaxRetries  int
	LeaseDuration  time.Duration
	DequeueBatch   int
	HeartbeatEvery time.Duration

	MetricsEnabled bool
	MetricsAddr    string
}

// WorkerConfig holds the worker client loop's runtime configuration.
type WorkerConfig struct {
	Env Environment

	EngineAddr string
	WorkerID   string
	Hostname   string

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	MaxConcurrentTask int
	ShutdownGrace     time.Duration

	ScriptPoolSize int
	WasmPoolSize   int
	DefaultTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// LoadEngineConfig loads engine configuration from the environment,
// optionally layering a per-environment .env file the way the teacher's
// internal/config.Load does.
func LoadEngineConfig() (*EngineConfig, error) {
	env, err := loadEnvironment()
	if err != nil {
		return nil, err
	}

	cfg := &EngineConfig{
		Env:        env,
		ListenAddr: getEnv("ENGINE_LISTEN_ADDR", "localhost:7070"),
		DataDir:    getEnv("ENGINE_DATA_DIR", "data/engine"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFormat:  getEnv("LOG_FORMAT", "json"),

		TxnMaxRetries:  getIntEnv("KV_TXN_MAX_RETRIES", 5),
		DequeueBatch:   getIntEnv("QUEUE_DEQUEUE_BATCH", 32),
		MetricsEnabled: getBoolEnv("METRICS_ENABLED", env == Production),
		MetricsAddr:    getEnv("METRICS_ADDR", ":9090"),
	}

	cfg.TxnTimeout, err = parseDurationEnv("KV_TXN_TIMEOUT", "2s")
	if err != nil {
		return nil, err
	}
	cfg.LeaseDuration, err = parseDurationEnv("TASK_LEASE_DURATION", "30s")
	if err != nil {
		return nil, err
	}
	cfg.HeartbeatEvery, err = parseDurationEnv("WORKER_UNHEALTHY_INTERVAL", "10s")
	if err != nil {
		return nil, err
	}

	if env == Production {
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("ENGINE_DATA_DIR is required in production")
		}
	}

	return cfg, nil
}

// LoadWorkerConfig loads worker configuration from the environment.
func LoadWorkerConfig() (*WorkerConfig, error) {
	env, err := loadEnvironment()
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()

	cfg := &WorkerConfig{
		Env:               env,
		EngineAddr:        getEnv("ENGINE_LISTEN_ADDR", "http://localhost:7070"),
		WorkerID:          getEnv("WORKER_ID", ""),
		Hostname:          getEnv("WORKER_HOSTNAME", hostname),
		MaxConcurrentTask: getIntEnv("WORKER_MAX_CONCURRENT_TASKS", 4),
		ScriptPoolSize:    getIntEnv("WORKER_SCRIPT_POOL_SIZE", 8),
		WasmPoolSize:      getIntEnv("WORKER_WASM_POOL_SIZE", 4),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "json"),
	}

	cfg.PollInterval, err = parseDurationEnv("WORKER_POLL_INTERVAL", "500ms")
	if err != nil {
		return nil, err
	}
	cfg.HeartbeatInterval, err = parseDurationEnv("WORKER_HEARTBEAT_INTERVAL", "10s")
	if err != nil {
		return nil, err
	}
	cfg.ShutdownGrace, err = parseDurationEnv("WORKER_SHUTDOWN_GRACE", "25s")
	if err != nil {
		return nil, err
	}
	cfg.DefaultTimeout, err = parseDurationEnv("TASK_DEFAULT_TIMEOUT", "30s")
	if err != nil {
		return nil, err
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = uuidFallback()
	}

	return cfg, nil
}

func loadEnvironment() (Environment, error) {
	envStr := os.Getenv("WORKFLOW_ENV")
	if envStr == "" {
		envStr = string(Development)
	}
	env, ok := parseEnvironment(envStr)
	if !ok {
		return "", fmt.Errorf("invalid WORKFLOW_ENV: %s", envStr)
	}

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("warning: could not load %s: %v\n", configFile, err)
	}

	return env, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func parseDurationEnv(key, def string) (time.Duration, error) {
	v := getEnv(key, def)
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// uuidFallback avoids importing the uuid package just for a worker-id
// default; callers normally set WORKER_ID explicitly.
func uuidFallback() string {
	return "worker-" + strings.ReplaceAll(time.Now().UTC().Format("20060102T150405.000000000"), ".", "")
}
