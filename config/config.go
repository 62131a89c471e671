package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port int
	Host string
	Env  string // "development" or "production"

	// Data directory; session logs live under <DataDir>/projects
	DataDir string

	// Database
	DatabasePath string

	// Agent runtime
	AgentBinary  string // executable for the agent CLI
	AgentRuntime string // "cli" or "mock"

	// Worker pool
	MaxWorkers           int           // 0 means unlimited
	QueueMaxLength       int           // 0 means unlimited
	IdleTimeout          time.Duration // idle process disposal
	IdlePreemptThreshold time.Duration // minimum idle age before preemption
	ExternalDecay        time.Duration // external-session activity decay
	AbortGrace           time.Duration // ignore file activity after abort

	// Debug settings
	LogLevel string
}

var (
	cfg  *Config
	once sync.Once
)

// Get returns the global configuration (singleton)
func Get() *Config {
	once.Do(func() {
		cfg = load()
	})
	return cfg
}

// load reads configuration from environment variables
func load() *Config {
	dataDir := getEnv("AGENT_HUB_DATA_DIR", "./data")

	return &Config{
		// Server
		Port: getEnvInt("PORT", 12400),
		Host: getEnv("HOST", "0.0.0.0"),
		Env:  getEnv("ENV", "development"),

		// Data
		DataDir:      dataDir,
		DatabasePath: filepath.Join(dataDir, "agent-hub.sqlite"),

		// Agent runtime
		AgentBinary:  getEnv("AGENT_BINARY", "claude"),
		AgentRuntime: getEnv("AGENT_RUNTIME", "cli"),

		// Worker pool
		MaxWorkers:           getEnvInt("MAX_WORKERS", 0),
		QueueMaxLength:       getEnvInt("QUEUE_MAX_LENGTH", 0),
		IdleTimeout:          getEnvDuration("IDLE_TIMEOUT_MS", 10*time.Minute),
		IdlePreemptThreshold: getEnvDuration("IDLE_PREEMPT_THRESHOLD_MS", 30*time.Second),
		ExternalDecay:        getEnvDuration("EXTERNAL_DECAY_MS", 30*time.Second),
		AbortGrace:           getEnvDuration("ABORT_GRACE_MS", 5*time.Second),

		// Debug
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

// ProjectsDir returns the directory holding per-project session logs
func (c *Config) ProjectsDir() string {
	return filepath.Join(c.DataDir, "projects")
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
