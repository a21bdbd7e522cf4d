// Package config loads the driver's runtime configuration from the
// environment, following the same getEnv/.env layering the rest of
// the pack uses.
package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// StartupPolicy controls how the Orchestrator brings up concurrent
// workers. On platforms where releasing an artifact file concurrently
// with another process opening it is unsafe, workers must start one at
// a time.
type StartupPolicy string

const (
	// StartupSerialized starts one worker at a time, waiting for each
	// startup ACK before launching the next, and defers server_ready
	// for every worker until all have started.
	StartupSerialized StartupPolicy = "serialized"
	// StartupOverlapped launches workers back-to-back without waiting
	// for their acks; replies are not polled between launches, and the
	// main drain loop fires server_ready for each ack as it arrives.
	StartupOverlapped StartupPolicy = "overlapped"
)

// Config holds the Driver's runtime configuration.
type Config struct {
	Sequential bool
	ReloadModel bool
	MaxRetries int
	StartupMode StartupPolicy

	RequiredDistributions []string
	OrphanModules []string
	RuntimeVersion string

	MaxServersHint int // 0 means "ask the allocator"

	ShutdownACKTimeout time.Duration
	StartupPollPeriod time.Duration

	// Loaded from the environment but not read by cmd/caseiter, which
	// takes the recorder DSN and monitor address from its
	// --recorder-dsn and --monitor-addr flags; metrics are served on the
	// monitor's /metrics route.
	RecorderDSN string // "" (sqlite file default), "postgres://..." or a SQLite file path

	MonitorAddr string
	MetricsAddr string

	AllocatorBreakerMaxFailures uint32
	AllocatorBreakerResetTimeout time.Duration
}

// Load builds a Config from the process environment, layering a local
// .env file (if present) under real environment variables.
func Load() Config {
	loadDotEnv()

	return Config{
		Sequential: getEnvBool("CASEITER_SEQUENTIAL", true),
		ReloadModel: getEnvBool("CASEITER_RELOAD_MODEL", true),
		MaxRetries: getEnvInt("CASEITER_MAX_RETRIES", 1),
		StartupMode: StartupPolicy(getEnv("CASEITER_STARTUP_MODE", defaultStartupMode())),

		RequiredDistributions: getEnvSlice("CASEITER_REQUIRED_DISTRIBUTIONS", nil),
		OrphanModules: getEnvSlice("CASEITER_ORPHAN_MODULES", nil),
		RuntimeVersion: getEnv("CASEITER_RUNTIME_VERSION", "go1.23"),

		MaxServersHint: getEnvInt("CASEITER_MAX_SERVERS_HINT", 0),

		ShutdownACKTimeout: time.Duration(getEnvInt("CASEITER_SHUTDOWN_ACK_TIMEOUT_MS", 1000)) * time.Millisecond,
		StartupPollPeriod: time.Duration(getEnvInt("CASEITER_STARTUP_POLL_MS", 100)) * time.Millisecond,

		RecorderDSN: getEnv("CASEITER_RECORDER_DSN", ""),

		MonitorAddr: getEnv("CASEITER_MONITOR_ADDR", ""),
		MetricsAddr: getEnv("CASEITER_METRICS_ADDR", ""),

		AllocatorBreakerMaxFailures: uint32(getEnvInt("CASEITER_ALLOCATOR_BREAKER_MAX_FAILURES", 5)),
		AllocatorBreakerResetTimeout: time.Duration(getEnvInt("CASEITER_ALLOCATOR_BREAKER_RESET_SEC", 30)) * time.Second,
	}
}

// defaultStartupMode picks a safe default per platform: Windows needs
// serialized startup to avoid artifact file-release races; everything
// else overlaps startup with work.
func defaultStartupMode() string {
	if runtime.GOOS == "windows" {
		return string(StartupSerialized)
	}
	return string(StartupOverlapped)
}

func loadDotEnv() {
	if err := godotenv.Load(); err == nil {
		log.Printf("config: loaded.env")
	}
}

func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must be >= 0, got %d", c.MaxRetries)
	}
	return nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvSlice(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if part := trimSpace(v[start:i]); part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}
