package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file specified by RUNTIME_ENV (or .env by default),
// then loads the corresponding .secret file if it exists.
// All config is flat env vars read via os.Getenv after loading.
func Load() error {
	envFile := os.Getenv("RUNTIME_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	// Load main env file (ignore error if file doesn't exist)
	_ = godotenv.Load(envFile)

	// Load secret sidecar if it exists
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

func ServerPort() int {
	port, err := strconv.Atoi(os.Getenv("SERVER_PORT"))
	if err != nil {
		return 8080
	}
	return port
}

func ServerAddr() string {
	return fmt.Sprintf(":%d", ServerPort())
}

func DatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

// RedisURL is optional; without it the redis notification provider is
// unavailable.
func RedisURL() string {
	return os.Getenv("REDIS_URL")
}

// NotifyProvider returns the notification sink provider.
// Valid values: log, redis, none
func NotifyProvider() string {
	p := os.Getenv("NOTIFY_PROVIDER")
	if p == "" {
		return "log"
	}
	return p
}

func NotifyStream() string {
	s := os.Getenv("NOTIFY_STREAM")
	if s == "" {
		return "agent:notifications"
	}
	return s
}

// RateLimitRPS returns requests per second limit.
// Defaults to 100 if not set.
func RateLimitRPS() float64 {
	rps, err := strconv.ParseFloat(os.Getenv("RATE_LIMIT_RPS"), 64)
	if err != nil || rps <= 0 {
		return 100
	}
	return rps
}

// RateLimitBurst returns the burst size for rate limiting.
// Defaults to 20 if not set.
func RateLimitBurst() int {
	burst, err := strconv.Atoi(os.Getenv("RATE_LIMIT_BURST"))
	if err != nil || burst <= 0 {
		return 20
	}
	return burst
}

// LogLevel returns the log level (debug, info, warn, error).
// Defaults to "info" if not set.
func LogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "info"
	}
	return level
}

func HealthCheckInterval() time.Duration {
	return durationOr("HEALTH_CHECK_INTERVAL", 60*time.Second)
}

func MemoryCleanupInterval() time.Duration {
	return durationOr("MEMORY_CLEANUP_INTERVAL", 30*time.Minute)
}

func MemoryTTL() time.Duration {
	return durationOr("MEMORY_TTL", 24*time.Hour)
}

func QueuePollInterval() time.Duration {
	return durationOr("QUEUE_POLL_INTERVAL", time.Second)
}

func ShutdownGracePeriod() time.Duration {
	return durationOr("SHUTDOWN_GRACE_PERIOD", 60*time.Second)
}

// MaxConcurrentRuns bounds how many queued runs are attempted at once across
// all organizations.
func MaxConcurrentRuns() int {
	return intOr("MAX_CONCURRENT_RUNS", 10)
}

// RetryAuthFailures controls whether 401/403 webhook responses are retried.
// Defaults to true.
func RetryAuthFailures() bool {
	return boolOr("RETRY_AUTH_FAILURES", true)
}

// EnforceCPULimit only switches on warnings when a runtime's CPU budget is
// exceeded; the limit itself stays advisory.
func EnforceCPULimit() bool {
	return boolOr("ENFORCE_CPU_LIMIT", false)
}

// AdminAPIKey unlocks paid tiers and custom limits on organization
// creation. Empty disables them.
func AdminAPIKey() string {
	return os.Getenv("ADMIN_API_KEY")
}

// MetricsExportInterval enables periodic OpenTelemetry export to stdout.
// Zero keeps metrics in-process only.
func MetricsExportInterval() time.Duration {
	return durationOr("METRICS_EXPORT_INTERVAL", 0)
}

func ContainerHealthFloor() int {
	return intOr("CONTAINER_HEALTH_FLOOR", 20)
}

func durationOr(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func intOr(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func boolOr(key string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return b
}
