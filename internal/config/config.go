package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Pool      PoolConfig
	Factory   FactoryConfig
	Lease     LeaseConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	APIKey       string // empty disables API auth
}

type PoolConfig struct {
	MinSize           int
	MaxSize           int
	AcquireTimeout    time.Duration // 0 = fail-fast, never queue
	IdleTimeout       time.Duration
	ReapInterval      time.Duration
	DegradedThreshold float64 // utilization percent at which stats report degraded
}

type FactoryConfig struct {
	Kind string // "token", "tcp", "mysql", "valkey" or "docker"

	TCPAddr        string
	TCPDialTimeout time.Duration

	MySQLDSN string

	ValkeyAddr     string
	ValkeyPassword string
	ValkeyDB       int

	DockerImage       string
	DockerPort        int // container port published to an ephemeral host port
	DockerNetwork     string
	DockerStopTimeout time.Duration
}

type LeaseConfig struct {
	TTL           time.Duration
	MaxTTL        time.Duration
	SweepInterval time.Duration
}

type RateLimitConfig struct {
	Backend string // "off", "memory" or "valkey"

	// Memory backend: token bucket per client.
	RPS   float64
	Burst int

	// Valkey backend: fixed window per client.
	Window    time.Duration
	PerWindow int

	ValkeyAddr     string
	ValkeyPassword string
	ValkeyDB       int
}

type LogConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			APIKey:       getEnv("API_KEY", ""),
		},
		Pool: PoolConfig{
			MinSize:           getEnvInt("POOL_MIN_SIZE", 0),
			MaxSize:           getEnvInt("POOL_MAX_SIZE", 10),
			AcquireTimeout:    getEnvDuration("POOL_ACQUIRE_TIMEOUT", 30*time.Second),
			IdleTimeout:       getEnvDuration("POOL_IDLE_TIMEOUT", 5*time.Minute),
			ReapInterval:      getEnvDuration("POOL_REAP_INTERVAL", 30*time.Second),
			DegradedThreshold: getEnvFloat("POOL_DEGRADED_THRESHOLD", 90),
		},
		Factory: FactoryConfig{
			Kind:              getEnv("FACTORY_KIND", "token"),
			TCPAddr:           getEnv("TCP_ADDR", "localhost:9000"),
			TCPDialTimeout:    getEnvDuration("TCP_DIAL_TIMEOUT", 5*time.Second),
			MySQLDSN:          getEnv("MYSQL_DSN", ""),
			ValkeyAddr:        getEnv("VALKEY_ADDR", "localhost:6379"),
			ValkeyPassword:    getEnv("VALKEY_PASSWORD", ""),
			ValkeyDB:          getEnvInt("VALKEY_DB", 0),
			DockerImage:       getEnv("DOCKER_IMAGE", "nginx:alpine"),
			DockerPort:        getEnvInt("DOCKER_PORT", 80),
			DockerNetwork:     getEnv("DOCKER_NETWORK", ""),
			DockerStopTimeout: getEnvDuration("DOCKER_STOP_TIMEOUT", 10*time.Second),
		},
		Lease: LeaseConfig{
			TTL:           getEnvDuration("LEASE_TTL", 15*time.Minute),
			MaxTTL:        getEnvDuration("LEASE_MAX_TTL", time.Hour),
			SweepInterval: getEnvDuration("LEASE_SWEEP_INTERVAL", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			Backend:        getEnv("RATE_LIMIT_BACKEND", "off"),
			RPS:            getEnvFloat("RATE_LIMIT_RPS", 1),
			Burst:          getEnvInt("RATE_LIMIT_BURST", 5),
			Window:         getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			PerWindow:      getEnvInt("RATE_LIMIT_PER_WINDOW", 30),
			ValkeyAddr:     getEnv("VALKEY_ADDR", "localhost:6379"),
			ValkeyPassword: getEnv("VALKEY_PASSWORD", ""),
			ValkeyDB:       getEnvInt("VALKEY_DB", 0),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration parses Go duration strings ("30s", "5m"). Bare integers are
// taken as milliseconds, so POOL_ACQUIRE_TIMEOUT=250 and =250ms agree.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
