package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Providers ProvidersConfig
	Scheduler SchedulerConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	Environment  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	// URL takes precedence over the discrete fields when set.
	URL      string
	Type     string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret string
	// CredentialsKey is the 32-byte hex key sealing provider credentials.
	CredentialsKey string
}

type ProvidersConfig struct {
	RunPodAPIKey    string
	RunPodEndpoint  string
	VastAIAPIKey    string
	VastAIEndpoint  string
	AWSEnabled      bool
	AWSRegion       string
	RequestTimeout  time.Duration
	MaxHourlyCost   float64
	DefaultGPUType  string
	PriceCacheTTL   time.Duration
}

type SchedulerConfig struct {
	MaxConcurrentJobs   int
	TickInterval        time.Duration
	PollInterval        time.Duration
	ReadinessTimeout    time.Duration
	JobTimeoutHours     int
	AgingWindow         time.Duration
	FairnessBurst       int
	QueueHighWater      int
	QueueLowWater       int
	CleanupInterval     time.Duration
	HistoryRetention    time.Duration
	CostOptimization    bool
	PlacementStrategy   string
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			Environment:  getEnv("ENVIRONMENT", "development"),
			ReadTimeout:  getEnvAsDuration("READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Type:     getEnv("DB_TYPE", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "gpuorchestrator"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 25),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret:      getEnv("JWT_SECRET", "changeme"),
			CredentialsKey: getEnv("CREDENTIALS_KEY", ""),
		},
		Providers: ProvidersConfig{
			RunPodAPIKey:   getEnv("RUNPOD_API_KEY", ""),
			RunPodEndpoint: getEnv("RUNPOD_API_ENDPOINT", ""),
			VastAIAPIKey:   getEnv("VASTAI_API_KEY", ""),
			VastAIEndpoint: getEnv("VASTAI_API_ENDPOINT", ""),
			AWSEnabled:     getEnvAsBool("AWS_PROVIDER_ENABLED", false),
			AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
			RequestTimeout: getEnvAsDuration("PROVIDER_API_TIMEOUT", 30*time.Second),
			MaxHourlyCost:  getEnvAsFloat("MAX_HOURLY_COST_USD", 50.0),
			DefaultGPUType: getEnv("DEFAULT_GPU_TYPE", "A100"),
			PriceCacheTTL:  getEnvAsDuration("PRICE_CACHE_TTL", 60*time.Second),
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentJobs: getEnvAsInt("MAX_CONCURRENT_JOBS", 50),
			TickInterval:      getEnvAsDuration("SCHEDULER_TICK_INTERVAL", 30*time.Second),
			PollInterval:      getEnvAsDuration("INSTANCE_POLL_INTERVAL", 30*time.Second),
			ReadinessTimeout:  getEnvAsDuration("INSTANCE_READINESS_TIMEOUT", 10*time.Minute),
			JobTimeoutHours:   getEnvAsInt("JOB_TIMEOUT_HOURS", 24),
			AgingWindow:       getEnvAsDuration("PRIORITY_BOOST_WINDOW", 24*time.Hour),
			FairnessBurst:     getEnvAsInt("SCHEDULER_FAIRNESS_BURST", 3),
			QueueHighWater:    getEnvAsInt("QUEUE_HIGH_WATER", 1000),
			QueueLowWater:     getEnvAsInt("QUEUE_LOW_WATER", 800),
			CleanupInterval:   getEnvAsDuration("CLEANUP_INTERVAL", 5*time.Minute),
			HistoryRetention:  getEnvAsDuration("HISTORY_RETENTION", 30*24*time.Hour),
			CostOptimization:  getEnvAsBool("COST_OPTIMIZATION_ENABLED", true),
			PlacementStrategy: getEnv("PLACEMENT_STRATEGY", "cost_optimized"),
		},
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "changeme" && c.Server.Environment == "production" {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}

	if c.Scheduler.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1")
	}

	if c.Scheduler.QueueLowWater >= c.Scheduler.QueueHighWater {
		return fmt.Errorf("QUEUE_LOW_WATER must be below QUEUE_HIGH_WATER")
	}

	switch strings.ToLower(c.Scheduler.PlacementStrategy) {
	case "cost_optimized", "performance_optimized", "balanced", "fastest_available":
	default:
		return fmt.Errorf("invalid placement strategy: %s", c.Scheduler.PlacementStrategy)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	return valueStr == "true" || valueStr == "1"
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return duration
}
