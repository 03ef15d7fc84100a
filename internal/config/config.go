package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rongwang/titleforge/internal/pricing"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Pricing  PricingConfig  `yaml:"pricing"`
	Limits   LimitsConfig   `yaml:"limits"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the database configuration
type DatabaseConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DBName       string        `yaml:"dbname"`
	SSLMode      string        `yaml:"sslmode"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// AuthConfig holds the authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// KafkaConfig describes the task and result topics.
type KafkaConfig struct {
	Brokers         []string      `yaml:"brokers"`
	TasksTopic      string        `yaml:"tasks_topic"`
	ResultsTopic    string        `yaml:"results_topic"`
	DeadLetterTopic string        `yaml:"dead_letter_topic"`
	GroupID         string        `yaml:"group_id"`
	WorkerGroupID   string        `yaml:"worker_group_id"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
}

// RedisConfig configures event deduplication. Dedupe is off when Addr is empty.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	DedupeTTL time.Duration `yaml:"dedupe_ttl"`
}

// PricingConfig holds the tariff as decimal strings.
type PricingConfig struct {
	UnitRate string `yaml:"unit_rate"`
	MinPrice string `yaml:"min_price"`
	MaxPrice string `yaml:"max_price"`
}

// LimitsConfig bounds submissions per user.
type LimitsConfig struct {
	SubmitPerSecond float64 `yaml:"submit_per_second"`
	SubmitBurst     int     `yaml:"submit_burst"`
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.DBName, c.SSLMode,
	)
}

// Pricer parses the tariff.
func (c PricingConfig) Pricer() (pricing.Pricer, error) {
	unit, err := decimal.NewFromString(c.UnitRate)
	if err != nil {
		return pricing.Pricer{}, fmt.Errorf("invalid unit rate %q: %w", c.UnitRate, err)
	}
	minPrice, err := decimal.NewFromString(c.MinPrice)
	if err != nil {
		return pricing.Pricer{}, fmt.Errorf("invalid min price %q: %w", c.MinPrice, err)
	}
	maxPrice, err := decimal.NewFromString(c.MaxPrice)
	if err != nil {
		return pricing.Pricer{}, fmt.Errorf("invalid max price %q: %w", c.MaxPrice, err)
	}
	if !unit.IsPositive() || minPrice.IsNegative() || maxPrice.LessThan(minPrice) {
		return pricing.Pricer{}, fmt.Errorf("invalid tariff %s [%s, %s]", unit, minPrice, maxPrice)
	}
	return pricing.Pricer{UnitRate: unit, MinPrice: minPrice, MaxPrice: maxPrice}, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         5432,
			Username:     "postgres",
			Password:     "password",
			DBName:       "titleforge",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			QueryTimeout: 5 * time.Second,
		},
		Auth: AuthConfig{
			JWTSecret: "your-secret-key-here",
		},
		Kafka: KafkaConfig{
			Brokers:         []string{"localhost:9092"},
			TasksTopic:      "titleforge.tasks",
			ResultsTopic:    "titleforge.results",
			DeadLetterTopic: "titleforge.results.dlq",
			GroupID:         "titleforge-dispatcher",
			WorkerGroupID:   "titleforge-worker",
			WriteTimeout:    10 * time.Second,
			MaxAttempts:     5,
		},
		Redis: RedisConfig{
			DedupeTTL: 24 * time.Hour,
		},
		Pricing: PricingConfig{
			UnitRate: "0.50",
			MinPrice: "5.00",
			MaxPrice: "500.00",
		},
		Limits: LimitsConfig{
			SubmitPerSecond: 2,
			SubmitBurst:     5,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig builds the configuration from defaults, the YAML file named by
// CONFIG_FILE, a .env file and finally environment variables.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	// Existing environment variables win over .env entries
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnvAsInt("SERVER_PORT", cfg.Server.Port)
	cfg.Server.ShutdownTimeout = getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvAsInt("DB_PORT", cfg.Database.Port)
	cfg.Database.Username = getEnv("DB_USERNAME", cfg.Database.Username)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.DBName = getEnv("DB_NAME", cfg.Database.DBName)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)
	cfg.Database.MaxOpenConns = getEnvAsInt("DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = getEnvAsInt("DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.QueryTimeout = getEnvAsDuration("DB_QUERY_TIMEOUT", cfg.Database.QueryTimeout)

	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)

	cfg.Kafka.Brokers = getEnvAsSlice("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.TasksTopic = getEnv("KAFKA_TASKS_TOPIC", cfg.Kafka.TasksTopic)
	cfg.Kafka.ResultsTopic = getEnv("KAFKA_RESULTS_TOPIC", cfg.Kafka.ResultsTopic)
	cfg.Kafka.DeadLetterTopic = getEnv("KAFKA_DLQ_TOPIC", cfg.Kafka.DeadLetterTopic)
	cfg.Kafka.GroupID = getEnv("KAFKA_GROUP_ID", cfg.Kafka.GroupID)
	cfg.Kafka.WorkerGroupID = getEnv("KAFKA_WORKER_GROUP_ID", cfg.Kafka.WorkerGroupID)
	cfg.Kafka.WriteTimeout = getEnvAsDuration("KAFKA_WRITE_TIMEOUT", cfg.Kafka.WriteTimeout)
	cfg.Kafka.MaxAttempts = getEnvAsInt("KAFKA_MAX_ATTEMPTS", cfg.Kafka.MaxAttempts)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.DedupeTTL = getEnvAsDuration("REDIS_DEDUPE_TTL", cfg.Redis.DedupeTTL)

	cfg.Pricing.UnitRate = getEnv("PRICE_UNIT_RATE", cfg.Pricing.UnitRate)
	cfg.Pricing.MinPrice = getEnv("PRICE_MIN", cfg.Pricing.MinPrice)
	cfg.Pricing.MaxPrice = getEnv("PRICE_MAX", cfg.Pricing.MaxPrice)

	cfg.Limits.SubmitPerSecond = getEnvAsFloat("SUBMIT_PER_SECOND", cfg.Limits.SubmitPerSecond)
	cfg.Limits.SubmitBurst = getEnvAsInt("SUBMIT_BURST", cfg.Limits.SubmitBurst)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Pretty = getEnvAsBool("LOG_PRETTY", cfg.Log.Pretty)
}

// Helper functions to read environment variables
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
