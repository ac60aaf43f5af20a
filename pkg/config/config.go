package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is shared by the evaluation and audit services; each reads the
// sections it needs.
type Config struct {
	Service     string
	Environment string
	LogLevel    string
	Addr        string

	// StrictProdSecurity enables hardening checks in production-like environments.
	StrictProdSecurity bool

	Directory DirectoryConfig
	Handlers  HandlerConfig
	Embedding EmbeddingConfig
	Inference InferenceConfig
	Kafka     KafkaConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Audit     AuditConfig
	HTTP      HTTPConfig
}

type DirectoryConfig struct {
	URL        string
	File       string
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

type HandlerConfig struct {
	Timeout        time.Duration
	MaxConcurrency int
}

type EmbeddingConfig struct {
	URL       string
	APIKey    string
	Model     string
	Timeout   time.Duration
	CacheSize int
	CacheTTL  time.Duration
	Threshold float64
}

type InferenceConfig struct {
	URL     string
	Timeout time.Duration
}

type KafkaConfig struct {
	Brokers        []string
	Topic          string
	GroupID        string
	PublishRetries int
	PublishBackoff time.Duration
}

type DatabaseConfig struct {
	URL        string
	RequireTLS bool
	MaxConns   int
}

type RedisConfig struct {
	Enabled    bool
	Addr       string
	Password   string
	DB         int
	TLS        bool
	RequireTLS bool
	// Raw values are kept so hardening can report exactly what was set.
	TLSInsecure      bool
	AllowInsecureTLS bool
	TLSServerName    string
	TLSCAFile        string
	TLSCertFile      string
	TLSKeyFile       string
}

type AuditConfig struct {
	ChainID  string
	Store    string
	DedupTTL time.Duration
}

type HTTPConfig struct {
	CORSAllowedOrigins string
	WSAllowedOrigins   string
	MaxBodyBytes       int64
	ShutdownTimeout    time.Duration
	// RateLimitPerMinute caps evaluation requests per client; 0 disables it.
	RateLimitPerMinute int
}

// Load reads an optional .env file and then the process environment.
func Load(service string) (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Config{
		Service:     service,
		Environment: env("ENVIRONMENT", "development"),
		LogLevel:    env("LOG_LEVEL", "info"),
		Addr:        env("ADDR", ":8080"),

		StrictProdSecurity: envBool("STRICT_PROD_SECURITY", true),
		Directory: DirectoryConfig{
			URL:        env("POLICY_SVC_URL", "http://localhost:4000/policies/search"),
			File:       env("POLICY_FILE", ""),
			Timeout:    envDurationMS("DIRECTORY_TIMEOUT_MS", 2000),
			Retries:    envInt("DIRECTORY_RETRIES", 2),
			RetryDelay: envDurationMS("DIRECTORY_RETRY_DELAY_MS", 100),
		},
		Handlers: HandlerConfig{
			Timeout:        envDurationMS("HANDLER_TIMEOUT_MS", 3000),
			MaxConcurrency: envInt("MAX_HANDLER_CONCURRENCY", 8),
		},
		Embedding: EmbeddingConfig{
			URL:       env("EMBEDDING_URL", "https://api.openai.com/v1/embeddings"),
			APIKey:    env("OPENAI_API_KEY", ""),
			Model:     env("EMBEDDING_MODEL", "text-embedding-3-small"),
			Timeout:   envDurationMS("EMBEDDING_TIMEOUT_MS", 2500),
			CacheSize: envInt("EMBEDDING_CACHE_SIZE", 1000),
			CacheTTL:  envDurationSec("EMBEDDING_CACHE_TTL_SEC", 86400),
			Threshold: envFloat("SEMANTIC_THRESHOLD", 0.8),
		},
		Inference: InferenceConfig{
			URL:     env("MODEL_SVC_URL", "http://localhost:8000/inference"),
			Timeout: envDurationMS("INFERENCE_TIMEOUT_MS", 2500),
		},
		Kafka: KafkaConfig{
			Brokers:        splitList(env("KAFKA_BROKERS", "localhost:9092")),
			Topic:          env("DECISION_TOPIC", "decision-events"),
			GroupID:        env("KAFKA_GROUP_ID", "audit-logger"),
			PublishRetries: envInt("KAFKA_PUBLISH_RETRIES", 3),
			PublishBackoff: envDurationMS("KAFKA_PUBLISH_BACKOFF_MS", 100),
		},
		Database: DatabaseConfig{
			URL:        env("DATABASE_URL", ""),
			RequireTLS: envBool("DATABASE_REQUIRE_TLS", false),
			MaxConns:   envInt("DATABASE_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Enabled:          envBool("REDIS_ENABLED", true),
			Addr:             env("REDIS_ADDR", "localhost:6379"),
			Password:         os.Getenv("REDIS_PASSWORD"),
			DB:               envInt("REDIS_DB", 0),
			TLS:              envBool("REDIS_TLS", false),
			RequireTLS:       envBool("REDIS_REQUIRE_TLS", false),
			TLSInsecure:      envBool("REDIS_TLS_INSECURE", false),
			AllowInsecureTLS: envBool("REDIS_ALLOW_INSECURE_TLS", false),
			TLSServerName:    env("REDIS_TLS_SERVER_NAME", ""),
			TLSCAFile:        env("REDIS_TLS_CA_CERT_FILE", ""),
			TLSCertFile:      env("REDIS_TLS_CERT_FILE", ""),
			TLSKeyFile:       env("REDIS_TLS_KEY_FILE", ""),
		},
		Audit: AuditConfig{
			ChainID:  env("AUDIT_CHAIN_ID", "default"),
			Store:    strings.ToLower(env("AUDIT_STORE", "postgres")),
			DedupTTL: envDurationSec("AUDIT_DEDUP_TTL_SEC", 86400),
		},
		HTTP: HTTPConfig{
			CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
			WSAllowedOrigins:   env("WS_ALLOWED_ORIGINS", ""),
			MaxBodyBytes:       int64(envInt("MAX_BODY_BYTES", 1<<20)),
			ShutdownTimeout:    envDurationSec("SHUTDOWN_TIMEOUT_SEC", 10),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 600),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Handlers.MaxConcurrency < 1 {
		errs = append(errs, errors.New("MAX_HANDLER_CONCURRENCY must be >= 1"))
	}
	if c.Handlers.Timeout <= 0 {
		errs = append(errs, errors.New("HANDLER_TIMEOUT_MS must be > 0"))
	}
	if c.Directory.Timeout <= 0 {
		errs = append(errs, errors.New("DIRECTORY_TIMEOUT_MS must be > 0"))
	}
	if c.Embedding.Threshold < -1 || c.Embedding.Threshold > 1 {
		errs = append(errs, fmt.Errorf("SEMANTIC_THRESHOLD must be within [-1, 1], got %v", c.Embedding.Threshold))
	}
	if c.Embedding.CacheSize < 1 {
		errs = append(errs, errors.New("EMBEDDING_CACHE_SIZE must be >= 1"))
	}
	if c.Kafka.PublishRetries < 1 {
		errs = append(errs, errors.New("KAFKA_PUBLISH_RETRIES must be >= 1"))
	}
	if c.Kafka.Topic == "" {
		errs = append(errs, errors.New("DECISION_TOPIC is required"))
	}
	switch c.Audit.Store {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("AUDIT_STORE must be postgres or memory, got %q", c.Audit.Store))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether strict hardening applies.
func (c Config) IsProduction() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func env(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func envDurationMS(k string, def int) time.Duration {
	return time.Millisecond * time.Duration(envInt(k, def))
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
