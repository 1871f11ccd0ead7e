// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Retrieval, Chat, Postgres, Kafka, Redis, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Chat      ChatConfig      `yaml:"chat"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	CORS      CORSConfig      `yaml:"cors"`
	Admin     AdminConfig     `yaml:"admin"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// RetrievalConfig controls the knowledge-base source and ranking defaults.
type RetrievalConfig struct {
	KnowledgeBasePath string  `yaml:"knowledgeBasePath"`
	TopK              int     `yaml:"topK"`
	MinScore          float64 `yaml:"minScore"`
	MaxTopK           int     `yaml:"maxTopK"`
	// EagerLoad parses the knowledge base at startup instead of on the
	// first query.
	EagerLoad bool `yaml:"eagerLoad"`
}

// ChatConfig holds the OpenAI-compatible chat-completion endpoint settings.
type ChatConfig struct {
	APIKey           string        `yaml:"apiKey"`
	BaseURL          string        `yaml:"baseURL"`
	Model            string        `yaml:"model"`
	SystemPromptPath string        `yaml:"systemPromptPath"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxAttempts      int           `yaml:"maxAttempts"`
	RateLimit        int           `yaml:"rateLimit"`
	RateWindow       time.Duration `yaml:"rateWindow"`
}

// PostgresConfig holds PostgreSQL connection parameters. URL, when set,
// takes precedence over the discrete fields.
type PostgresConfig struct {
	URL             string        `yaml:"url"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// Enabled reports whether enough settings are present to attempt a connection.
func (p PostgresConfig) Enabled() bool {
	return p.URL != "" || p.Host != ""
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		if strings.HasPrefix(p.URL, "postgres://") {
			return "postgresql://" + strings.TrimPrefix(p.URL, "postgres://")
		}
		return p.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings. An empty broker list
// disables analytics publishing.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	RetrievalEvents string `yaml:"retrievalEvents"`
}

// AnalyticsConfig controls event batching and how often aggregated stats
// are snapshotted to PostgreSQL.
type AnalyticsConfig struct {
	BufferSize       int           `yaml:"bufferSize"`
	BatchSize        int           `yaml:"batchSize"`
	FlushInterval    time.Duration `yaml:"flushInterval"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`
}

// RedisConfig holds Redis connection and caching parameters. An empty Addr
// disables caching.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls span logging for retrieval requests.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// CORSConfig lists the origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowOrigins []string `yaml:"allowOrigins"`
}

// AdminConfig lists the API keys accepted on the cache and analytics admin
// routes. An empty list leaves those routes open.
type AdminConfig struct {
	APIKeys []string `yaml:"apiKeys"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the retrieval path cannot run with.
func (c *Config) Validate() error {
	if c.Retrieval.KnowledgeBasePath == "" {
		return fmt.Errorf("retrieval.knowledgeBasePath is required")
	}
	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("retrieval.topK must be >= 1, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.MinScore < 0 {
		return fmt.Errorf("retrieval.minScore must be >= 0, got %v", c.Retrieval.MinScore)
	}
	if c.Retrieval.MaxTopK < c.Retrieval.TopK {
		return fmt.Errorf("retrieval.maxTopK (%d) must be >= topK (%d)", c.Retrieval.MaxTopK, c.Retrieval.TopK)
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            5000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Retrieval: RetrievalConfig{
			KnowledgeBasePath: "data/knowledge_base.json",
			TopK:              3,
			MinScore:          0.5,
			MaxTopK:           20,
		},
		Chat: ChatConfig{
			BaseURL:     "https://dashscope.aliyuncs.com/compatible-mode/v1",
			Model:       "qwen-flash",
			Timeout:     45 * time.Second,
			MaxAttempts: 2,
			RateLimit:   20,
			RateWindow:  time.Minute,
		},
		Postgres: PostgresConfig{
			Port:            5432,
			SSLMode:         "require",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			ConsumerGroup: "kbretrieval-analytics",
			Topics: KafkaTopics{
				RetrievalEvents: "retrieval-events",
			},
		},
		Analytics: AnalyticsConfig{
			BufferSize:       10000,
			BatchSize:        100,
			FlushInterval:    2 * time.Second,
			SnapshotInterval: 5 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize: 10,
			CacheTTL: 10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		CORS: CORSConfig{
			AllowOrigins: []string{"*"},
		},
	}
}

// applyEnvOverrides reads KR_* environment variables and overrides the
// corresponding config fields. PORT, DASHSCOPE_API_KEY and POSTGRES_URL are
// honoured for hosted deployments, with the KR_* form taking precedence.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KR_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KR_KNOWLEDGE_BASE_PATH"); v != "" {
		cfg.Retrieval.KnowledgeBasePath = v
	}
	if v := os.Getenv("KR_RETRIEVAL_TOP_K"); v != "" {
		if k, err := strconv.Atoi(v); err == nil {
			cfg.Retrieval.TopK = k
		}
	}
	if v := os.Getenv("KR_RETRIEVAL_MIN_SCORE"); v != "" {
		if s, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Retrieval.MinScore = s
		}
	}
	if v := os.Getenv("DASHSCOPE_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv("KR_CHAT_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv("KR_CHAT_BASE_URL"); v != "" {
		cfg.Chat.BaseURL = v
	}
	if v := os.Getenv("KR_CHAT_MODEL"); v != "" {
		cfg.Chat.Model = v
	}
	if v := os.Getenv("POSTGRES_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("KR_POSTGRES_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("KR_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("KR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("KR_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("KR_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("KR_CORS_ALLOW_ORIGINS"); v != "" {
		cfg.CORS.AllowOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("KR_ADMIN_API_KEYS"); v != "" {
		cfg.Admin.APIKeys = strings.Split(v, ",")
	}
}
