package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	LLM      LLMConfig
	Scoring  ScoringConfig
	Gate     GateConfig
	Lexicon  LexiconConfig
	Sync     SyncConfig
	Monitor  MonitorConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Host                 string
	Port                 int
	ReadTimeout          int
	WriteTimeout         int
	TriggerRatePerMinute int
	// Development disables HSTS and enables the access log.
	Development bool
}

type DatabaseConfig struct {
	// Driver is "sqlite3" or "postgres".
	Driver      string
	SQLitePath  string
	PostgresDSN string
}

type RedisConfig struct {
	Enabled     bool
	Host        string
	Port        int
	Password    string
	DB          int
	LockTTL     time.Duration
	ProgressTTL time.Duration
}

type LLMConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

type ScoringConfig struct {
	Retries        int
	InitialBackoff time.Duration
	Concurrency    int
}

type GateConfig struct {
	MinTranscriptLength int
}

type LexiconConfig struct {
	// Path to a YAML lexicon; empty uses the embedded default.
	Path string
}

type SyncConfig struct {
	JobName           string
	BatchSize         int
	BatchRetries      int
	BatchRetryBackoff time.Duration
	// Limit caps the calls scored per run; 0 means no cap.
	Limit int
	// Schedule is the interval of the in-process scheduler used by serve;
	// 0 disables it.
	Schedule time.Duration
}

type MonitorConfig struct {
	Interval time.Duration
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/qci-sync")

	v.SetEnvPrefix("QCI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	_ = v.BindEnv("llm.apiKey", "QCI_LLM_APIKEY", "OPENAI_API_KEY")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlitePath is required for sqlite3")
		}
	case "postgres":
		if c.Database.PostgresDSN == "" {
			return fmt.Errorf("database.postgresDSN is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batchSize must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Gate.MinTranscriptLength < 0 {
		return fmt.Errorf("gate.minTranscriptLength must not be negative")
	}
	if c.Sync.BatchRetries < 0 {
		return fmt.Errorf("sync.batchRetries must not be negative")
	}
	if c.Scoring.Retries < 0 {
		return fmt.Errorf("scoring.retries must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.triggerRatePerMinute", 6)
	v.SetDefault("server.development", false)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.sqlitePath", "./data/qci.db")
	v.SetDefault("database.postgresDSN", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lockTTL", 30*time.Minute)
	v.SetDefault("redis.progressTTL", time.Minute)

	v.SetDefault("llm.baseURL", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.maxTokens", 600)
	v.SetDefault("llm.timeout", 30*time.Second)

	v.SetDefault("scoring.retries", 1)
	v.SetDefault("scoring.initialBackoff", time.Second)
	v.SetDefault("scoring.concurrency", 1)

	v.SetDefault("gate.minTranscriptLength", 100)

	v.SetDefault("lexicon.path", "")

	v.SetDefault("sync.jobName", "qci-sync")
	v.SetDefault("sync.batchSize", 50)
	v.SetDefault("sync.batchRetries", 1)
	v.SetDefault("sync.batchRetryBackoff", 500*time.Millisecond)
	v.SetDefault("sync.limit", 0)
	v.SetDefault("sync.schedule", time.Duration(0))

	v.SetDefault("monitor.interval", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
