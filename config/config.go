package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the SQL agent service.
type Config struct {
	General       GeneralConfig       `mapstructure:"general"`
	Server        ServerConfig        `mapstructure:"server"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Schema        SchemaConfig        `mapstructure:"schema"`
	KnowledgeBase KnowledgeBaseConfig `mapstructure:"knowledge_base"`
	Target        TargetConfig        `mapstructure:"target"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Listen    string `mapstructure:"listen"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.JWTSecret) == "" {
		return fmt.Errorf("server.jwt_secret is required")
	}
	return nil
}

// LLMConfig contains the completion/embedding provider configuration.
type LLMConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	CompletionModel string        `mapstructure:"completion_model"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	BackoffCap      time.Duration `mapstructure:"backoff_cap"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.APIKey) == "" {
		return fmt.Errorf("llm.api_key is required")
	}
	if l.MaxRetries < 1 {
		return fmt.Errorf("llm.max_retries must be >= 1")
	}
	return nil
}

// SchemaConfig controls snapshot loading and the optional refresh schedule.
type SchemaConfig struct {
	SnapshotPath string `mapstructure:"snapshot_path"`
	RefreshCron  string `mapstructure:"refresh_cron"`
}

func (s SchemaConfig) Validate() error {
	if strings.TrimSpace(s.SnapshotPath) == "" {
		return fmt.Errorf("schema.snapshot_path is required")
	}
	return nil
}

// KnowledgeBaseConfig controls example loading and retrieval policy.
type KnowledgeBaseConfig struct {
	Directory string `mapstructure:"directory"`
	TopK      int    `mapstructure:"top_k"`
	// ShortcutThreshold: when the best match's cosine similarity reaches this
	// value the example's SQL is returned without a generation call. Zero
	// disables the shortcut.
	ShortcutThreshold float64 `mapstructure:"shortcut_threshold"`
	EmbeddingBatch    int     `mapstructure:"embedding_batch"`
}

func (k KnowledgeBaseConfig) Validate() error {
	if strings.TrimSpace(k.Directory) == "" {
		return fmt.Errorf("knowledge_base.directory is required")
	}
	if k.ShortcutThreshold < 0 || k.ShortcutThreshold > 1 {
		return fmt.Errorf("knowledge_base.shortcut_threshold must be within [0,1]")
	}
	return nil
}

// TargetConfig describes the read-only database queries execute against.
type TargetConfig struct {
	URL              string        `mapstructure:"url"`
	MaxConnections   int           `mapstructure:"max_connections"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	PageSize         int           `mapstructure:"page_size"`
	ExportRowLimit   int           `mapstructure:"export_row_limit"`
}

func (t TargetConfig) Validate() error {
	if strings.TrimSpace(t.URL) == "" {
		return fmt.Errorf("target.url is required")
	}
	if t.PageSize <= 0 {
		return fmt.Errorf("target.page_size must be > 0")
	}
	return nil
}

// StorageConfig describes the application's own Postgres database.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig contains connection parameters, URL taking precedence.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a postgres connection string from whichever fields are set.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig is used for the admin-refresh lock; optional in single-replica setups.
type RedisConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	Pass string `mapstructure:"pass"`
	DB   int    `mapstructure:"db"`
}

func (r RedisConfig) Enabled() bool { return r.Host != "" && r.Port != "" }

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Schema.Validate(); err != nil {
		return err
	}
	if err := c.KnowledgeBase.Validate(); err != nil {
		return err
	}
	return c.Target.Validate()
}

// LoadConfig loads config from file, with SQLAGENT_* env overrides.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("server.listen", ":8080")
	viper.SetDefault("llm.base_url", "https://api.openai.com")
	viper.SetDefault("llm.completion_model", "gpt-4")
	viper.SetDefault("llm.embedding_model", "text-embedding-3-small")
	viper.SetDefault("llm.temperature", 0.0)
	viper.SetDefault("llm.max_tokens", 1000)
	viper.SetDefault("llm.timeout", "30s")
	viper.SetDefault("llm.max_retries", 3)
	viper.SetDefault("llm.retry_backoff", "1s")
	viper.SetDefault("llm.backoff_cap", "8s")
	viper.SetDefault("knowledge_base.top_k", 3)
	viper.SetDefault("knowledge_base.shortcut_threshold", 0.85)
	viper.SetDefault("knowledge_base.embedding_batch", 16)
	viper.SetDefault("target.max_connections", 10)
	viper.SetDefault("target.statement_timeout", "5m")
	viper.SetDefault("target.page_size", 500)
	viper.SetDefault("target.export_row_limit", 10000)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("SQLAGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
