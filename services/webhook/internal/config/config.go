package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	LogsDir  string `yaml:"logsDir"`

	TrustedProxies []string `yaml:"trustedProxies"`

	ChannelSecret string `yaml:"channelSecret"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	ProfileAPIBaseURL string `yaml:"profileApiBaseURL"`
	ProfileAPIToken   string `yaml:"profileApiToken"`

	QueueName              string `yaml:"queueName"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`

	AMQPURL        string `yaml:"amqpURL"`
	NotifyExchange string `yaml:"notifyExchange"`

	ArchiveEndpoint  string `yaml:"archiveEndpoint"`
	ArchiveAccessKey string `yaml:"archiveAccessKey"`
	ArchiveSecretKey string `yaml:"archiveSecretKey"`
	ArchiveBucket    string `yaml:"archiveBucket"`
	ArchiveUseSSL    bool   `yaml:"archiveUseSSL"`

	OpsTokenSecret       string `yaml:"opsTokenSecret"`
	OpsRateLimit         int    `yaml:"opsRateLimit"`
	OpsRateWindowSeconds int    `yaml:"opsRateWindowSeconds"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOGS_DIR"); v != "" {
		cfg.LogsDir = v
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = strings.Split(v, ",")
	}
	if v := os.Getenv("TALKRELAY_CHANNEL_SECRET"); v != "" {
		cfg.ChannelSecret = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("TALKRELAY_PROFILE_API_BASE_URL"); v != "" {
		cfg.ProfileAPIBaseURL = v
	}
	if v := os.Getenv("TALKRELAY_PROFILE_TOKEN"); v != "" {
		cfg.ProfileAPIToken = v
	}
	if v := os.Getenv("WEBHOOK_QUEUE_NAME"); v != "" {
		cfg.QueueName = v
	}
	if v := os.Getenv("WEBHOOK_QUEUE_GROUP"); v != "" {
		cfg.QueueGroup = v
	}
	if v := os.Getenv("WEBHOOK_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
	if v := os.Getenv("WEBHOOK_QUEUE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueMaxRetries = n
		}
	}
	if v := os.Getenv("WEBHOOK_QUEUE_RETRY_DELAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueRetryDelaySeconds = n
		}
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("TALKRELAY_NOTIFY_EXCHANGE"); v != "" {
		cfg.NotifyExchange = v
	}
	if v := os.Getenv("TALKRELAY_ARCHIVE_ENDPOINT"); v != "" {
		cfg.ArchiveEndpoint = v
	}
	if v := os.Getenv("TALKRELAY_ARCHIVE_ACCESS_KEY"); v != "" {
		cfg.ArchiveAccessKey = v
	}
	if v := os.Getenv("TALKRELAY_ARCHIVE_SECRET_KEY"); v != "" {
		cfg.ArchiveSecretKey = v
	}
	if v := os.Getenv("TALKRELAY_ARCHIVE_BUCKET"); v != "" {
		cfg.ArchiveBucket = v
	}
	if v := os.Getenv("TALKRELAY_ARCHIVE_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ArchiveUseSSL = b
		}
	}
	if v := os.Getenv("TALKRELAY_OPS_TOKEN_SECRET"); v != "" {
		cfg.OpsTokenSecret = v
	}
	if v := os.Getenv("TALKRELAY_OPS_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OpsRateLimit = n
		}
	}
	if v := os.Getenv("TALKRELAY_OPS_RATE_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OpsRateWindowSeconds = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if cfg.ChannelSecret == "" {
		return errors.New("config: channelSecret is required (set in config.yaml or TALKRELAY_CHANNEL_SECRET)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.ProfileAPIBaseURL == "" {
		return errors.New("config: profileApiBaseURL is required (set in config.yaml)")
	}
	if cfg.QueueConcurrency < 0 {
		return errors.New("config: queueConcurrency must be >= 0")
	}
	if cfg.QueueMaxRetries < 0 {
		return errors.New("config: queueMaxRetries must be >= 0")
	}
	if cfg.QueueRetryDelaySeconds < 0 {
		return errors.New("config: queueRetryDelaySeconds must be >= 0")
	}
	if cfg.AMQPURL != "" && cfg.NotifyExchange == "" {
		return errors.New("config: notifyExchange is required when amqpURL is set")
	}
	if cfg.ArchiveEndpoint != "" && cfg.ArchiveBucket == "" {
		return errors.New("config: archiveBucket is required when archiveEndpoint is set")
	}
	if cfg.OpsRateLimit < 0 || cfg.OpsRateWindowSeconds < 0 {
		return errors.New("config: ops rate limit settings must be >= 0")
	}
	return nil
}
