package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string
	Timezone            string

	LogLevel  string
	LogFormat string

	// DispatchBuffer is the capacity of the channel between a network
	// connection and its dispatch worker.
	DispatchBuffer int
	// FanoutShards is the number of ordered publish workers.
	FanoutShards int
	// FanoutQueueSize is the per-shard queue capacity; publishes beyond it are dropped.
	FanoutQueueSize      int
	WSMaxPerConversation int

	NetworkTimeout       time.Duration
	ReconnectMaxInterval time.Duration
	TelegramBaseURL      string
	// MailPollInterval bounds how long an idle inbox waits before checking again.
	MailPollInterval time.Duration

	// Optional integrations. Empty means disabled.
	RedisURL     string
	AMQPURL      string
	AMQPExchange string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("VCHAT_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:          env,
		EncryptionKeyBase64:  os.Getenv("VCHAT_ENCRYPTION_KEY_BASE64"),
		DBHost:               getEnvOrDefault("VCHAT_DB_HOST", "localhost"),
		DBPort:               getEnvOrDefault("VCHAT_DB_PORT", "5432"),
		DBUsername:           getEnvOrDefault("VCHAT_DB_USER", "vchat"),
		DBPassword:           os.Getenv("VCHAT_DB_PASSWORD"),
		DBName:               getEnvOrDefault("VCHAT_DB_NAME", "vchat"),
		DBSSLMode:            getEnvOrDefault("VCHAT_DB_SSLMODE", "disable"),
		Port:                 getEnvOrDefault("PORT", "8080"),
		Timezone:             getEnvOrDefault("TZ", "UTC"),
		LogLevel:             getEnvOrDefault("VCHAT_LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("VCHAT_LOG_FORMAT", defaultLogFormat(env)),
		TelegramBaseURL:      getEnvOrDefault("VCHAT_TELEGRAM_BASE_URL", "https://api.telegram.org"),
		RedisURL:             os.Getenv("VCHAT_REDIS_URL"),
		AMQPURL:              os.Getenv("VCHAT_AMQP_URL"),
		AMQPExchange:         getEnvOrDefault("VCHAT_AMQP_EXCHANGE", "vchat.messages"),
		DispatchBuffer:       64,
		FanoutShards:         8,
		FanoutQueueSize:      256,
		WSMaxPerConversation: 10,
		NetworkTimeout:       30 * time.Second,
		ReconnectMaxInterval: 5 * time.Minute,
		MailPollInterval:     time.Minute,
	}

	var err error
	if config.DispatchBuffer, err = getEnvInt("VCHAT_DISPATCH_BUFFER", config.DispatchBuffer); err != nil {
		return nil, err
	}
	if config.FanoutShards, err = getEnvInt("VCHAT_FANOUT_SHARDS", config.FanoutShards); err != nil {
		return nil, err
	}
	if config.FanoutQueueSize, err = getEnvInt("VCHAT_FANOUT_QUEUE_SIZE", config.FanoutQueueSize); err != nil {
		return nil, err
	}
	if config.WSMaxPerConversation, err = getEnvInt("VCHAT_WS_MAX_PER_CONVERSATION", config.WSMaxPerConversation); err != nil {
		return nil, err
	}
	if config.NetworkTimeout, err = getEnvDuration("VCHAT_NETWORK_TIMEOUT", config.NetworkTimeout); err != nil {
		return nil, err
	}
	if config.ReconnectMaxInterval, err = getEnvDuration("VCHAT_RECONNECT_MAX_INTERVAL", config.ReconnectMaxInterval); err != nil {
		return nil, err
	}

	if config.MailPollInterval, err = getEnvDuration("VCHAT_MAIL_POLL_INTERVAL", config.MailPollInterval); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("VCHAT_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("VCHAT_DB_PASSWORD is required")
	}

	if c.DispatchBuffer <= 0 {
		return fmt.Errorf("VCHAT_DISPATCH_BUFFER must be positive")
	}

	if c.FanoutShards <= 0 {
		return fmt.Errorf("VCHAT_FANOUT_SHARDS must be positive")
	}

	if c.FanoutQueueSize <= 0 {
		return fmt.Errorf("VCHAT_FANOUT_QUEUE_SIZE must be positive")
	}

	if c.NetworkTimeout <= 0 {
		return fmt.Errorf("VCHAT_NETWORK_TIMEOUT must be positive")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func defaultLogFormat(env string) string {
	if env == "development" {
		return "console"
	}
	return "json"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return parsed, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 30s: %w", key, err)
	}
	return parsed, nil
}
