package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct shared by every service binary.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Postgres       PostgresConfig       `yaml:"postgres"`
	Redis          RedisConfig          `yaml:"redis"`
	Kafka          KafkaConfig          `yaml:"kafka"`
	RateLimit      RateLimitConfig      `yaml:"ratelimit"`
	Gateway        GatewayConfig        `yaml:"gateway"`
	PaymentService PaymentServiceConfig `yaml:"payment_service"`
	Retry          RetryConfig          `yaml:"retry"`
	Breaker        BreakerConfig        `yaml:"breaker"`
	Workers        WorkersConfig        `yaml:"workers"`
	Outbox         OutboxConfig         `yaml:"outbox"`
	Notification   NotificationConfig   `yaml:"notification"`
	Log            LogConfig            `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type KafkaConfig struct {
	Brokers      []string `yaml:"brokers"`
	OrderTopic   string   `yaml:"order_topic"`
	PaymentTopic string   `yaml:"payment_topic"`
	GroupID      string   `yaml:"group_id"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type GatewayConfig struct {
	URL            string        `yaml:"url"`
	CallbackURL    string        `yaml:"callback_url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
}

type PaymentServiceConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
}

type BreakerConfig struct {
	WindowSize           int           `yaml:"window_size"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold"`
	OpenDuration         time.Duration `yaml:"open_duration"`
	HalfOpenCalls        int           `yaml:"half_open_calls"`
}

type WorkersConfig struct {
	Size int `yaml:"size"`
}

type OutboxConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

type NotificationConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the values used for any key the yaml file leaves out.
func Default() Config {
	return Config{
		Server:         ServerConfig{Port: 8080},
		Redis:          RedisConfig{Addr: "localhost:6379", TTL: 5 * time.Minute},
		Kafka:          KafkaConfig{Brokers: []string{"localhost:9092"}, OrderTopic: "order-events", PaymentTopic: "payment-events"},
		RateLimit:      RateLimitConfig{RPS: 50, Burst: 100},
		Gateway:        GatewayConfig{ConnectTimeout: 3 * time.Second, ReadTimeout: 10 * time.Second},
		PaymentService: PaymentServiceConfig{Timeout: 10 * time.Second},
		Retry:          RetryConfig{MaxAttempts: 3, BaseDelay: 2 * time.Second, Multiplier: 2},
		Breaker:        BreakerConfig{WindowSize: 10, FailureRateThreshold: 50, OpenDuration: 30 * time.Second, HalfOpenCalls: 3},
		Workers:        WorkersConfig{Size: 16},
		Outbox:         OutboxConfig{PollInterval: time.Second, BatchSize: 100},
		Notification:   NotificationConfig{MaxAttempts: 3, BaseDelay: 5 * time.Second},
		Log:            LogConfig{Level: "info"},
	}
}

// Load reads yaml file on top of Default and applies env overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if url := os.Getenv("GATEWAY_URL"); url != "" {
		cfg.Gateway.URL = url
	}
	if url := os.Getenv("PAYMENT_SERVICE_URL"); url != "" {
		cfg.PaymentService.URL = url
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("SERVER_PORT: %w", err)
		}
		cfg.Server.Port = p
	}
	return &cfg, nil
}
