// Package config loads service configuration from a yaml file with
// environment variable overrides. All services share one schema; each
// binary reads the sections it needs.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Gateway  Gateway  `yaml:"gateway"`
	API      API      `yaml:"api"`
	Scylla   Scylla   `yaml:"scylla"`
	Redis    Redis    `yaml:"redis"`
	Kafka    Kafka    `yaml:"kafka"`
	Auth     Auth     `yaml:"auth"`
	Chat     Chat     `yaml:"chat"`
	Notifier Notifier `yaml:"notifier"`
	Logging  Logging  `yaml:"logging"`
}

type Gateway struct {
	Addr string `yaml:"addr"`
}

type API struct {
	Addr string `yaml:"addr"`
	// Per-user request budget for the REST surface.
	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`
}

type Scylla struct {
	Hosts    []string `yaml:"hosts"`
	Keyspace string   `yaml:"keyspace"`
	// NodeID seeds the snowflake generator; every running instance
	// needs a distinct value.
	NodeID int64 `yaml:"node_id"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Auth struct {
	TokenSecret string        `yaml:"token_secret"`
	TokenExpire time.Duration `yaml:"token_expire"`
}

type Chat struct {
	TypingTTL   time.Duration `yaml:"typing_ttl"`
	PageSize    int           `yaml:"page_size"`
	MaxPageSize int           `yaml:"max_page_size"`
}

type Notifier struct {
	// SinkURL is the push pipeline's intake endpoint; notes are logged
	// instead when it is empty.
	SinkURL string `yaml:"sink_url"`
	Group   string `yaml:"group"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File appends logs to a file instead of stdout when set.
	File string `yaml:"file"`
}

// Default returns the configuration used when no file and no environment
// overrides are present. Backend addresses assume local development
// containers on their standard ports.
func Default() *Config {
	return &Config{
		Gateway: Gateway{Addr: ":8081"},
		API:     API{Addr: ":8080", RateRPS: 25, RateBurst: 50},
		Scylla: Scylla{
			Hosts:    []string{"127.0.0.1:9042"},
			Keyspace: "chat",
			NodeID:   1,
		},
		Redis: Redis{Addr: "127.0.0.1:6379"},
		Kafka: Kafka{
			Brokers: []string{"127.0.0.1:9092"},
			Topic:   "chat-events",
		},
		Auth: Auth{
			TokenSecret: "dev-secret-change-me",
			TokenExpire: 24 * time.Hour,
		},
		Chat: Chat{
			TypingTTL:   5 * time.Second,
			PageSize:    50,
			MaxPageSize: 200,
		},
		Notifier: Notifier{Group: "chat-notifier"},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// Load reads path if it exists, then applies CHAT_* environment overrides.
// A missing file is not an error; defaults plus environment cover the
// container case where no config is mounted.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Gateway.Addr, "CHAT_GATEWAY_ADDR")
	setString(&c.API.Addr, "CHAT_API_ADDR")
	setFloat(&c.API.RateRPS, "CHAT_API_RATE_RPS")
	setInt(&c.API.RateBurst, "CHAT_API_RATE_BURST")
	setList(&c.Scylla.Hosts, "CHAT_SCYLLA_HOSTS")
	setString(&c.Scylla.Keyspace, "CHAT_SCYLLA_KEYSPACE")
	setInt64(&c.Scylla.NodeID, "CHAT_NODE_ID")
	setString(&c.Redis.Addr, "CHAT_REDIS_ADDR")
	setString(&c.Redis.Password, "CHAT_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "CHAT_REDIS_DB")
	setList(&c.Kafka.Brokers, "CHAT_KAFKA_BROKERS")
	setString(&c.Kafka.Topic, "CHAT_KAFKA_TOPIC")
	setString(&c.Auth.TokenSecret, "CHAT_TOKEN_SECRET")
	setDuration(&c.Auth.TokenExpire, "CHAT_TOKEN_EXPIRE")
	setDuration(&c.Chat.TypingTTL, "CHAT_TYPING_TTL")
	setInt(&c.Chat.PageSize, "CHAT_PAGE_SIZE")
	setInt(&c.Chat.MaxPageSize, "CHAT_MAX_PAGE_SIZE")
	setString(&c.Notifier.SinkURL, "CHAT_NOTIFY_SINK_URL")
	setString(&c.Notifier.Group, "CHAT_NOTIFY_GROUP")
	setString(&c.Logging.Level, "CHAT_LOG_LEVEL")
	setString(&c.Logging.Format, "CHAT_LOG_FORMAT")
	setString(&c.Logging.File, "CHAT_LOG_FILE")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*dst = parts
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
