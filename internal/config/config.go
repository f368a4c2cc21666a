package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all settings of the position service. Every key is read
// from the environment with the POSITION_ prefix, e.g. POSITION_HUB_NAME.
type Config struct {
	PostgresDSN       string `mapstructure:"POSTGRES_DSN"`
	Transport         string `mapstructure:"TRANSPORT"`
	NATSURL           string `mapstructure:"NATS_URL"`
	KafkaBrokers      string `mapstructure:"KAFKA_BROKERS"`
	KafkaGroupID      string `mapstructure:"KAFKA_GROUP_ID"`
	PositionTopic     string `mapstructure:"POSITION_TOPIC"`
	NotificationTopic string `mapstructure:"NOTIFICATION_TOPIC"`
	EventTopic        string `mapstructure:"EVENT_TOPIC"`
	BatchSize         int    `mapstructure:"BATCH_SIZE"`
	BatchTimeoutMS    int    `mapstructure:"BATCH_TIMEOUT_MS"`
	HubName           string `mapstructure:"HUB_NAME"`
	AmountScale       int    `mapstructure:"AMOUNT_SCALE"`
	RedisAddr         string `mapstructure:"REDIS_ADDR"`
	RedisPassword     string `mapstructure:"REDIS_PASSWORD"`
	RedisDB           int    `mapstructure:"REDIS_DB"`
	AlarmTTLSeconds   int    `mapstructure:"ALARM_TTL_SECONDS"`
	GRPCAddr          string `mapstructure:"GRPC_ADDR"`
	HTTPAddr          string `mapstructure:"HTTP_ADDR"`
	MetricsAddr       string `mapstructure:"METRICS_ADDR"`
	LogLevel          string `mapstructure:"LOG_LEVEL"`
}

const (
	TransportNATS  = "nats"
	TransportKafka = "kafka"
)

var defaults = map[string]interface{}{
	"POSTGRES_DSN":       "",
	"TRANSPORT":          TransportNATS,
	"NATS_URL":           "nats://localhost:4222",
	"KAFKA_BROKERS":      "localhost:9092",
	"KAFKA_GROUP_ID":     "position-handler",
	"POSITION_TOPIC":     "position",
	"NOTIFICATION_TOPIC": "notification",
	"EVENT_TOPIC":        "events",
	"BATCH_SIZE":         100,
	"BATCH_TIMEOUT_MS":   50,
	"HUB_NAME":           "Hub",
	"AMOUNT_SCALE":       4,
	"REDIS_ADDR":         "localhost:6379",
	"REDIS_PASSWORD":     "",
	"REDIS_DB":           0,
	"ALARM_TTL_SECONDS":  300,
	"GRPC_ADDR":          ":9090",
	"HTTP_ADDR":          ":8080",
	"METRICS_ADDR":       ":9100",
	"LOG_LEVEL":          "info",
}

// LoadConfig loads an optional .env file from path, then reads the
// environment. Variables already set in the process win over the file.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	envFile := filepath.Join(path, ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("WARN: failed to read %s; using environment values: %v", envFile, err)
	}

	v := viper.New()
	v.SetEnvPrefix("POSITION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
		_ = v.BindEnv(key)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}

	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	cfg.HubName = strings.TrimSpace(cfg.HubName)
	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.HubName == "" {
		return errors.New("POSITION_HUB_NAME is required")
	}
	if c.PostgresDSN == "" {
		return errors.New("POSITION_POSTGRES_DSN is required")
	}
	if c.Transport != TransportNATS && c.Transport != TransportKafka {
		return fmt.Errorf("POSITION_TRANSPORT must be %q or %q, got %q", TransportNATS, TransportKafka, c.Transport)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("POSITION_BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.AmountScale < 0 || c.AmountScale > 18 {
		return fmt.Errorf("POSITION_AMOUNT_SCALE must be within [0, 18], got %d", c.AmountScale)
	}
	return nil
}

// Brokers splits the comma separated Kafka broker list.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (c Config) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutMS) * time.Millisecond
}

func (c Config) AlarmTTL() time.Duration {
	return time.Duration(c.AlarmTTLSeconds) * time.Second
}
