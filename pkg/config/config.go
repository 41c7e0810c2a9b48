package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTP        HTTPConfig
	Device      DeviceConfig
	Discovery   DiscoveryConfig
	Store       StoreConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Aggregation AggregationConfig
	SMTP        SMTPConfig
	Log         LogConfig
}

type HTTPConfig struct {
	Port int
}

// DeviceConfig holds the credentials and timeouts used against sensor firmware.
type DeviceConfig struct {
	Username     string
	Password     string
	CACertPath   string
	TokenTimeout time.Duration
	PollTimeout  time.Duration
	PollInterval time.Duration
	PollWorkers  int
	MaxDevices   int
}

type DiscoveryConfig struct {
	Source         string // arp or registry
	RescanInterval time.Duration
	ARPCommand     string
}

type StoreConfig struct {
	Backend          string // memory, redis or postgres
	SensorCollection string // sensors or devices
	RedisKeyPrefix   string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Enabled     bool
	Brokers     []string
	TopicEvents string
	GroupID     string
}

type AggregationConfig struct {
	HourlyDelay time.Duration
	DailyTime   string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

type LogConfig struct {
	Level  string
	Format string
}

const (
	SourceARP      = "arp"
	SourceRegistry = "registry"

	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := &Config{
		HTTP: HTTPConfig{
			Port: getEnvAsInt("PORT", 8081),
		},
		Device: DeviceConfig{
			Username:     getEnv("DEVICE_USERNAME", "admin"),
			Password:     getEnv("DEVICE_PASSWORD", "13579Qwert!"),
			CACertPath:   getEnv("DEVICE_CA_CERT", "ca-cert.pem"),
			TokenTimeout: getEnvAsDuration("DEVICE_TOKEN_TIMEOUT", 5*time.Second),
			PollTimeout:  getEnvAsDuration("DEVICE_POLL_TIMEOUT", 10*time.Second),
			PollInterval: getEnvAsDuration("DEVICE_POLL_INTERVAL", 15*time.Second),
			PollWorkers:  getEnvAsInt("DEVICE_POLL_WORKERS", 16),
			MaxDevices:   getEnvAsInt("DEVICE_MAX_POLLED", 256),
		},
		Discovery: DiscoveryConfig{
			Source:         strings.ToLower(getEnv("DISCOVERY_SOURCE", SourceARP)),
			RescanInterval: getEnvAsDuration("DISCOVERY_RESCAN_INTERVAL", 5*time.Minute),
			ARPCommand:     getEnv("DISCOVERY_ARP_COMMAND", "arp -a"),
		},
		Store: StoreConfig{
			Backend:          strings.ToLower(getEnv("RECORD_STORE", BackendMemory)),
			SensorCollection: getEnv("SENSOR_COLLECTION", "sensors"),
			RedisKeyPrefix:   getEnv("RECORD_STORE_REDIS_PREFIX", "rs:"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "sensor_user"),
			Password: getEnv("DB_PASSWORD", "sensor_pass"),
			DBName:   getEnv("DB_NAME", "sensor_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Enabled:     getEnvAsBool("KAFKA_ENABLED", false),
			Brokers:     strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			TopicEvents: getEnv("KAFKA_TOPIC_EVENTS", "sensor.events"),
			GroupID:     getEnv("KAFKA_GROUP_ID", "notification-group"),
		},
		Aggregation: AggregationConfig{
			HourlyDelay: getEnvAsDuration("AGGREGATION_HOURLY_DELAY", 5*time.Minute),
			DailyTime:   getEnv("AGGREGATION_DAILY_TIME", "00:05"),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "sensor-proxy@example.com"),
			To:       getEnv("SMTP_TO", "admin@example.com"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	switch c.Discovery.Source {
	case SourceARP, SourceRegistry:
	default:
		return fmt.Errorf("invalid DISCOVERY_SOURCE %q (want arp or registry)", c.Discovery.Source)
	}

	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("invalid RECORD_STORE %q (want memory, redis or postgres)", c.Store.Backend)
	}

	if c.Store.SensorCollection != "sensors" && c.Store.SensorCollection != "devices" {
		return fmt.Errorf("invalid SENSOR_COLLECTION %q (want sensors or devices)", c.Store.SensorCollection)
	}

	if c.Device.PollInterval <= 0 {
		return fmt.Errorf("DEVICE_POLL_INTERVAL must be positive")
	}

	if c.Device.PollWorkers <= 0 || c.Device.MaxDevices <= 0 {
		return fmt.Errorf("DEVICE_POLL_WORKERS and DEVICE_MAX_POLLED must be positive")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
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
