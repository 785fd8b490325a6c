package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"

	"chatcall-backend/pkg/constants"
	"chatcall-backend/pkg/env"
)

// Config holds all configuration for the call service
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cassandra CassandraConfig
	AMQP      AMQPConfig
	JWT       JWTConfig
	Log       LogConfig
	Calls     CallsConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	RequestTimeout time.Duration
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// CassandraConfig holds Cassandra configuration for the call event timeline
type CassandraConfig struct {
	Hosts    []string
	Keyspace string
	Username string
	Password string
	Timeout  time.Duration
}

// AMQPConfig holds the broker used by the amqp notification driver
type AMQPConfig struct {
	URL      string
	Exchange string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret   string
	Audience string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// CallsConfig holds call lifecycle tuning
type CallsConfig struct {
	StaleThreshold  time.Duration
	// ReaperEnabled runs the reaper inside call-service; turn it off when
	// cmd/call-reaper is scheduled instead
	ReaperEnabled   bool
	ReapInterval    time.Duration
	StoreTimeout    time.Duration
	NotifyDrivers   []string // redis, amqp, cassandra, log
	NotifyWorkers   int
	NotifyQueueSize int
	NotifyTimeout   time.Duration

	// InitiateLimit caps call initiations per user per InitiateWindow; 0 disables it
	InitiateLimit  int
	InitiateWindow time.Duration
}

// Load loads configuration from environment variables.
// A .env file in the working directory is applied first when present;
// variables already set in the environment win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8083),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "call-service"),
			RequestTimeout: env.GetDuration("REQUEST_TIMEOUT", constants.RequestTimeout),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "chatcall"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  time.Duration(env.GetInt("REDIS_TIMEOUT", 5)) * time.Second,
		},
		Cassandra: CassandraConfig{
			Hosts:    env.GetSlice("CASSANDRA_HOSTS", []string{"localhost"}),
			Keyspace: env.GetString("CASSANDRA_KEYSPACE", "chatcall"),
			Username: env.GetString("CASSANDRA_USERNAME", ""),
			Password: env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
			Timeout:  time.Duration(env.GetInt("CASSANDRA_TIMEOUT", 600)) * time.Millisecond,
		},
		AMQP: AMQPConfig{
			URL:      env.GetStringFromFile("AMQP_URL", ""),
			Exchange: env.GetString("AMQP_EXCHANGE", "call.events"),
		},
		JWT: JWTConfig{
			Secret:   env.GetStringFromFile("JWT_SECRET", ""),
			Audience: env.GetString("JWT_AUDIENCE", "chatcall-api"),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
		Calls: CallsConfig{
			StaleThreshold:  time.Duration(env.GetInt("STALE_CALL_THRESHOLD_SECONDS", 120)) * time.Second,
			ReaperEnabled:   env.GetBool("CALL_REAPER_ENABLED", true),
			ReapInterval:    env.GetDuration("CALL_REAP_INTERVAL", 30*time.Second),
			StoreTimeout:    env.GetDuration("STORE_TIMEOUT", 5*time.Second),
			NotifyDrivers:   env.GetSlice("NOTIFY_DRIVERS", []string{"redis"}),
			NotifyWorkers:   env.GetInt("NOTIFY_WORKERS", 4),
			NotifyQueueSize: env.GetInt("NOTIFY_QUEUE_SIZE", 1024),
			NotifyTimeout:   env.GetDuration("NOTIFY_TIMEOUT", 3*time.Second),
			InitiateLimit:   env.GetInt("CALL_INITIATE_LIMIT", 30),
			InitiateWindow:  env.GetDuration("CALL_INITIATE_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	if c.Calls.StaleThreshold <= 0 {
		return fmt.Errorf("STALE_CALL_THRESHOLD_SECONDS must be positive")
	}
	if c.Calls.ReapInterval <= 0 {
		return fmt.Errorf("CALL_REAP_INTERVAL must be positive")
	}
	if c.Calls.NotifyWorkers <= 0 {
		return fmt.Errorf("NOTIFY_WORKERS must be positive")
	}
	if c.Calls.NotifyQueueSize <= 0 {
		return fmt.Errorf("NOTIFY_QUEUE_SIZE must be positive")
	}

	for _, driver := range c.Calls.NotifyDrivers {
		switch driver {
		case "redis", "log", "cassandra":
		case "amqp":
			if c.AMQP.URL == "" {
				return fmt.Errorf("AMQP_URL is required when the amqp notify driver is enabled")
			}
		default:
			return fmt.Errorf("unknown notify driver %q", driver)
		}
	}

	return nil
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
