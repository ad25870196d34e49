package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cassandra CassandraConfig
	JWT       JWTConfig
	Relay     RelayConfig
	Call      CallConfig
	Push      PushConfig
	Log       LogConfig
}

// ServerConfig holds the signaling API server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string
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

// CassandraConfig holds Cassandra configuration
type CassandraConfig struct {
	Hosts       []string
	Keyspace    string
	Consistency string
	Timeout     time.Duration
}

// JWTConfig holds API authentication configuration
type JWTConfig struct {
	Secret             string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
}

// RelayConfig holds the QUIC media relay configuration
type RelayConfig struct {
	BindHost    string
	BindPort    int
	PublicHost  string
	HMACSecret  string
	TLSCertFile string // self-signed certificate generated when empty
	TLSKeyFile  string
	TokenTTL    time.Duration
	MaxCalls    int
}

// CallConfig holds call lifecycle timeouts used by the controller and reaper
type CallConfig struct {
	RingTimeout    time.Duration
	ConnectTimeout time.Duration
	MaxDuration    time.Duration
	RejoinWindow   time.Duration
	SweepInterval  time.Duration
	Disabled       bool
}

// PushConfig holds push notification provider configuration
type PushConfig struct {
	Provider          string // firebase, apns, mock
	FirebaseProjectID string
	APNsKeyFile       string
	APNsKeyID         string
	APNsTeamID        string
	APNsTopic         string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnvAsInt("PORT", 8084),
			Environment: getEnv("ENV", "development"),
			ServiceName: getEnv("SERVICE_NAME", "securecall"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 26257),
			User:     getEnv("DB_USER", "root"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "securecall"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns: getEnvAsInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
			Timeout:  time.Duration(getEnvAsInt("REDIS_TIMEOUT", 5)) * time.Second,
		},
		Cassandra: CassandraConfig{
			Hosts:       getEnvAsSlice("CASSANDRA_HOSTS", []string{"localhost"}),
			Keyspace:    getEnv("CASSANDRA_KEYSPACE", "securecall"),
			Consistency: getEnv("CASSANDRA_CONSISTENCY", "QUORUM"),
			Timeout:     time.Duration(getEnvAsInt("CASSANDRA_TIMEOUT", 600)) * time.Millisecond,
		},
		JWT: JWTConfig{
			Secret:             getEnv("JWT_SECRET", ""),
			AccessTokenExpiry:  time.Duration(getEnvAsInt("JWT_ACCESS_EXPIRY", 15)) * time.Minute,
			RefreshTokenExpiry: time.Duration(getEnvAsInt("JWT_REFRESH_EXPIRY", 720)) * time.Hour,
		},
		Relay: RelayConfig{
			BindHost:    getEnv("RELAY_BIND_HOST", "0.0.0.0"),
			BindPort:    getEnvAsInt("RELAY_BIND_PORT", 8443),
			PublicHost:  getEnv("RELAY_PUBLIC_HOST", "localhost"),
			HMACSecret:  getEnv("RELAY_HMAC_SECRET", ""),
			TLSCertFile: getEnv("RELAY_TLS_CERT_FILE", ""),
			TLSKeyFile:  getEnv("RELAY_TLS_KEY_FILE", ""),
			TokenTTL:    time.Duration(getEnvAsInt("RELAY_TOKEN_TTL", 3600)) * time.Second,
			MaxCalls:    getEnvAsInt("RELAY_MAX_CALLS", 1000),
		},
		Call: CallConfig{
			RingTimeout:    time.Duration(getEnvAsInt("CALL_RING_TIMEOUT", 30)) * time.Second,
			ConnectTimeout: time.Duration(getEnvAsInt("CALL_CONNECT_TIMEOUT", 60)) * time.Second,
			MaxDuration:    time.Duration(getEnvAsInt("CALL_MAX_DURATION", 14400)) * time.Second,
			RejoinWindow:   time.Duration(getEnvAsInt("CALL_REJOIN_WINDOW", 300)) * time.Second,
			SweepInterval:  time.Duration(getEnvAsInt("CALL_SWEEP_INTERVAL", 30)) * time.Second,
			Disabled:       getEnvAsBool("CALLS_DISABLED", false),
		},
		Push: PushConfig{
			Provider:          getEnv("PUSH_PROVIDER", "mock"),
			FirebaseProjectID: getEnv("FIREBASE_PROJECT_ID", ""),
			APNsKeyFile:       getEnv("APNS_KEY_FILE", ""),
			APNsKeyID:         getEnv("APNS_KEY_ID", ""),
			APNsTeamID:        getEnv("APNS_TEAM_ID", ""),
			APNsTopic:         getEnv("APNS_TOPIC", ""),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
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
		if c.Relay.HMACSecret == "" {
			return fmt.Errorf("RELAY_HMAC_SECRET must be set in production")
		}
	}

	if c.Call.RejoinWindow <= 0 {
		return fmt.Errorf("CALL_REJOIN_WINDOW must be positive")
	}
	if c.Call.SweepInterval <= 0 {
		return fmt.Errorf("CALL_SWEEP_INTERVAL must be positive")
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for i := 0; i < len(valueStr); {
		j := i
		for j < len(valueStr) && valueStr[j] != ',' {
			j++
		}
		if i < j {
			result = append(result, valueStr[i:j])
		}
		i = j + 1
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
