package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port           string          `yaml:"port"`
	Environment    string          `yaml:"environment"`
	AllowedOrigins []string        `yaml:"allowedOrigins"`
	JWTSecret      string          `yaml:"jwtSecret"`
	TokenTTL       time.Duration   `yaml:"tokenTTL"`
	RateLimit      RateLimitConfig `yaml:"rateLimit"`
	Redis          RedisConfig     `yaml:"redis"`
	Log            LogConfig       `yaml:"log"`
	Metrics        MetricsConfig   `yaml:"metrics"`
	Client         ClientConfig    `yaml:"client"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateLimitConfig bounds how many frames one lobby member may send
type RateLimitConfig struct {
	PerSecond float64 `yaml:"perSecond"`
	Burst     int     `yaml:"burst"`
}

type LogConfig struct {
	Level       string         `yaml:"level"`
	Format      string         `yaml:"format"` // console or json
	Outputs     []string       `yaml:"outputs"`
	Development bool           `yaml:"development"`
	Rotation    RotationConfig `yaml:"rotation"`
}

type RotationConfig struct {
	Enable     bool `yaml:"enable"`
	MaxSizeMB  int  `yaml:"maxSizeMB"`
	MaxBackups int  `yaml:"maxBackups"`
	MaxAgeDays int  `yaml:"maxAgeDays"`
	Compress   bool `yaml:"compress"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the standalone listener
}

// ClientConfig drives the session lifecycle of cmd/roulette
type ClientConfig struct {
	RelayURL            string        `yaml:"relayURL"`
	SearchTimeout       time.Duration `yaml:"searchTimeout"`
	SkipCooldown        time.Duration `yaml:"skipCooldown"`
	AcceptThreshold     float64       `yaml:"acceptThreshold"`
	NegotiationTimeout  time.Duration `yaml:"negotiationTimeout"`
	MaxNegotiationFails int           `yaml:"maxNegotiationFails"`
	HeartbeatInterval   time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeatTimeout"`
	MaxMissedHeartbeats int           `yaml:"maxMissedHeartbeats"`
	AutoReconnect       bool          `yaml:"autoReconnect"`
	ReconnectDelay      time.Duration `yaml:"reconnectDelay"`
	DisconnectGrace     time.Duration `yaml:"disconnectGrace"`
	QualityInterval     time.Duration `yaml:"qualityInterval"`
	ICEServers          []string      `yaml:"iceServers"`
	MaxBitrateKbps      int           `yaml:"maxBitrateKbps"`
	PreferredCodec      string        `yaml:"preferredCodec"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Port:           "8080",
		Environment:    "development",
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		JWTSecret:      "change-me-in-production",
		TokenTTL:       24 * time.Hour,
		RateLimit:      RateLimitConfig{PerSecond: 20, Burst: 40},
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
		},
		Client: DefaultClient(),
	}
}

func DefaultClient() ClientConfig {
	return ClientConfig{
		RelayURL:            "http://localhost:8080",
		SearchTimeout:       30 * time.Second,
		SkipCooldown:        5 * time.Minute,
		AcceptThreshold:     50,
		NegotiationTimeout:  30 * time.Second,
		MaxNegotiationFails: 3,
		HeartbeatInterval:   10 * time.Second,
		HeartbeatTimeout:    5 * time.Second,
		MaxMissedHeartbeats: 3,
		AutoReconnect:       true,
		ReconnectDelay:      time.Second,
		DisconnectGrace:     5 * time.Second,
		QualityInterval:     2 * time.Second,
		ICEServers:          []string{"stun:stun.l.google.com:19302"},
		MaxBitrateKbps:      2500,
		PreferredCodec:      "VP8",
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (if any), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	// Parse allowed origins (comma-separated)
	if originsStr := os.Getenv("ALLOWED_ORIGINS"); originsStr != "" {
		cfg.AllowedOrigins = strings.Split(originsStr, ",")
	}
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.Redis.Host = getEnv("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnv("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	cfg.Metrics.Addr = getEnv("METRICS_ADDR", cfg.Metrics.Addr)
	cfg.Client.RelayURL = getEnv("RELAY_URL", cfg.Client.RelayURL)
	cfg.Client.PreferredCodec = getEnv("PREFERRED_CODEC", cfg.Client.PreferredCodec)
	if servers := os.Getenv("ICE_SERVERS"); servers != "" {
		cfg.Client.ICEServers = strings.Split(servers, ",")
	}

	var err error
	if cfg.Redis.DB, err = getEnvInt("REDIS_DB", cfg.Redis.DB); err != nil {
		return err
	}
	if cfg.Client.MaxBitrateKbps, err = getEnvInt("MAX_BITRATE_KBPS", cfg.Client.MaxBitrateKbps); err != nil {
		return err
	}
	if cfg.Client.SearchTimeout, err = getEnvDuration("SEARCH_TIMEOUT", cfg.Client.SearchTimeout); err != nil {
		return err
	}
	if cfg.Client.SkipCooldown, err = getEnvDuration("SKIP_COOLDOWN", cfg.Client.SkipCooldown); err != nil {
		return err
	}
	if cfg.Client.ReconnectDelay, err = getEnvDuration("RECONNECT_DELAY", cfg.Client.ReconnectDelay); err != nil {
		return err
	}
	if v := os.Getenv("AUTO_RECONNECT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AUTO_RECONNECT: %w", err)
		}
		cfg.Client.AutoReconnect = b
	}
	return nil
}

func getEnv(key, defaultValue string) string {
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
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
