package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logger   LoggerConfig   `yaml:"logger"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	LiveKit  LiveKitConfig  `yaml:"livekit"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Client   ClientConfig   `yaml:"client"`
	Location LocationConfig `yaml:"location"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	BasePath        string        `yaml:"base_path"`
	Env             string        `yaml:"env"`
	CORSOrigins     string        `yaml:"cors_origins"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
}

type RedisConfig struct {
	URL         string        `yaml:"url"`
	Channel     string        `yaml:"channel"`
	PresenceTTL time.Duration `yaml:"presence_ttl"`
}

type AuthConfig struct {
	SecretKey      string `yaml:"secret_key"`
	InternalAPIKey string `yaml:"internal_api_key"`
}

type LiveKitConfig struct {
	Host      string   `yaml:"host"`
	APIKey    string   `yaml:"api_key"`
	APISecret string   `yaml:"api_secret"`
	Streams   []string `yaml:"streams"`
}

// Enabled reports whether enough is configured to talk to LiveKit.
func (c LiveKitConfig) Enabled() bool {
	return c.Host != "" && c.APIKey != "" && c.APISecret != ""
}

type JobsConfig struct {
	SnapshotSpec string `yaml:"snapshot_spec"`
	ViewersSpec  string `yaml:"viewers_spec"`
}

// ClientConfig drives cmd/client and the session package.
type ClientConfig struct {
	URL              string        `yaml:"url"`
	Token            string        `yaml:"token"`
	UserID           string        `yaml:"user_id"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	MetricsAddr      string        `yaml:"metrics_addr"`
}

type LocationConfig struct {
	Enabled         bool    `yaml:"enabled"`
	FallbackLat     float64 `yaml:"fallback_lat"`
	FallbackLng     float64 `yaml:"fallback_lng"`
	DeviceLat       float64 `yaml:"device_lat"`
	DeviceLng       float64 `yaml:"device_lng"`
	DeviceAccuracy  float64 `yaml:"device_accuracy"`
	DeviceAvailable bool    `yaml:"device_available"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8010,
			BasePath:        "/api/realtime",
			Env:             "dev",
			CORSOrigins:     "*",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logger: LoggerConfig{
			Level: "info",
		},
		Redis: RedisConfig{
			Channel:     "realtime:broadcast",
			PresenceTTL: 120 * time.Second,
		},
		Jobs: JobsConfig{
			SnapshotSpec: "@every 30s",
			ViewersSpec:  "@every 15s",
		},
		Client: ClientConfig{
			URL:              "ws://localhost:8010/api/realtime/ws",
			MaxAttempts:      5,
			BackoffBase:      time.Second,
			BackoffMax:       30 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			PingTimeout:      5 * time.Second,
		},
		Location: LocationConfig{
			Enabled:     true,
			FallbackLat: 40.7128,
			FallbackLng: -74.0060,
		},
	}
}

// Load reads the yaml file at path when it exists, then applies
// environment overrides on top of it.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if basePath := os.Getenv("SERVER_BASE_PATH"); basePath != "" {
		cfg.Server.BasePath = basePath
	}
	if env := os.Getenv("ENV"); env != "" {
		cfg.Server.Env = env
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.Server.CORSOrigins = origins
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logger.Level = logLevel
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if secretKey := os.Getenv("JWT_SECRET"); secretKey != "" {
		cfg.Auth.SecretKey = secretKey
	}
	if apiKey := os.Getenv("INTERNAL_API_KEY"); apiKey != "" {
		cfg.Auth.InternalAPIKey = apiKey
	}
	if host := os.Getenv("LIVEKIT_HOST"); host != "" {
		cfg.LiveKit.Host = host
	}
	if key := os.Getenv("LIVEKIT_API_KEY"); key != "" {
		cfg.LiveKit.APIKey = key
	}
	if secret := os.Getenv("LIVEKIT_API_SECRET"); secret != "" {
		cfg.LiveKit.APISecret = secret
	}
	if url := os.Getenv("REALTIME_URL"); url != "" {
		cfg.Client.URL = url
	}
	if token := os.Getenv("REALTIME_TOKEN"); token != "" {
		cfg.Client.Token = token
	}
	if userID := os.Getenv("REALTIME_USER_ID"); userID != "" {
		cfg.Client.UserID = userID
	}
	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		cfg.Client.MetricsAddr = addr
	}

	return cfg, nil
}
