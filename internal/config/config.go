package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName            string
	AppEnv             string
	AppPort            string
	DatabaseURL        string
	RedisURL           string
	NATSURL            string
	RealtimeChannel    string
	JWTSecret          string
	ScoreCacheTTL      time.Duration
	CompactionInterval time.Duration
	CompactionBudget   time.Duration
	IngestRateLimit    int
	IngestRateWindow   time.Duration
	CORSAllowOrigins   string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA SCORM API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("realtime.channel", "gema:scorm")
	v.SetDefault("scores.cache_ttl", "5m")
	v.SetDefault("compaction.interval", "1m")
	v.SetDefault("compaction.budget", "10s")
	v.SetDefault("ingest.rate_limit", 120)
	v.SetDefault("ingest.rate_window", "1m")
	v.SetDefault("http.allow_origins", "*")

	durations := map[string]*time.Duration{}
	cfg := Config{
		AppName:         v.GetString("app.name"),
		AppEnv:          v.GetString("app.env"),
		AppPort:         v.GetString("app.port"),
		DatabaseURL:     v.GetString("database.url"),
		RedisURL:        v.GetString("redis.url"),
		NATSURL:         v.GetString("nats.url"),
		RealtimeChannel: v.GetString("realtime.channel"),
		JWTSecret:       v.GetString("jwt.secret"),
		IngestRateLimit: v.GetInt("ingest.rate_limit"),

		CORSAllowOrigins: strings.TrimSpace(v.GetString("http.allow_origins")),
	}
	durations["scores.cache_ttl"] = &cfg.ScoreCacheTTL
	durations["compaction.interval"] = &cfg.CompactionInterval
	durations["compaction.budget"] = &cfg.CompactionBudget
	durations["ingest.rate_window"] = &cfg.IngestRateWindow

	for key, target := range durations {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", key)
		}
		*target = parsed
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.IngestRateLimit <= 0 {
		cfg.IngestRateLimit = 120
	}

	return cfg, nil
}
