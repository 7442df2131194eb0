package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the process-wide configuration, loaded once in main and passed
// by reference everywhere else.
type Config struct {
	Mode          string        `mapstructure:"mode"`
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	SignalingPath string        `mapstructure:"signaling_path"`
	CORSOrigin    string        `mapstructure:"cors_origin"`
	RoomCapacity  int           `mapstructure:"room_capacity"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	IdleThreshold time.Duration `mapstructure:"idle_threshold"`

	SFUURL        string        `mapstructure:"sfu_url"`
	SFUAPIKey     string        `mapstructure:"sfu_api_key"`
	SFUAPISecret  string        `mapstructure:"sfu_api_secret"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
	RecordingPath string        `mapstructure:"recording_path"`

	AuditURL string `mapstructure:"audit_url"`
	AuditKey string `mapstructure:"audit_key"`
}

// Load reads config/config.<env>.yaml when present and environment
// variables prefixed TS_ always. Missing files fall back to defaults so a
// bare binary still starts.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	v.SetConfigFile(fmt.Sprintf("config/config.%s.yaml", env))
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("TS")
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8888)
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("signaling_path", "/ws")
	v.SetDefault("cors_origin", "*")
	v.SetDefault("room_capacity", 2)
	v.SetDefault("sweep_interval", "5m")
	v.SetDefault("idle_threshold", "1h")
	v.SetDefault("sfu_url", "ws://localhost:7880")
	v.SetDefault("token_ttl", "2h")

	if err := v.ReadInConfig(); err == nil {
		fmt.Printf("loaded config: %s\n", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
