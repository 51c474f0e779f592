package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration knobs for the hub.
type Config struct {
	HTTP struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"http"`
	Storage struct {
		Driver string `mapstructure:"driver"`
		Path   string `mapstructure:"path"`
	} `mapstructure:"storage"`
	Sessions struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"sessions"`
	Protocol struct {
		Domain         string        `mapstructure:"domain"`
		ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
		LogLevel       string        `mapstructure:"log_level"`
	} `mapstructure:"protocol"`
	Messages struct {
		DeviceLimit int `mapstructure:"device_limit"`
		GlobalLimit int `mapstructure:"global_limit"`
	} `mapstructure:"messages"`
	Events struct {
		Buffer int `mapstructure:"buffer"`
	} `mapstructure:"events"`
	Crypto struct {
		SessionKey string `mapstructure:"session_key"`
	} `mapstructure:"crypto"`
	Frontend struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"frontend"`
	Auth struct {
		Enabled   bool   `mapstructure:"enabled"`
		Username  string `mapstructure:"username"`
		Password  string `mapstructure:"password"`
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`
}

// Load reads the configuration from disk/environment using Viper.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("wahub")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine; env-only deployments are supported.
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Storage.Driver != "bolt" && cfg.Storage.Driver != "sqlite" {
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":3000")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")

	v.SetDefault("storage.driver", "bolt")
	v.SetDefault("storage.path", "./data/wahub.db")

	v.SetDefault("sessions.dir", "./sessions")

	v.SetDefault("protocol.domain", "s.whatsapp.net")
	v.SetDefault("protocol.reconnect_delay", "2s")
	v.SetDefault("protocol.log_level", "WARN")

	v.SetDefault("messages.device_limit", 50)
	v.SetDefault("messages.global_limit", 100)

	v.SetDefault("events.buffer", 64)

	v.SetDefault("frontend.dir", "./web")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.username", "admin")
	v.SetDefault("auth.password", "admin123")
	v.SetDefault("auth.jwt_secret", "change-me-secret")
}
