package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/viper"
	"github.com/trickstertwo/cebus"
)

// Config is the bridge process configuration.
type Config struct {
	Log          LogConfig       `mapstructure:"log"`
	Listen       string          `mapstructure:"listen"`
	Source       TransportConfig `mapstructure:"source"`
	Destination  TransportConfig `mapstructure:"destination"`
	AllowedTypes []string        `mapstructure:"allowed_types"`
	Routes       []RouteConfig   `mapstructure:"routes"`
}

// LogConfig selects log level, console output and optional file rotation.
type LogConfig struct {
	Debug   bool       `mapstructure:"debug"`
	Console bool       `mapstructure:"console"`
	Caller  bool       `mapstructure:"caller"`
	File    FileConfig `mapstructure:"file"`
}

// FileConfig enables rotated file logging when Path is set.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// TransportConfig names a registered transport and its option map.
type TransportConfig struct {
	Transport string         `mapstructure:"transport"`
	Options   map[string]any `mapstructure:"options"`
}

// RouteConfig forwards From (consumed as Group) to To.
type RouteConfig struct {
	From  string `mapstructure:"from"`
	Group string `mapstructure:"group"`
	To    string `mapstructure:"to"`
}

func Default() Config {
	return Config{
		Log: LogConfig{
			Console: true,
			File: FileConfig{
				MaxSizeMB:  100,
				MaxBackups: 5,
				MaxAgeDays: 14,
				Compress:   true,
			},
		},
		Listen:      ":8080",
		Source:      TransportConfig{Transport: "redis-streams"},
		Destination: TransportConfig{Transport: "sidecar"},
	}
}

// Load reads path (or cebus-bridge.yaml from the usual places) and applies
// CEBUS_ environment overrides, e.g. CEBUS_LOG_DEBUG=true or
// CEBUS_SOURCE_TRANSPORT=nats.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CEBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.debug", cfg.Log.Debug)
	v.SetDefault("log.console", cfg.Log.Console)
	v.SetDefault("log.caller", cfg.Log.Caller)
	v.SetDefault("log.file.path", cfg.Log.File.Path)
	v.SetDefault("log.file.max_size_mb", cfg.Log.File.MaxSizeMB)
	v.SetDefault("log.file.max_backups", cfg.Log.File.MaxBackups)
	v.SetDefault("log.file.max_age_days", cfg.Log.File.MaxAgeDays)
	v.SetDefault("log.file.compress", cfg.Log.File.Compress)
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("source.transport", cfg.Source.Transport)
	v.SetDefault("destination.transport", cfg.Destination.Transport)

	if path == "" {
		path = os.Getenv("CEBUS_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cebus-bridge")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".cebus"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks transports are registered and routes are complete.
func (c Config) Validate() error {
	known := cebus.Transports()
	for _, tc := range []TransportConfig{c.Source, c.Destination} {
		if !slices.Contains(known, tc.Transport) {
			return fmt.Errorf("config: unknown transport %q (registered: %s)", tc.Transport, strings.Join(known, ", "))
		}
	}
	if len(c.Routes) == 0 {
		return errors.New("config: at least one route is required")
	}
	for i, r := range c.Routes {
		if r.From == "" || r.Group == "" || r.To == "" {
			return fmt.Errorf("config: routes[%d] needs from, group and to", i)
		}
	}
	return nil
}
