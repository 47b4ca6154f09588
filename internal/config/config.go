// Package config binds viper-backed configuration for the repod server,
// grounded on cuemby-warren's cmd/warren flag/config wiring (persistent
// cobra flags feeding a package-level Config struct via viper).
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the full set of runtime knobs for the server and its
// embedded workers. MaxTokensPerChunk, OverlapTokens and VisibilityPollMS
// are loaded but not read by cmd/repod: the corpus always chunks with
// anchor.DefaultChunkConfig() and the visibility worker polls every 100ms.
type Config struct {
	DBPath              string `mapstructure:"db_path"`
	HTTPAddr            string `mapstructure:"http_addr"`
	MetricsAddr         string `mapstructure:"metrics_addr"`
	LogLevel            string `mapstructure:"log_level"`
	LogJSON             bool   `mapstructure:"log_json"`
	MaxTokensPerChunk   int    `mapstructure:"max_tokens_per_chunk"`
	OverlapTokens       int    `mapstructure:"overlap_tokens"`
	VisibilityPollMS    int    `mapstructure:"visibility_poll_ms"`
	DrainRatePerSecond  float64 `mapstructure:"drain_rate_per_second"`
}

// Defaults returns a Config populated with spec.md's default values.
func Defaults() Config {
	return Config{
		DBPath:             "repod.db",
		HTTPAddr:           ":8080",
		MetricsAddr:        ":9090",
		LogLevel:           "info",
		LogJSON:            false,
		MaxTokensPerChunk:  180,
		OverlapTokens:      40,
		VisibilityPollMS:   100,
		DrainRatePerSecond: 10,
	}
}

// Load reads configuration from (in ascending priority) defaults, a
// config file at path (if non-empty), REPOD_-prefixed environment
// variables, and finally whatever v already has bound from cobra flags.
func Load(v *viper.Viper, configFile string) (Config, error) {
	d := Defaults()
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("http_addr", d.HTTPAddr)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_json", d.LogJSON)
	v.SetDefault("max_tokens_per_chunk", d.MaxTokensPerChunk)
	v.SetDefault("overlap_tokens", d.OverlapTokens)
	v.SetDefault("visibility_poll_ms", d.VisibilityPollMS)
	v.SetDefault("drain_rate_per_second", d.DrainRatePerSecond)

	v.SetEnvPrefix("REPOD")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
