// Package config loads application configuration from file and environment
// and initializes the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Registry    RegistryConfig    `yaml:"registry" mapstructure:"registry"`
	Fusion      FusionConfig      `yaml:"fusion" mapstructure:"fusion"`
	Propagation PropagationConfig `yaml:"propagation" mapstructure:"propagation"`
	Trust       TrustConfig       `yaml:"trust" mapstructure:"trust"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RegistryConfig locates the optional signal-type registry override file.
type RegistryConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// FusionConfig tunes the resolver.
type FusionConfig struct {
	Prior               float64 `yaml:"prior" mapstructure:"prior"`
	Threshold           float64 `yaml:"threshold" mapstructure:"threshold"`
	Epsilon             float64 `yaml:"epsilon" mapstructure:"epsilon"`
	ProducerTimeoutSecs int     `yaml:"producer_timeout_secs" mapstructure:"producer_timeout_secs"`
	DefaultHalfLifeDays int     `yaml:"default_half_life_days" mapstructure:"default_half_life_days"`
}

// PropagationConfig tunes the propagation engine.
type PropagationConfig struct {
	MaxDepth  int    `yaml:"max_depth" mapstructure:"max_depth"`
	RulesPath string `yaml:"rules_path" mapstructure:"rules_path"`
}

// TrustConfig tunes the correction learner.
type TrustConfig struct {
	CacheTTLSecs int `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
}

// ServerConfig configures the local producer/consumer HTTP surface.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SIGNALS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "signals.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8085)
	v.SetDefault("fusion.prior", 0.2)
	v.SetDefault("fusion.threshold", 0.55)
	v.SetDefault("fusion.epsilon", 1e-6)
	v.SetDefault("fusion.producer_timeout_secs", 3)
	v.SetDefault("fusion.default_half_life_days", 30)
	v.SetDefault("propagation.max_depth", 3)
	v.SetDefault("trust.cache_ttl_secs", 30)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
