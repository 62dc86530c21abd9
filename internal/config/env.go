package config

import (
	"github.com/blip/broker/pkg/types"
	"github.com/kelseyhightower/envconfig"
)

// Env holds the environment variables that override file configuration
type Env struct {
	Mode          string `envconfig:"BLIP_MODE"`
	ConfigPath    string `envconfig:"BLIP_CONFIG"`
	DisableWrites bool   `envconfig:"BLIP_DISABLE_WRITES" default:"false"`
	PSK           string `envconfig:"BLIP_PSK"`
	DatabaseURL   string `envconfig:"BLIP_DATABASE_URL"`
	LogLevel      string `envconfig:"BLIP_LOG_LEVEL"`
	LogFormat     string `envconfig:"BLIP_LOG_FORMAT"`
}

// LoadEnv reads overrides from the process environment
func LoadEnv() (Env, error) {
	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return env, types.WrapError(types.ErrCodeInvalidArgument, "failed to parse environment", err)
	}
	return env, nil
}

// Apply overlays the non-empty overrides onto cfg
func (e Env) Apply(cfg *Config) {
	if e.Mode != "" {
		cfg.Mode = Mode(e.Mode)
	}
	if e.DisableWrites {
		cfg.Debug.DisableConfigWrites = true
	}
	if e.PSK != "" {
		cfg.PSK = e.PSK
	}
	if e.DatabaseURL != "" {
		cfg.Server.Tokens.DatabaseURL = e.DatabaseURL
	}
	if e.LogLevel != "" {
		cfg.Logging.Level = e.LogLevel
	}
	if e.LogFormat != "" {
		cfg.Logging.Format = e.LogFormat
	}
}
