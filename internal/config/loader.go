package config

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/blip/broker/pkg/types"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} and ${VAR_NAME:-default}
var envVarPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)(:-([^}]*))?\}`)

// interpolateEnvVars replaces environment variable placeholders with their values
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 4 {
			return parts[3]
		}
		return ""
	})
}

// interpolateEnvVarsInConfig expands placeholders in fields that commonly
// carry secrets or machine-specific paths
func interpolateEnvVarsInConfig(cfg *Config) {
	cfg.Host = interpolateEnvVars(cfg.Host)
	cfg.PSK = interpolateEnvVars(cfg.PSK)
	cfg.Server.Secure.CertPath = interpolateEnvVars(cfg.Server.Secure.CertPath)
	cfg.Server.Secure.KeyPath = interpolateEnvVars(cfg.Server.Secure.KeyPath)
	cfg.Server.Secure.CAPath = interpolateEnvVars(cfg.Server.Secure.CAPath)
	cfg.Server.Tokens.Path = interpolateEnvVars(cfg.Server.Tokens.Path)
	cfg.Server.Tokens.DatabaseURL = interpolateEnvVars(cfg.Server.Tokens.DatabaseURL)
	cfg.Client.Name = interpolateEnvVars(cfg.Client.Name)
	cfg.Logging.Output = interpolateEnvVars(cfg.Logging.Output)
}

// validateFilePath checks that path names a YAML file
func validateFilePath(path string) error {
	if path == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "configuration file path cannot be empty")
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return types.NewError(types.ErrCodeInvalidArgument,
			"configuration file must have .yaml or .yml extension, got: "+ext)
	}
	return nil
}

// LoadFromFile reads a YAML configuration file and applies defaults.
// An empty file yields the defaults.
func LoadFromFile(path string) (*Config, error) {
	if err := validateFilePath(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.WrapError(types.ErrCodeNotFound, "configuration file not found: "+path, err)
		}
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to read configuration file: "+path, err)
	}

	var cfg Config
	if strings.TrimSpace(string(data)) != "" {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			var typeErr *yaml.TypeError
			if errors.As(err, &typeErr) {
				return nil, types.WrapError(types.ErrCodeInvalid, "YAML type error in "+path, err)
			}
			return nil, types.WrapError(types.ErrCodeInvalid, "invalid YAML syntax in "+path, err)
		}
	}

	interpolateEnvVarsInConfig(&cfg)
	applyDefaults(&cfg)
	cfg.path = path
	return &cfg, nil
}

// Load resolves the configuration path (explicit, then BLIP_CONFIG, then the
// default location), reads the file if it exists, applies environment
// overrides, and normalizes the result. Generated values are written back
// unless config writes are disabled.
func Load(path string) (*Config, error) {
	env, err := LoadEnv()
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = env.ConfigPath
	}
	if path == "" {
		if path, err = GetDefaultConfigPath(); err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to resolve config path", err)
		}
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		if !types.IsErrCode(err, types.ErrCodeNotFound) {
			return nil, err
		}
		cfg = Default()
		cfg.path = path
	}

	env.Apply(cfg)
	if cfg.Normalize() {
		if err := cfg.Save(); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "configuration validation failed for "+path, err)
	}
	return cfg, nil
}

// Path returns the file the configuration was loaded from
func (c *Config) Path() string {
	return c.path
}

// Save writes the configuration back to the file it was loaded from.
// It is a no-op when config writes are disabled.
func (c *Config) Save() error {
	if c.Debug.DisableConfigWrites {
		return nil
	}
	return c.SaveTo(c.path)
}

// SaveTo atomically writes the configuration to path
func (c *Config) SaveTo(path string) error {
	if err := validateFilePath(path); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to encode configuration", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to create config directory", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to write configuration", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return types.WrapError(types.ErrCodeInternal, "failed to replace configuration", err)
	}
	c.path = path
	return nil
}
