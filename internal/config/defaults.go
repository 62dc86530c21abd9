package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath overrides GetDefaultConfigPath in tests
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the blip configuration directory (~/.config/blip on Unix)
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "blip"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "blip.yaml"), nil
}

// GetDefaultTokenPath returns the default file token store location
func GetDefaultTokenPath() (string, error) {
	if testConfigPath != "" {
		return filepath.Join(filepath.Dir(testConfigPath), "tokens.json"), nil
	}
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "tokens.json"), nil
}

const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 6208
	DefaultAuthTimeout    = 60 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultMaxMessageSize = 1 << 20
	DefaultBcryptCost     = 10

	DefaultMetricsInterval = 10 * time.Second

	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
	DefaultLogOutput = "stderr"

	TokenBackendFile     = "file"
	TokenBackendPostgres = "postgres"
)

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: DefaultLogOutput,
	}
}
