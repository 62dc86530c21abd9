package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/blip/broker/pkg/types"
	"github.com/google/uuid"
)

// Mode selects whether a process runs the broker or a client
type Mode string

const (
	ModeServer Mode = "server"
	ModeClient Mode = "client"
)

// Config is the top-level blip configuration
type Config struct {
	Mode       Mode              `json:"mode" yaml:"mode"`
	Host       string            `json:"host" yaml:"host"`
	Port       int               `json:"port" yaml:"port"`
	Secure     bool              `json:"secure" yaml:"secure"`
	PSK        string            `json:"psk,omitempty" yaml:"psk,omitempty"`
	Server     ServerConfig      `json:"server" yaml:"server"`
	Client     ClientConfig      `json:"client" yaml:"client"`
	TokenCache map[string]string `json:"token_cache,omitempty" yaml:"token_cache,omitempty"`
	Logging    LoggingConfig     `json:"logging" yaml:"logging"`
	Debug      DebugConfig       `json:"debug" yaml:"debug"`

	path string
}

// ServerConfig holds broker settings
type ServerConfig struct {
	PSKEnabled     bool             `json:"psk_enabled" yaml:"psk_enabled"`
	TokenEnabled   bool             `json:"token_enabled" yaml:"token_enabled"`
	Secure         TLSConfig        `json:"secure" yaml:"secure"`
	AuthTimeout    time.Duration    `json:"auth_timeout" yaml:"auth_timeout"`
	WriteTimeout   time.Duration    `json:"write_timeout" yaml:"write_timeout"`
	MaxMessageSize int64            `json:"max_message_size" yaml:"max_message_size"`
	Tokens         TokenStoreConfig `json:"tokens" yaml:"tokens"`
}

// TLSConfig points at PEM files used when the broker listens securely
type TLSConfig struct {
	CertPath string `json:"cert_path,omitempty" yaml:"cert_path,omitempty"`
	KeyPath  string `json:"key_path,omitempty" yaml:"key_path,omitempty"`
	CAPath   string `json:"ca_path,omitempty" yaml:"ca_path,omitempty"`
}

// TokenStoreConfig selects and configures the token store backend
type TokenStoreConfig struct {
	Backend     string `json:"backend" yaml:"backend"`
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`
	DatabaseURL string `json:"database_url,omitempty" yaml:"database_url,omitempty"`
	BcryptCost  int    `json:"bcrypt_cost,omitempty" yaml:"bcrypt_cost,omitempty"`
}

// ClientConfig holds client socket settings
type ClientConfig struct {
	Name            string        `json:"name" yaml:"name"`
	MetricsInterval time.Duration `json:"metrics_interval" yaml:"metrics_interval"`
	RequestTimeout  time.Duration `json:"request_timeout" yaml:"request_timeout"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	Output string `json:"output" yaml:"output"`
}

// DebugConfig holds developer switches
type DebugConfig struct {
	DisableConfigWrites bool `json:"disable_config_writes" yaml:"disable_config_writes"`
}

// Default returns a configuration populated with default values
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills zero-valued fields with defaults
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Server.AuthTimeout == 0 {
		cfg.Server.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.MaxMessageSize == 0 {
		cfg.Server.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.Server.Tokens.Backend == "" {
		cfg.Server.Tokens.Backend = TokenBackendFile
	}
	if cfg.Server.Tokens.Backend == TokenBackendFile && cfg.Server.Tokens.Path == "" {
		if path, err := GetDefaultTokenPath(); err == nil {
			cfg.Server.Tokens.Path = path
		}
	}
	if cfg.Server.Tokens.BcryptCost == 0 {
		cfg.Server.Tokens.BcryptCost = DefaultBcryptCost
	}
	if cfg.Client.MetricsInterval == 0 {
		cfg.Client.MetricsInterval = DefaultMetricsInterval
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = DefaultLogOutput
	}
}

// Normalize repairs settings that would otherwise leave the process
// unusable: unknown modes fall back to client, an enabled PSK without a key
// gets a generated key, and an unnamed client gets a generated name.
// It reports whether anything was generated that should be persisted.
func (c *Config) Normalize() bool {
	changed := false
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	if c.Mode != ModeServer && c.Mode != ModeClient {
		c.Mode = ModeClient
	}
	applyDefaults(c)

	if c.Mode == ModeServer && c.Server.PSKEnabled && c.PSK == "" {
		c.PSK = uuid.NewString()
		changed = true
	}
	if c.Mode == ModeClient && strings.TrimSpace(c.Client.Name) == "" {
		c.Client.Name = GenerateClientName()
		changed = true
	}
	return changed
}

// GenerateClientName returns a random service name for unnamed clients
func GenerateClientName() string {
	return "service-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// Addr returns the host:port the broker listens on or the client dials
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// CachedToken returns the token remembered for the configured broker
func (c *Config) CachedToken() string {
	if c.TokenCache == nil {
		return ""
	}
	return c.TokenCache[c.Addr()]
}

// CacheToken remembers token for the configured broker
func (c *Config) CacheToken(token string) {
	if c.TokenCache == nil {
		c.TokenCache = make(map[string]string)
	}
	c.TokenCache[c.Addr()] = token
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("port must be between 1 and 65535, got %d", c.Port))
	}
	if c.Host == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "host cannot be empty")
	}
	if c.Mode == ModeServer {
		if err := c.Server.Validate(); err != nil {
			return err
		}
		if c.Secure && (c.Server.Secure.CertPath == "" || c.Server.Secure.KeyPath == "") {
			return types.NewError(types.ErrCodeInvalidArgument, "secure mode requires server.secure.cert_path and server.secure.key_path")
		}
	}
	if c.Client.MetricsInterval < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "client.metrics_interval cannot be negative")
	}
	if c.Client.RequestTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "client.request_timeout cannot be negative")
	}
	return c.Logging.Validate()
}

// Validate checks server settings
func (s ServerConfig) Validate() error {
	if s.AuthTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "server.auth_timeout must be positive")
	}
	if s.WriteTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "server.write_timeout must be positive")
	}
	if s.MaxMessageSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "server.max_message_size must be positive")
	}
	return s.Tokens.Validate()
}

// Validate checks token store settings
func (t TokenStoreConfig) Validate() error {
	switch t.Backend {
	case TokenBackendFile:
		if t.Path == "" {
			return types.NewError(types.ErrCodeInvalidArgument, "server.tokens.path is required for the file backend")
		}
	case TokenBackendPostgres:
		if t.DatabaseURL == "" {
			return types.NewError(types.ErrCodeInvalidArgument, "server.tokens.database_url is required for the postgres backend")
		}
	default:
		return types.NewError(types.ErrCodeInvalidArgument, "unknown token backend: "+t.Backend)
	}
	return nil
}

// Validate checks logging settings
func (l LoggingConfig) Validate() error {
	switch l.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return types.NewError(types.ErrCodeInvalidArgument, "invalid log level: "+l.Level)
	}
	switch l.Format {
	case "json", "text":
	default:
		return types.NewError(types.ErrCodeInvalidArgument, "invalid log format: "+l.Format)
	}
	return nil
}
