package sockethub

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/halcyon-labs/netkit/errs"
	"github.com/halcyon-labs/netkit/transport"
)

// Config holds the hub's listener, TLS, and rate-limiting settings, loaded
// from YAML with snake_case keys.
type Config struct {
	UseSSL             bool   `yaml:"use_ssl"`
	Backlog            int    `yaml:"backlog"`
	ConnectionTimeout  int    `yaml:"connection_timeout"` // seconds; 0 disables the sweeper
	KeepAlive          int    `yaml:"keep_alive"`         // seconds; 0 disables TCP keep-alive
	SSLCertFile        string `yaml:"ssl_cert_file"`
	SSLKeyFile         string `yaml:"ssl_key_file"`
	SSLDHFile          string `yaml:"ssl_dh_file"`
	SSLPassword        string `yaml:"ssl_password"`
	EnableRateLimiting bool   `yaml:"enable_rate_limiting"`
	MaxConnsPerIP      int    `yaml:"max_connections_per_ip"`
	MaxMessagesPerMin  int    `yaml:"max_messages_per_minute"`
	LogLevel           string `yaml:"log_level"`
}

// DefaultConfig returns a Config with the hub's baseline defaults: plain
// TCP, a 60s inactivity sweep interval baked into the hub itself (not
// configurable), no connection timeout, and rate limiting disabled.
func DefaultConfig() Config {
	return Config{
		Backlog:           128,
		ConnectionTimeout: 0,
		KeepAlive:         0,
		MaxConnsPerIP:     0,
		MaxMessagesPerMin: 0,
		LogLevel:          "info",
	}
}

// LoadConfig reads a YAML file at path and overlays it onto DefaultConfig,
// following the Load*Config(path) shape used throughout this module's
// config loaders.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errs.Wrap(errs.Malformed, "sockethub.LoadConfig", "reading config file", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errs.Wrap(errs.Malformed, "sockethub.LoadConfig", "parsing config yaml", err)
	}
	return cfg, nil
}

func (c Config) tlsConfig() transport.TLSConfig {
	return transport.TLSConfig{
		CertFile:       c.SSLCertFile,
		KeyFile:        c.SSLKeyFile,
		DHParamsFile:   c.SSLDHFile,
		Password:       c.SSLPassword,
		VerifyHostname: true,
	}
}

func (c Config) keepAliveDuration() time.Duration {
	if c.KeepAlive <= 0 {
		return 0
	}
	return time.Duration(c.KeepAlive) * time.Second
}

func (c Config) connectionTimeoutDuration() time.Duration {
	if c.ConnectionTimeout <= 0 {
		return 0
	}
	return time.Duration(c.ConnectionTimeout) * time.Second
}
