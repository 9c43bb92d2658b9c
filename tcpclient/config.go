package tcpclient

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/halcyon-labs/netkit/errs"
	"github.com/halcyon-labs/netkit/transport"
)

// Config holds a TCP client's connection, TLS, and reconnect settings.
type Config struct {
	UseSSL             bool `yaml:"use_ssl"`
	VerifySSL          bool `yaml:"verify_ssl"`
	ConnectTimeout     int  `yaml:"connect_timeout"` // seconds
	ReadTimeout        int  `yaml:"read_timeout"`
	WriteTimeout       int  `yaml:"write_timeout"`
	KeepAlive          int  `yaml:"keep_alive"`
	ReconnectAttempts  int  `yaml:"reconnect_attempts"`
	ReconnectDelay     int  `yaml:"reconnect_delay"` // seconds, initial backoff
	HeartbeatInterval  int  `yaml:"heartbeat_interval"`
	ReceiveBufferSize  int  `yaml:"receive_buffer_size"`
	AutoReconnect      bool `yaml:"auto_reconnect"`

	SSLCertificatePath string `yaml:"ssl_certificate_path"`
	SSLPrivateKeyPath  string `yaml:"ssl_private_key_path"`
	CACertificatePath  string `yaml:"ca_certificate_path"`

	Proxy ProxyConfig `yaml:"proxy"`
}

// ProxyConfig describes an upstream proxy. netkit's transport layer
// doesn't speak SOCKS/CONNECT itself; Config.Proxy is carried through so
// application code building its own dial function can honour it.
type ProxyConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Enabled  bool   `yaml:"enabled"`
}

// DefaultConfig returns the TCP client's baseline defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    10,
		ReadTimeout:       0,
		WriteTimeout:      0,
		ReconnectAttempts: 5,
		ReconnectDelay:    1,
		ReceiveBufferSize: 4096,
		AutoReconnect:     true,
		VerifySSL:         true,
	}
}

// LoadConfig reads a YAML file at path and overlays it onto DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errs.Wrap(errs.Malformed, "tcpclient.LoadConfig", "reading config file", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errs.Wrap(errs.Malformed, "tcpclient.LoadConfig", "parsing config yaml", err)
	}
	return cfg, nil
}

func (c Config) tlsConfig() transport.TLSConfig {
	return transport.TLSConfig{
		CertFile:       c.SSLCertificatePath,
		KeyFile:        c.SSLPrivateKeyPath,
		CAFile:         c.CACertificatePath,
		VerifyHostname: c.VerifySSL,
	}
}

func (c Config) keepAliveDuration() time.Duration {
	if c.KeepAlive <= 0 {
		return 0
	}
	return time.Duration(c.KeepAlive) * time.Second
}

func (c Config) connectTimeoutDuration() time.Duration {
	if c.ConnectTimeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ConnectTimeout) * time.Second
}

func (c Config) receiveBufferSize() int {
	if c.ReceiveBufferSize <= 0 {
		return 4096
	}
	return c.ReceiveBufferSize
}
