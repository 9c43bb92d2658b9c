package mqttclient

import (
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/halcyon-labs/netkit/errs"
	"github.com/halcyon-labs/netkit/transport"
)

// Config holds an MQTT client's session, will, and TLS settings.
type Config struct {
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	KeepAlive    int    `yaml:"keep_alive"` // seconds, 0 disables
	CleanSession bool   `yaml:"clean_session"`

	WillTopic   string `yaml:"will_topic"`
	WillPayload []byte `yaml:"will_payload"`
	WillQoS     QoS    `yaml:"will_qos"`
	WillRetain  bool   `yaml:"will_retain"`

	Version Version `yaml:"version"`

	UseTLS            bool   `yaml:"use_tls"`
	CACertFile        string `yaml:"ca_cert_file"`
	CertFile          string `yaml:"cert_file"`
	PrivateKeyFile    string `yaml:"private_key_file"`
	VerifyCertificate bool   `yaml:"verify_certificate"`
}

// clientIDPrefix is used when auto-generating a ClientID:
// "<prefix>_<8 hex chars>".
const clientIDPrefix = "netkit"

// DefaultConfig returns the MQTT client's baseline defaults.
func DefaultConfig() Config {
	return Config{
		CleanSession:      true,
		KeepAlive:         60,
		Version:           V3_1_1,
		VerifyCertificate: true,
	}
}

// LoadConfig reads a YAML file at path and overlays it onto DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errs.Wrap(errs.Malformed, "mqttclient.LoadConfig", "reading config file", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errs.Wrap(errs.Malformed, "mqttclient.LoadConfig", "parsing config yaml", err)
	}
	return cfg.withClientID(), nil
}

// withClientID returns a copy of cfg with ClientID auto-generated if it
// was left empty.
func (c Config) withClientID() Config {
	if c.ClientID == "" {
		c.ClientID = clientIDPrefix + "_" + uuid.NewString()[:8]
	}
	return c
}

func (c Config) tlsConfig() transport.TLSConfig {
	return transport.TLSConfig{
		CertFile:       c.CertFile,
		KeyFile:        c.PrivateKeyFile,
		CAFile:         c.CACertFile,
		VerifyHostname: c.VerifyCertificate,
	}
}
