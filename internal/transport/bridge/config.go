package bridge

import (
	"strings"
	"time"
)

// BackoffConfig defines dial retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration `toml:"initial_delay" env:"INITIAL_DELAY"`
	Multiplier   float64       `toml:"multiplier" env:"MULTIPLIER"`
	MaxDelay     time.Duration `toml:"max_delay" env:"MAX_DELAY"`
	Jitter       bool          `toml:"jitter" env:"JITTER"`
}

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig names the certificate material for the relay link.
type TLSConfig struct {
	Enabled            bool   `toml:"enabled" env:"ENABLED"`
	Mutual             bool   `toml:"mutual" env:"MUTUAL"`
	CertFile           string `toml:"cert_file" env:"CERT_FILE"`
	KeyFile            string `toml:"key_file" env:"KEY_FILE"`
	CAFile             string `toml:"ca_file" env:"CA_FILE"`
	ServerName         string `toml:"server_name" env:"SERVER_NAME"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// Config is shared by Client and Relay. Address is dialed by the client and
// listened on by the relay.
type Config struct {
	Address            string        `toml:"address" env:"ADDRESS"`
	ConnectTimeout     time.Duration `toml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	HandshakeTimeout   time.Duration `toml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	ReadTimeout        time.Duration `toml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout       time.Duration `toml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout        time.Duration `toml:"idle_timeout" env:"IDLE_TIMEOUT"`
	MaxConnectAttempts int           `toml:"max_connect_attempts" env:"MAX_CONNECT_ATTEMPTS"`
	Backoff            BackoffConfig `toml:"backoff" envPrefix:"BACKOFF_"`
	SecurityMode       SecurityMode  `toml:"security_mode" env:"SECURITY_MODE"`
	TLS                TLSConfig     `toml:"tls" envPrefix:"TLS_"`
}

func DefaultConfig() Config {
	return Config{
		Address:            "127.0.0.1:7411",
		ConnectTimeout:     5 * time.Second,
		HandshakeTimeout:   5 * time.Second,
		ReadTimeout:        15 * time.Second,
		WriteTimeout:       15 * time.Second,
		IdleTimeout:        2 * time.Minute,
		MaxConnectAttempts: 1,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		SecurityMode: SecurityModeDevelopment,
	}
}

// WithDefaults fills zero durations and an empty security mode from
// DefaultConfig. MaxConnectAttempts is left alone: zero means retry forever.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.Address) == "" {
		c.Address = d.Address
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = d.Backoff
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	return c
}
