// Package config loads the emulator options from flags and environment
// variables.
package config

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all emulator configuration.
type Config struct {
	// Service is the wire-compatible service domain the proxy rewrites.
	Service string `mapstructure:"service"`
	// HostPort is the dispatcher listen port.
	HostPort int `mapstructure:"hostport"`
	// ProxyEnabled toggles the host-rewrite proxy.
	ProxyEnabled bool `mapstructure:"proxy"`
	// ProxyPort is the proxy listen port.
	ProxyPort int `mapstructure:"proxyport"`
	// Directory is the persistence data directory.
	Directory string `mapstructure:"directory"`
	// InMemory selects volatile storage.
	InMemory bool `mapstructure:"inmemory"`
	// MaxBPS caps object transfer rates in bytes per second; 0 means
	// unlimited.
	MaxBPS int64 `mapstructure:"maxbps"`
}

// RegisterFlags declares every option on flags with its default.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("service", "s3.amazonaws.com", "S3 service domain")
	flags.Int("hostport", 8878, "dispatcher port")
	flags.Bool("proxy", true, "enable the host-rewrite proxy")
	flags.Int("proxyport", 8877, "proxy port")
	flags.String("directory", "data", "data directory")
	flags.Bool("inmemory", false, "use in-memory storage")
	flags.Int64("maxbps", 0, "maximum bytes per second, 0 = unlimited")
}

// Load resolves the configuration: defaults, then S3EMULATOR_*
// environment variables, then flags.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("S3EMULATOR")
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service", "s3.amazonaws.com")
	v.SetDefault("hostport", 8878)
	v.SetDefault("proxy", true)
	v.SetDefault("proxyport", 8877)
	v.SetDefault("directory", "data")
	v.SetDefault("inmemory", false)
	v.SetDefault("maxbps", 0)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("service domain cannot be empty")
	}
	if c.HostPort <= 0 || c.HostPort > 65535 {
		return fmt.Errorf("invalid hostport: %d", c.HostPort)
	}
	if c.ProxyEnabled && (c.ProxyPort <= 0 || c.ProxyPort > 65535) {
		return fmt.Errorf("invalid proxyport: %d", c.ProxyPort)
	}
	if c.MaxBPS < 0 {
		return fmt.Errorf("maxbps cannot be negative: %d", c.MaxBPS)
	}
	return nil
}

// ListenAddr is the dispatcher's listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.HostPort)
}

// ProxyAddr is the proxy's listen address.
func (c *Config) ProxyAddr() string {
	return fmt.Sprintf(":%d", c.ProxyPort)
}

// DispatcherTarget is the address rewritten requests are sent to.
func (c *Config) DispatcherTarget() string {
	return net.JoinHostPort("localhost", strconv.Itoa(c.HostPort))
}
