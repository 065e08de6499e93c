// Package config loads the immutable YAML configuration snapshots for the
// server and client processes. Values are validated and defaulted once at
// load time; nothing is hot-reloaded.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMTU            = 1400
	DefaultAuthTimeout    = 10 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
	DefaultKeepAlive      = 15 * time.Second
	DefaultSpoofThreshold = 5
	DefaultReserved       = 2
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	td, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(td)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig is the server process configuration.
type ServerConfig struct {
	Listen         string   `yaml:"listen"`
	Subnet         string   `yaml:"subnet"`
	TunName        string   `yaml:"tun_name"`
	MTU            int      `yaml:"mtu"`
	UsersFile      string   `yaml:"users_file"`
	CertFile       string   `yaml:"cert_file"`
	KeyFile        string   `yaml:"key_file"`
	AuthTimeout    Duration `yaml:"auth_timeout"`
	IdleTimeout    Duration `yaml:"idle_timeout"`
	SpoofThreshold int      `yaml:"spoof_threshold"`
	Reserved       int      `yaml:"reserved"`
	LogLevel       string   `yaml:"log_level"`

	prefix netip.Prefix
}

// ClientConfig is the client process configuration.
type ClientConfig struct {
	Server             string   `yaml:"server"`
	Username           string   `yaml:"username"`
	Password           string   `yaml:"password"`
	TunName            string   `yaml:"tun_name"`
	MTU                int      `yaml:"mtu"`
	CAFile             string   `yaml:"ca_file"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
	Routes             []string `yaml:"routes"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	KeepAlive          Duration `yaml:"keepalive"`
	LogLevel           string   `yaml:"log_level"`
}

// Subnet as a parsed prefix. Valid after LoadServer.
func (c *ServerConfig) Prefix() netip.Prefix { return c.prefix }

// LoadServer reads, defaults and validates a server configuration file.
func LoadServer(path string) (*ServerConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &ServerConfig{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate applies defaults and checks required fields. Exposed so tests and
// embedders can build configs without a file on disk.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		c.Listen = "0.0.0.0:9001"
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen %q: %w", c.Listen, err)
	}
	if c.Subnet == "" {
		return fmt.Errorf("subnet is required")
	}
	p, err := netip.ParsePrefix(c.Subnet)
	if err != nil {
		return fmt.Errorf("subnet %q: %w", c.Subnet, err)
	}
	c.prefix = p.Masked()
	if c.TunName == "" {
		c.TunName = "burrow0"
	}
	if c.MTU == 0 {
		c.MTU = DefaultMTU
	}
	if c.MTU < 576 || c.MTU > 65535 {
		return fmt.Errorf("mtu %d out of range", c.MTU)
	}
	if c.UsersFile == "" {
		return fmt.Errorf("users_file is required")
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("cert_file and key_file must be set together")
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = Duration(DefaultAuthTimeout)
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = Duration(DefaultIdleTimeout)
	}
	if c.SpoofThreshold == 0 {
		c.SpoofThreshold = DefaultSpoofThreshold
	}
	if c.Reserved == 0 {
		c.Reserved = DefaultReserved
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

// LoadClient reads, defaults and validates a client configuration file.
func LoadClient(path string) (*ClientConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &ClientConfig{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *ClientConfig) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("server is required")
	}
	if _, _, err := net.SplitHostPort(c.Server); err != nil {
		return fmt.Errorf("server %q: %w", c.Server, err)
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Password == "" {
		return fmt.Errorf("password is required")
	}
	if c.TunName == "" {
		c.TunName = "burrow0"
	}
	if c.MTU == 0 {
		c.MTU = DefaultMTU
	}
	if c.MTU < 576 || c.MTU > 65535 {
		return fmt.Errorf("mtu %d out of range", c.MTU)
	}
	for _, r := range c.Routes {
		if _, err := netip.ParsePrefix(r); err != nil {
			return fmt.Errorf("route %q: %w", r, err)
		}
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = Duration(DefaultIdleTimeout)
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = Duration(DefaultKeepAlive)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}
