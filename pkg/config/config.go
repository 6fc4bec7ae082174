package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/netident/pkg/log"
	"github.com/cuemby/netident/pkg/probe"
	"github.com/cuemby/netident/pkg/proxyconf"
	"github.com/cuemby/netident/pkg/reload"
	"github.com/cuemby/netident/pkg/security"
	"github.com/cuemby/netident/pkg/types"
)

// Defaults
const (
	DefaultDataDir         = "/var/lib/netident"
	DefaultCertPath        = "/etc/nginx/ssl/netident.crt"
	DefaultKeyPath         = "/etc/nginx/ssl/netident.key"
	DefaultProxyConfigPath = "/etc/nginx/conf.d/netident.conf"
	DefaultRenewBeforeDays = 30
	DefaultWatchInterval   = 60 * time.Second
	DefaultContainer       = "nginx"
)

//go:embed sample.yaml
var sample []byte

// Sample returns the annotated example configuration
func Sample() []byte {
	return sample
}

// Config is the on-disk configuration of netident
type Config struct {
	DataDir         string            `yaml:"data_dir"`
	PreferredSubnet string            `yaml:"preferred_subnet"`
	Hostnames       []string          `yaml:"hostnames"`
	SkipInterfaces  []string          `yaml:"skip_interfaces"`
	Certificate     CertificateConfig `yaml:"certificate"`
	Proxy           ProxyConfig       `yaml:"proxy"`
	Upstreams       []types.Upstream  `yaml:"upstreams"`
	Reload          ReloadConfig      `yaml:"reload"`
	Watch           WatchConfig       `yaml:"watch"`
	Log             LogConfig         `yaml:"log"`
}

// CertificateConfig controls issuance
type CertificateConfig struct {
	CertPath        string `yaml:"cert_path"`
	KeyPath         string `yaml:"key_path"`
	ValidityDays    int    `yaml:"validity_days"`
	KeyBits         int    `yaml:"key_bits"`
	CommonName      string `yaml:"common_name"`
	Organization    string `yaml:"organization"`
	// RenewBeforeDays reissues this many days before expiry; 0 disables
	// early renewal. When absent it defaults to DefaultRenewBeforeDays,
	// capped at a third of the validity.
	RenewBeforeDays *int   `yaml:"renew_before_days"`
}

// ProxyConfig controls the rendered nginx configuration
type ProxyConfig struct {
	ConfigPath        string `yaml:"config_path"`
	HTTPPort          int    `yaml:"http_port"`
	HTTPSPort         int    `yaml:"https_port"`
	ClientMaxBodySize string `yaml:"client_max_body_size"`
	ReadTimeout       string `yaml:"read_timeout"`
}

// ReloadConfig selects how the proxy is told to pick up new files
type ReloadConfig struct {
	Mode                reload.Mode   `yaml:"mode"`
	Container           string        `yaml:"container"`
	Signal              string        `yaml:"signal"`
	Command             []string      `yaml:"command"`
	Timeout             time.Duration `yaml:"timeout"`
	// StopTimeout is the grace period given to the proxy before docker
	// kills it in docker-restart mode. Defaults to half of Timeout.
	StopTimeout         time.Duration `yaml:"stop_timeout"`
	ContainerdSocket    string        `yaml:"containerd_socket"`
	ContainerdNamespace string        `yaml:"containerd_namespace"`
}

// WatchConfig configures the periodic loop
type WatchConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MetricsAddr string        `yaml:"metrics_addr"`
}

// LogConfig configures logging
type LogConfig struct {
	Level log.Level `yaml:"level"`
	JSON  bool      `yaml:"json"`
}

// Default returns a configuration with every default applied and no upstreams
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads path and applies defaults. An empty path yields Default().
// Validation is left to the caller so flags can override file values first.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML and applies defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.SkipInterfaces == nil {
		c.SkipInterfaces = append([]string(nil), probe.DefaultSkipInterfaces...)
	}

	cert := &c.Certificate
	if cert.CertPath == "" {
		cert.CertPath = DefaultCertPath
	}
	if cert.KeyPath == "" {
		cert.KeyPath = DefaultKeyPath
	}
	if cert.ValidityDays == 0 {
		cert.ValidityDays = security.DefaultValidityDays
	}
	if cert.KeyBits == 0 {
		cert.KeyBits = security.DefaultKeyBits
	}
	if cert.Organization == "" {
		cert.Organization = security.DefaultOrganization
	}
	if cert.RenewBeforeDays == nil {
		days := DefaultRenewBeforeDays
		if cert.ValidityDays <= days {
			days = cert.ValidityDays / 3
		}
		cert.RenewBeforeDays = &days
	}

	proxy := &c.Proxy
	if proxy.ConfigPath == "" {
		proxy.ConfigPath = DefaultProxyConfigPath
	}
	if proxy.HTTPPort == 0 {
		proxy.HTTPPort = proxyconf.DefaultHTTPPort
	}
	if proxy.HTTPSPort == 0 {
		proxy.HTTPSPort = proxyconf.DefaultHTTPSPort
	}
	if proxy.ClientMaxBodySize == "" {
		proxy.ClientMaxBodySize = proxyconf.DefaultClientMaxBodySize
	}
	if proxy.ReadTimeout == "" {
		proxy.ReadTimeout = proxyconf.DefaultReadTimeout
	}

	rl := &c.Reload
	if rl.Mode == "" {
		rl.Mode = reload.ModeDockerSignal
	}
	if rl.Container == "" && (rl.Mode == reload.ModeDockerSignal || rl.Mode == reload.ModeDockerRestart || rl.Mode == reload.ModeContainerd) {
		rl.Container = DefaultContainer
	}
	if rl.Signal == "" {
		rl.Signal = reload.DefaultSignal
	}
	if rl.Timeout == 0 {
		rl.Timeout = reload.DefaultTimeout
	}
	if rl.StopTimeout == 0 {
		rl.StopTimeout = rl.Timeout / 2
	}

	if c.Watch.Interval == 0 {
		c.Watch.Interval = DefaultWatchInterval
	}
	if c.Log.Level == "" {
		c.Log.Level = log.InfoLevel
	}
}

// Validate reports every problem found, joined into one error
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.PreferredSubnet != "" {
		if _, _, err := net.ParseCIDR(c.PreferredSubnet); err != nil {
			errs = append(errs, fmt.Errorf("preferred_subnet: %w", err))
		}
	}
	for _, h := range c.Hostnames {
		if h == "" {
			errs = append(errs, errors.New("hostnames: empty entry"))
		}
	}

	cert := c.Certificate
	if cert.CertPath == cert.KeyPath {
		errs = append(errs, errors.New("certificate: cert_path and key_path must differ"))
	}
	if cert.ValidityDays < 1 {
		errs = append(errs, fmt.Errorf("certificate.validity_days must be positive, got %d", cert.ValidityDays))
	}
	if cert.KeyBits < 2048 {
		errs = append(errs, fmt.Errorf("certificate.key_bits must be at least 2048, got %d", cert.KeyBits))
	}
	if renew := cert.renewBeforeDays(); renew < 0 || renew >= cert.ValidityDays {
		errs = append(errs, fmt.Errorf("certificate.renew_before_days must be in [0, validity_days), got %d", renew))
	}

	proxy := c.Proxy
	if !filepath.IsAbs(proxy.ConfigPath) {
		errs = append(errs, fmt.Errorf("proxy.config_path must be absolute, got %q", proxy.ConfigPath))
	}
	for name, port := range map[string]int{"http_port": proxy.HTTPPort, "https_port": proxy.HTTPSPort} {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("proxy.%s out of range: %d", name, port))
		}
	}
	if proxy.HTTPPort == proxy.HTTPSPort {
		errs = append(errs, errors.New("proxy: http_port and https_port must differ"))
	}

	if err := proxyconf.ValidateUpstreams(c.Upstreams); err != nil {
		errs = append(errs, fmt.Errorf("upstreams: %w", err))
	}

	switch c.Reload.Mode {
	case reload.ModeNone:
	case reload.ModeExec:
		if len(c.Reload.Command) == 0 {
			errs = append(errs, errors.New("reload.command is required for exec mode"))
		}
	case reload.ModeDockerSignal, reload.ModeDockerRestart, reload.ModeContainerd:
		if c.Reload.Container == "" {
			errs = append(errs, fmt.Errorf("reload.container is required for %s mode", c.Reload.Mode))
		}
	default:
		errs = append(errs, fmt.Errorf("reload.mode %q is not one of docker-signal, docker-restart, containerd, exec, none", c.Reload.Mode))
	}
	if c.Reload.Timeout < 0 {
		errs = append(errs, errors.New("reload.timeout must not be negative"))
	}
	if c.Reload.StopTimeout < 0 || (c.Reload.Timeout > 0 && c.Reload.StopTimeout >= c.Reload.Timeout) {
		errs = append(errs, fmt.Errorf("reload.stop_timeout must be in [0, reload.timeout), got %s", c.Reload.StopTimeout))
	}

	if c.Watch.Interval < time.Second {
		errs = append(errs, fmt.Errorf("watch.interval must be at least 1s, got %s", c.Watch.Interval))
	}

	switch c.Log.Level {
	case log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	return errors.Join(errs...)
}

// RenewBefore returns the expiry window that triggers early reissue. Zero
// means a certificate is only reissued once it has expired.
func (c *Config) RenewBefore() time.Duration {
	return time.Duration(c.Certificate.renewBeforeDays()) * 24 * time.Hour
}

func (c CertificateConfig) renewBeforeDays() int {
	if c.RenewBeforeDays == nil {
		return 0
	}
	return *c.RenewBeforeDays
}
