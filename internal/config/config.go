// Package config resolves SessionDriver's settings from, in increasing
// priority: built-in defaults, a local .env file (which never overrides a
// variable already set in the environment), environment variables
// (SESSIONDRIVER_*), an optional YAML file, and CLI flags.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds every knob SessionDriver's frontend glue understands.
type Config struct {
	Host string `yaml:"host"`
	Port uint16 `yaml:"port"`

	Webdriver  string   `yaml:"webdriver"`
	Parameters []string `yaml:"parameters"`

	InactivityTimeout time.Duration `yaml:"-"`
	StartupTimeout    time.Duration `yaml:"-"`
	ReapInterval      time.Duration `yaml:"-"`

	// MaxConnectRate is a global, non-blocking ingress rate limit in
	// requests/second. Zero disables it (the default).
	MaxConnectRate float64 `yaml:"maxConnectRate"`

	inactivityTimeoutSeconds int
	startupTimeoutSeconds    int
	reapIntervalSeconds      int
}

// ErrConfig marks a configuration error; cmd/sessiondriver exits 1 on it.
type ErrConfig struct{ msg string }

func (e *ErrConfig) Error() string { return e.msg }

func configErrorf(format string, args ...any) error {
	return &ErrConfig{msg: fmt.Sprintf(format, args...)}
}

const (
	defaultHost              = "127.0.0.1"
	defaultPort              = 4444
	defaultInactivityTimeout = 43200
	defaultStartupTimeout    = 30
	defaultReapInterval      = 60
)

// Parse resolves a Config from CLI args (as passed to a binary, args[0]
// excluded), matching the flags in SPEC_FULL.md §4.6 and §6.
func Parse(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("sessiondriver", pflag.ContinueOnError)

	host := fs.String("host", "", "listen address")
	port := fs.Uint16("port", 0, "listen port")
	webdriver := fs.String("webdriver", "", "path to the WebDriver executable to spawn per session")
	parameters := fs.String("parameters", "", "whitespace-separated extra args forwarded to each child, verbatim")
	inactivityTimeout := fs.Int("inactivity-timeout", 0, "session TTL in seconds")
	startupTimeout := fs.Int("startup-timeout", 0, "per-child readiness deadline in seconds")
	reapInterval := fs.Int("reap-interval", 0, "reaper sweep cadence in seconds")
	maxConnectRate := fs.Float64("max-connect-rate", -1, "global ingress rate limit in requests/second, 0 disables it")
	configFile := fs.String("config", "", "optional YAML config file")

	if err := fs.Parse(args); err != nil {
		return nil, &ErrConfig{msg: err.Error()}
	}

	_ = godotenv.Load() // best effort; absence of a .env file is not an error

	cfg := &Config{
		Host:                      defaultHost,
		Port:                      defaultPort,
		inactivityTimeoutSeconds:  defaultInactivityTimeout,
		startupTimeoutSeconds:     defaultStartupTimeout,
		reapIntervalSeconds:       defaultReapInterval,
		MaxConnectRate:            0,
	}

	cfg.applyEnv()

	if *configFile != "" {
		if err := cfg.loadYAMLFile(*configFile); err != nil {
			return nil, configErrorf("loading config file %s: %v", *configFile, err)
		}
	}

	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *webdriver != "" {
		cfg.Webdriver = *webdriver
	}
	if *parameters != "" {
		cfg.Parameters = splitParameters(*parameters)
	}
	if *inactivityTimeout != 0 {
		cfg.inactivityTimeoutSeconds = *inactivityTimeout
	}
	if *startupTimeout != 0 {
		cfg.startupTimeoutSeconds = *startupTimeout
	}
	if *reapInterval != 0 {
		cfg.reapIntervalSeconds = *reapInterval
	}
	if *maxConnectRate >= 0 {
		cfg.MaxConnectRate = *maxConnectRate
	}

	cfg.InactivityTimeout = time.Duration(cfg.inactivityTimeoutSeconds) * time.Second
	cfg.StartupTimeout = time.Duration(cfg.startupTimeoutSeconds) * time.Second
	cfg.ReapInterval = time.Duration(cfg.reapIntervalSeconds) * time.Second

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Webdriver == "" {
		return configErrorf("--webdriver is required")
	}
	if _, err := os.Stat(c.Webdriver); err != nil {
		return configErrorf("webdriver executable %q: %v", c.Webdriver, err)
	}
	if net.ParseIP(c.Host) == nil {
		return configErrorf("--host %q is not a valid IP address", c.Host)
	}
	return nil
}

func (c *Config) loadYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fileCfg struct {
		Host              string   `yaml:"host"`
		Port              uint16   `yaml:"port"`
		Webdriver         string   `yaml:"webdriver"`
		Parameters        []string `yaml:"parameters"`
		InactivityTimeout int      `yaml:"inactivityTimeout"`
		StartupTimeout    int      `yaml:"startupTimeout"`
		ReapInterval      int      `yaml:"reapInterval"`
		MaxConnectRate    float64  `yaml:"maxConnectRate"`
	}
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return err
	}
	if fileCfg.Host != "" {
		c.Host = fileCfg.Host
	}
	if fileCfg.Port != 0 {
		c.Port = fileCfg.Port
	}
	if fileCfg.Webdriver != "" {
		c.Webdriver = fileCfg.Webdriver
	}
	if len(fileCfg.Parameters) > 0 {
		c.Parameters = fileCfg.Parameters
	}
	if fileCfg.InactivityTimeout != 0 {
		c.inactivityTimeoutSeconds = fileCfg.InactivityTimeout
	}
	if fileCfg.StartupTimeout != 0 {
		c.startupTimeoutSeconds = fileCfg.StartupTimeout
	}
	if fileCfg.ReapInterval != 0 {
		c.reapIntervalSeconds = fileCfg.ReapInterval
	}
	if fileCfg.MaxConnectRate != 0 {
		c.MaxConnectRate = fileCfg.MaxConnectRate
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SESSIONDRIVER_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("SESSIONDRIVER_PORT"); v != "" {
		if p, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.Port = uint16(p)
		}
	}
	if v := os.Getenv("SESSIONDRIVER_WEBDRIVER"); v != "" {
		c.Webdriver = v
	}
	if v := os.Getenv("SESSIONDRIVER_PARAMETERS"); v != "" {
		c.Parameters = splitParameters(v)
	}
	if v := os.Getenv("SESSIONDRIVER_TTI"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			c.inactivityTimeoutSeconds = s
		}
	}
	if v := os.Getenv("SESSIONDRIVER_STARTUP_TIMEOUT"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			c.startupTimeoutSeconds = s
		}
	}
	if v := os.Getenv("SESSIONDRIVER_REAP_INTERVAL"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			c.reapIntervalSeconds = s
		}
	}
	if v := os.Getenv("SESSIONDRIVER_MAX_CONNECT_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.MaxConnectRate = f
		}
	}
}

// splitParameters implements the whitespace-splitting, no-quoting-support
// behavior spec.md's Open Questions section settles on.
func splitParameters(s string) []string {
	return strings.Fields(s)
}

// Addr is the host:port pair to listen on.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}
