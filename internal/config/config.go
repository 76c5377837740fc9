// Package config handles configuration parsing from CLI flags, environment
// variables and YAML files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/balancer"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/guard"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/pool"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/proxy"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/pkg/netutil"
)

// EnvPrefix prefixes every environment variable read by the config.
const EnvPrefix = "API_PROXY_"

// ManagementPrefixes are the path prefixes owned by the management listener.
var ManagementPrefixes = []string{"/api/", "/health", "/ready", "/metrics"}

// ListenerConfig holds the bind address and admission policy of one port.
type ListenerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Allow          []string `yaml:"allow"`
	Deny           []string `yaml:"deny"`
	RequireAuth    bool     `yaml:"require_auth"`
	AuthMethods    []string `yaml:"auth_methods"`
	AuthTokens     []string `yaml:"auth_tokens"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// Addr returns the listen address.
func (l ListenerConfig) Addr() string {
	return netutil.JoinHostPort(l.Host, l.Port)
}

// Policy converts the listener config to an admission policy.
func (l ListenerConfig) Policy() (guard.Policy, error) {
	methods := make([]guard.AuthMethod, 0, len(l.AuthMethods))
	for _, s := range l.AuthMethods {
		m, err := guard.ParseAuthMethod(s)
		if err != nil {
			return guard.Policy{}, err
		}
		methods = append(methods, m)
	}
	return guard.Policy{
		Allow:       l.Allow,
		Deny:        l.Deny,
		RequireAuth: l.RequireAuth,
		AuthMethods: methods,
		RateLimit:   l.RateLimitRPS,
		RateBurst:   l.RateLimitBurst,
	}, nil
}

// RouteConfig maps a proxy path prefix to a provider.
type RouteConfig struct {
	Prefix   string `yaml:"prefix"`
	Provider string `yaml:"provider"`
}

// ProviderConfig holds the upstream of one provider.
type ProviderConfig struct {
	BaseURL    string            `yaml:"base_url"`
	HealthPath string            `yaml:"health_path"`
	Headers    map[string]string `yaml:"health_headers"`
}

// KeyConfig is a provider key loaded at startup.
type KeyConfig struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	Secret   string `yaml:"secret"`
	// Weight nil means the default weight; an explicit value must be in [1, pool.MaxWeight].
	Weight *int   `yaml:"weight"`
	Status string `yaml:"status"`
}

// Config holds all configuration for the gateway.
type Config struct {
	Management ListenerConfig `yaml:"management"`
	Proxy      ListenerConfig `yaml:"proxy"`

	// Routes maps proxy prefixes to providers.
	Routes []RouteConfig `yaml:"routes"`
	// Providers holds upstream base URLs by provider name.
	Providers map[string]ProviderConfig `yaml:"providers"`
	// Keys are loaded into the pool at startup.
	Keys []KeyConfig `yaml:"keys"`

	// Strategy is the default selection strategy.
	Strategy string `yaml:"strategy"`

	FailureThreshold       int           `yaml:"failure_threshold"`
	RecoveryThreshold      int           `yaml:"recovery_threshold"`
	HealthCheckInterval    time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout     time.Duration `yaml:"health_check_timeout"`
	HealthCheckType        string        `yaml:"health_check_type"`
	HealthCheckConcurrency int           `yaml:"health_check_concurrency"`

	// Timeout bounds the wait for upstream response headers.
	Timeout time.Duration `yaml:"timeout"`
	// IdleTimeout is the server keep-alive idle timeout.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Transport tuning
	TCPKeepAlive          time.Duration `yaml:"tcp_keepalive"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`

	// MaxInflightPerKey limits concurrent requests per key; 0 disables it.
	MaxInflightPerKey int `yaml:"max_inflight_per_key"`
	// MaxInflightTotal limits concurrent proxied requests; 0 disables it.
	MaxInflightTotal int `yaml:"max_inflight_total"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// ConfigFile is the optional config file path.
	ConfigFile string `yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Management: ListenerConfig{
			Host:  "127.0.0.1",
			Port:  9090,
			Allow: []string{"127.0.0.0/8", "::1/128"},
		},
		Proxy: ListenerConfig{
			Port: 8080,
		},
		Routes: []RouteConfig{
			{Prefix: "/openai", Provider: "openai"},
			{Prefix: "/claude", Provider: "claude"},
			{Prefix: "/gemini", Provider: "gemini"},
		},
		Providers: map[string]ProviderConfig{
			"openai": {BaseURL: "https://api.openai.com/v1", HealthPath: "/models"},
			"claude": {BaseURL: "https://api.anthropic.com/v1", HealthPath: "/models"},
			"gemini": {BaseURL: "https://generativelanguage.googleapis.com/v1beta", HealthPath: "/models"},
		},
		Strategy:               string(balancer.RoundRobin),
		FailureThreshold:       3,
		RecoveryThreshold:      2,
		HealthCheckInterval:    30 * time.Second,
		HealthCheckTimeout:     10 * time.Second,
		HealthCheckType:        "http",
		HealthCheckConcurrency: 8,
		Timeout:                120 * time.Second,
		IdleTimeout:            90 * time.Second,
		ShutdownTimeout:        30 * time.Second,
		TCPKeepAlive:           30 * time.Second,
		IdleConnTimeout:        90 * time.Second,
		TLSHandshakeTimeout:    10 * time.Second,
		ExpectContinueTimeout:  1 * time.Second,
		MaxIdleConnsPerHost:    32,
		MaxInflightPerKey:      0,
		MaxInflightTotal:       1000,
		LogLevel:               "info",
		LogFormat:              "json",
	}
}

// ParseFlags parses os.Args and returns a validated Config.
func ParseFlags() (*Config, error) {
	return Load(os.Args[1:])
}

// Load builds a Config from defaults, then the YAML file named by
// --config, then API_PROXY_* environment variables, then flags. Each layer
// overrides the previous one.
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	path := configPath(args)
	if path != "" {
		fileCfg, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	cfg.ConfigFile = path

	fs := newFlagSet(cfg)
	if err := fs.Parse(args); err != nil {
		return nil, &ConfigurationError{Field: "flags", Message: err.Error(), Err: err}
	}
	if err := loadFromEnv(fs); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newFlagSet(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("api-proxy", pflag.ContinueOnError)

	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "Config file path (YAML)")

	fs.StringVar(&cfg.Management.Host, "mgmt-host", cfg.Management.Host, "Management listener host")
	fs.IntVar(&cfg.Management.Port, "mgmt-port", cfg.Management.Port, "Management listener port")
	fs.StringSliceVar(&cfg.Management.Allow, "mgmt-allow", cfg.Management.Allow, "Management allowed CIDRs")
	fs.StringSliceVar(&cfg.Management.Deny, "mgmt-deny", cfg.Management.Deny, "Management denied CIDRs")
	fs.BoolVar(&cfg.Management.RequireAuth, "mgmt-require-auth", cfg.Management.RequireAuth, "Require authentication on the management port")
	fs.StringSliceVar(&cfg.Management.AuthTokens, "mgmt-auth-tokens", cfg.Management.AuthTokens, "Management access tokens")

	fs.StringVar(&cfg.Proxy.Host, "proxy-host", cfg.Proxy.Host, "Proxy listener host")
	fs.IntVar(&cfg.Proxy.Port, "proxy-port", cfg.Proxy.Port, "Proxy listener port")
	fs.StringSliceVar(&cfg.Proxy.Allow, "proxy-allow", cfg.Proxy.Allow, "Proxy allowed CIDRs")
	fs.StringSliceVar(&cfg.Proxy.Deny, "proxy-deny", cfg.Proxy.Deny, "Proxy denied CIDRs")
	fs.BoolVar(&cfg.Proxy.RequireAuth, "proxy-require-auth", cfg.Proxy.RequireAuth, "Require authentication on the proxy port")
	fs.StringSliceVar(&cfg.Proxy.AuthTokens, "proxy-auth-tokens", cfg.Proxy.AuthTokens, "Proxy access tokens")
	fs.Float64Var(&cfg.Proxy.RateLimitRPS, "proxy-rate-limit", cfg.Proxy.RateLimitRPS, "Proxy requests per second per source (0 disables)")
	fs.IntVar(&cfg.Proxy.RateLimitBurst, "proxy-rate-burst", cfg.Proxy.RateLimitBurst, "Proxy rate limit burst")

	fs.StringVar(&cfg.Strategy, "strategy", cfg.Strategy, "Selection strategy (round_robin, weighted_round_robin, weighted, health_best)")
	fs.IntVar(&cfg.FailureThreshold, "failure-threshold", cfg.FailureThreshold, "Consecutive probe failures before a key is unhealthy")
	fs.IntVar(&cfg.RecoveryThreshold, "recovery-threshold", cfg.RecoveryThreshold, "Consecutive probe successes before a key is healthy again")
	fs.DurationVar(&cfg.HealthCheckInterval, "health-check-interval", cfg.HealthCheckInterval, "Health check interval")
	fs.DurationVar(&cfg.HealthCheckTimeout, "health-check-timeout", cfg.HealthCheckTimeout, "Health check timeout")
	fs.StringVar(&cfg.HealthCheckType, "health-check-type", cfg.HealthCheckType, "Health check type: http or tcp")
	fs.IntVar(&cfg.HealthCheckConcurrency, "health-check-concurrency", cfg.HealthCheckConcurrency, "Maximum concurrent probes")

	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Upstream response header timeout")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Server idle connection timeout")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout")
	fs.IntVar(&cfg.MaxInflightPerKey, "max-inflight-per-key", cfg.MaxInflightPerKey, "Max concurrent requests per key (0 disables)")
	fs.IntVar(&cfg.MaxInflightTotal, "max-inflight-total", cfg.MaxInflightTotal, "Max concurrent proxied requests (0 disables)")

	// Transport tuning flags
	fs.DurationVar(&cfg.TCPKeepAlive, "tcp-keepalive", cfg.TCPKeepAlive, "TCP keep-alive interval")
	fs.DurationVar(&cfg.IdleConnTimeout, "idle-conn-timeout", cfg.IdleConnTimeout, "Idle upstream connection timeout")
	fs.DurationVar(&cfg.TLSHandshakeTimeout, "tls-handshake-timeout", cfg.TLSHandshakeTimeout, "TLS handshake timeout")
	fs.DurationVar(&cfg.ExpectContinueTimeout, "expect-continue-timeout", cfg.ExpectContinueTimeout, "Expect-continue timeout")
	fs.IntVar(&cfg.MaxIdleConnsPerHost, "max-idle-conns-per-host", cfg.MaxIdleConnsPerHost, "Idle upstream connections kept per host")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (json, text)")

	return fs
}

// configPath finds --config in args without parsing the other flags.
func configPath(args []string) string {
	for i, a := range args {
		switch {
		case a == "--":
			return os.Getenv(EnvPrefix + "CONFIG")
		case a == "--config" && i+1 < len(args):
			return args[i+1]
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		}
	}
	return os.Getenv(EnvPrefix + "CONFIG")
}

// EnvName returns the environment variable read for a flag.
func EnvName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// loadFromEnv applies API_PROXY_* variables to every flag not set on the
// command line, so flags take precedence over env vars.
func loadFromEnv(fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || f.Name == "config" {
			return
		}
		v, ok := os.LookupEnv(EnvName(f.Name))
		if !ok || v == "" {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			errs = append(errs, &ConfigurationError{Field: EnvName(f.Name), Message: err.Error(), Err: err})
		}
	})
	return errors.Join(errs...)
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Field: "config", Message: "reading config file", Err: err}
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigurationError{Field: "config", Message: "parsing config file", Err: err}
	}
	cfg.ConfigFile = path

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if err := validateListener("management", c.Management); err != nil {
		return err
	}
	if err := validateListener("proxy", c.Proxy); err != nil {
		return err
	}
	if addressesConflict(c.Management, c.Proxy) {
		return invalid("proxy.port", "management and proxy must listen on different addresses")
	}

	if err := c.validateProviders(); err != nil {
		return err
	}
	if err := c.validateRoutes(); err != nil {
		return err
	}
	if err := c.validateKeys(); err != nil {
		return err
	}

	if _, err := balancer.ParseStrategy(c.Strategy); err != nil {
		return &ConfigurationError{Field: "strategy", Message: err.Error(), Err: err}
	}

	if c.FailureThreshold < 1 {
		return invalid("failure_threshold", "must be at least 1")
	}
	if c.RecoveryThreshold < 1 {
		return invalid("recovery_threshold", "must be at least 1")
	}
	if c.HealthCheckInterval <= 0 {
		return invalid("health_check_interval", "must be positive")
	}
	if c.HealthCheckTimeout <= 0 {
		return invalid("health_check_timeout", "must be positive")
	}
	if c.HealthCheckType != "http" && c.HealthCheckType != "tcp" {
		return invalid("health_check_type", "must be http or tcp")
	}
	if c.HealthCheckConcurrency < 1 {
		return invalid("health_check_concurrency", "must be at least 1")
	}

	if c.Timeout <= 0 {
		return invalid("timeout", "must be positive")
	}
	if c.IdleTimeout <= 0 {
		return invalid("idle_timeout", "must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return invalid("shutdown_timeout", "must be positive")
	}

	return validateReloadable(c)
}

// validateReloadable checks the hot-reloadable fields.
func validateReloadable(c *Config) error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return invalid("log_level", "must be trace, debug, info, warn, or error")
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.LogFormat] {
		return invalid("log_format", "must be json or text")
	}

	if c.MaxInflightPerKey < 0 {
		return invalid("max_inflight_per_key", "must not be negative")
	}
	if c.MaxInflightTotal < 0 {
		return invalid("max_inflight_total", "must not be negative")
	}
	return nil
}

func validateListener(name string, l ListenerConfig) error {
	if l.Port < 1 || l.Port > 65535 {
		return invalid(name+".port", fmt.Sprintf("invalid port: %d", l.Port))
	}
	if err := netutil.ValidateBindHost(l.Host); err != nil {
		return &ConfigurationError{Field: name + ".host", Message: err.Error(), Err: err}
	}
	if _, err := netutil.ParsePrefixes(l.Allow); err != nil {
		return &ConfigurationError{Field: name + ".allow", Message: err.Error(), Err: err}
	}
	if _, err := netutil.ParsePrefixes(l.Deny); err != nil {
		return &ConfigurationError{Field: name + ".deny", Message: err.Error(), Err: err}
	}
	if _, err := l.Policy(); err != nil {
		return &ConfigurationError{Field: name + ".auth_methods", Message: err.Error(), Err: err}
	}
	if l.RequireAuth && len(nonEmpty(l.AuthTokens)) == 0 {
		return invalid(name+".auth_tokens", "at least one token is required when require_auth is set")
	}
	if l.RateLimitRPS < 0 {
		return invalid(name+".rate_limit_rps", "must not be negative")
	}
	if l.RateLimitBurst < 0 {
		return invalid(name+".rate_limit_burst", "must not be negative")
	}
	return nil
}

func (c *Config) validateProviders() error {
	for name, p := range c.Providers {
		if name == "" || name != pool.NormalizeProvider(name) {
			return invalid("providers", fmt.Sprintf("provider name %q must be lower case", name))
		}
		u, err := url.Parse(p.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("providers."+name+".base_url", fmt.Sprintf("invalid base url %q", p.BaseURL))
		}
	}
	return nil
}

func (c *Config) validateRoutes() error {
	if len(c.Routes) == 0 {
		return invalid("routes", "at least one route is required")
	}
	seen := make(map[string]bool, len(c.Routes))
	for _, r := range c.Routes {
		if !strings.HasPrefix(r.Prefix, "/") || r.Prefix == "/" {
			return invalid("routes", fmt.Sprintf("prefix %q must start with / and name a path", r.Prefix))
		}
		if seen[r.Prefix] {
			return invalid("routes", fmt.Sprintf("duplicate prefix %q", r.Prefix))
		}
		seen[r.Prefix] = true
		if _, ok := c.Providers[r.Provider]; !ok {
			return invalid("routes", fmt.Sprintf("prefix %q routes to unknown provider %q", r.Prefix, r.Provider))
		}
		for _, m := range ManagementPrefixes {
			if proxy.MatchPrefix(r.Prefix, m) || proxy.MatchPrefix(m, r.Prefix) {
				return invalid("routes", fmt.Sprintf("prefix %q overlaps management prefix %q", r.Prefix, m))
			}
		}
	}
	return nil
}

func (c *Config) validateKeys() error {
	ids := make(map[string]bool, len(c.Keys))
	for i, k := range c.Keys {
		field := fmt.Sprintf("keys[%d]", i)
		if k.ID != "" {
			if ids[k.ID] {
				return &ConfigurationError{Field: field + ".id", Message: "duplicate id " + k.ID, Err: pool.ErrDuplicateKey}
			}
			ids[k.ID] = true
		}
		if _, ok := c.Providers[pool.NormalizeProvider(k.Provider)]; !ok {
			return &ConfigurationError{Field: field + ".provider", Message: fmt.Sprintf("unknown provider %q", k.Provider), Err: pool.ErrInvalidProvider}
		}
		if k.Secret == "" {
			return &ConfigurationError{Field: field + ".secret", Message: "must not be empty", Err: pool.ErrInvalidSecret}
		}
		if k.Weight != nil && !pool.ValidWeight(*k.Weight) {
			return &ConfigurationError{Field: field + ".weight", Message: fmt.Sprintf("must be between 1 and %d", pool.MaxWeight), Err: pool.ErrInvalidWeight}
		}
		if _, err := pool.ParseStatus(k.Status); err != nil {
			return &ConfigurationError{Field: field + ".status", Message: err.Error(), Err: err}
		}
	}
	return nil
}

// Thresholds returns the probe state-machine thresholds.
func (c *Config) Thresholds() pool.Thresholds {
	return pool.Thresholds{Failure: c.FailureThreshold, Recovery: c.RecoveryThreshold}
}

// ProviderKeys converts the configured keys for pool.Add.
func (c *Config) ProviderKeys() []pool.ProviderKey {
	out := make([]pool.ProviderKey, 0, len(c.Keys))
	for _, k := range c.Keys {
		pk := pool.ProviderKey{ID: k.ID, Provider: k.Provider, Secret: k.Secret}
		if k.Weight != nil {
			pk.Weight = *k.Weight
		}
		pk.Status, _ = pool.ParseStatus(k.Status)
		out = append(out, pk)
	}
	return out
}

// ProviderNames returns configured provider names, sorted.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// addressesConflict reports whether two listeners would bind the same
// socket. A wildcard host conflicts with every host on the same port.
func addressesConflict(a, b ListenerConfig) bool {
	if a.Port != b.Port {
		return false
	}
	wildcard := func(h string) bool { return h == "" || h == "0.0.0.0" || h == "::" }
	return a.Host == b.Host || wildcard(a.Host) || wildcard(b.Host)
}

func nonEmpty(list []string) []string {
	out := list[:0:0]
	for _, s := range list {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// ConfigurationError reports an invalid configuration value. It is fatal at
// startup and rejects a hot reload.
type ConfigurationError struct {
	Field   string
	Message string
	Err     error
}

func invalid(field, msg string) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: msg}
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil && e.Message != e.Err.Error() {
		return e.Field + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Field + ": " + e.Message
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
