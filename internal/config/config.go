// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/universal-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the proxy itself and cannot host the proxy
// endpoint or the metrics endpoint.
var reservedRoutes = []string{"/healthz", "/proxy/status"}

// DefaultUserAgent is sent upstream when no User-Agent survives header filtering.
const DefaultUserAgent = "Mozilla/5.0 (compatible; Universal-Proxy/2.0)"

// Header policy names.
const (
	PolicyDeny  = "deny"
	PolicyAllow = "allow"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	BasePath     string `kong:"help='Path the proxy endpoint is mounted on (overrides config).',env='BASE_PATH'"`
	HeaderPolicy string `kong:"help='Request header policy: deny|allow (overrides config).',env='HEADER_POLICY'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Upstream UpstreamConfig `toml:"upstream"`
	Headers  HeadersConfig  `toml:"headers"`
	Rewrite  RewriteConfig  `toml:"rewrite"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`           // 0 means "use default" (8000)
	BodyMaxBytes int64  `toml:"body_max_bytes"` // 0 means unlimited
}

// ProxyConfig controls how the proxy endpoint is addressed.
type ProxyConfig struct {
	BasePath    string `toml:"base_path"`
	TargetParam string `toml:"target_param"`
	UserAgent   string `toml:"user_agent"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	DialTimeoutSeconds           int `toml:"dial_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `toml:"response_header_timeout_seconds"`
	IdleConnections              int `toml:"idle_connections"`
}

// HeadersConfig selects the request header policy.
type HeadersConfig struct {
	Policy     string   `toml:"policy"`
	ExtraDeny  []string `toml:"extra_deny"`
	ExtraAllow []string `toml:"extra_allow"`
}

// RewriteConfig controls HTML link rewriting.
type RewriteConfig struct {
	HTML         *bool `toml:"html"` // nil means enabled
	MaxHTMLBytes int64 `toml:"max_html_bytes"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file, applies CLI overrides and fills defaults.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/universal-proxy/config.toml then configs/config.toml, and falls back
// to defaults if neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.BasePath != "" {
		c.Proxy.BasePath = cli.BasePath
	}
	if cli.HeaderPolicy != "" {
		c.Headers.Policy = cli.HeaderPolicy
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// Validate implements validation.Validatable.
func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&s.BodyMaxBytes, validation.Min(int64(0))),
	)
}

// Validate implements validation.Validatable.
func (p ProxyConfig) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.BasePath, validation.By(absolutePath)),
		validation.Field(&p.TargetParam, validation.By(noReservedQueryChars)),
	)
}

// Validate implements validation.Validatable.
func (u UpstreamConfig) Validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.DialTimeoutSeconds, validation.Min(0)),
		validation.Field(&u.ResponseHeaderTimeoutSeconds, validation.Min(0)),
		validation.Field(&u.IdleConnections, validation.Min(0)),
	)
}

// Validate implements validation.Validatable.
func (h HeadersConfig) Validate() error {
	return validation.ValidateStruct(&h,
		validation.Field(&h.Policy, validation.In(PolicyDeny, PolicyAllow, "")),
	)
}

// Validate implements validation.Validatable.
func (r RewriteConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MaxHTMLBytes, validation.Min(int64(0))),
	)
}

// Validate implements validation.Validatable.
func (l LogConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.By(oneOfFold("debug", "info", "warn", "error"))),
		validation.Field(&l.Format, validation.By(oneOfFold("json", "text"))),
	)
}

func (c *Config) validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.Server),
		validation.Field(&c.Proxy),
		validation.Field(&c.Upstream),
		validation.Field(&c.Headers),
		validation.Field(&c.Rewrite),
		validation.Field(&c.Log),
	)
	if err != nil {
		return err
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if err := absolutePath(p); err != nil {
			return fmt.Errorf("metrics.path %w; got %q", err, p)
		}
		if p == basePathOrDefault(c.Proxy.BasePath) {
			return fmt.Errorf("metrics.path %q conflicts with proxy.base_path", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	for _, reserved := range reservedRoutes {
		if c.Proxy.BasePath == reserved {
			return fmt.Errorf("proxy.base_path %q conflicts with reserved route", c.Proxy.BasePath)
		}
	}

	return nil
}

func absolutePath(value any) error {
	p, _ := value.(string)
	if p != "" && p[0] != '/' {
		return errors.New("must start with '/'")
	}
	return nil
}

func noReservedQueryChars(value any) error {
	p, _ := value.(string)
	if strings.ContainsAny(p, "&=?# ") {
		return errors.New("must not contain query separators")
	}
	return nil
}

// oneOfFold is validation.In with case-insensitive matching; empty is allowed.
func oneOfFold(allowed ...string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s == "" {
			return nil
		}
		for _, a := range allowed {
			if strings.EqualFold(s, a) {
				return nil
			}
		}
		return fmt.Errorf("must be one of: %s", strings.Join(allowed, ", "))
	}
}

func basePathOrDefault(p string) string {
	if p == "" {
		return "/proxy"
	}
	return p
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key. The exceptions are
// server.body_max_bytes, where 0 disables the limit.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	c.Proxy.BasePath = basePathOrDefault(c.Proxy.BasePath)
	if c.Proxy.TargetParam == "" {
		c.Proxy.TargetParam = "url"
	}
	if c.Proxy.UserAgent == "" {
		c.Proxy.UserAgent = DefaultUserAgent
	}
	if c.Upstream.DialTimeoutSeconds == 0 {
		c.Upstream.DialTimeoutSeconds = 30
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		c.Upstream.ResponseHeaderTimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Headers.Policy == "" {
		c.Headers.Policy = PolicyDeny
	}
	if c.Rewrite.HTML == nil {
		enabled := true
		c.Rewrite.HTML = &enabled
	}
	if c.Rewrite.MaxHTMLBytes == 0 {
		c.Rewrite.MaxHTMLBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// RewriteHTML reports whether HTML responses are link-rewritten.
func (c *RewriteConfig) RewriteHTML() bool {
	return c.HTML == nil || *c.HTML
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
