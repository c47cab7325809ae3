package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bigbes/snapshot-gate/internal/tier"
)

// SecretEnv overrides the signing secret from the config file.
const SecretEnv = "SNAPGATE_SECRET"

var ErrMissingSecret = errors.New("signing secret is not set (secret, secret_file or " + SecretEnv + ")")

type Config struct {
	LogLevel          string                  `yaml:"log_level"`
	Listen            string                  `yaml:"listen"`
	Proxy             ProxyConfig             `yaml:"proxy"`
	ExternalBaseURL   string                  `yaml:"external_base_url"`
	MountPrefix       string                  `yaml:"mount_prefix"`
	Secret            string                  `yaml:"secret"`
	SecretFile        string                  `yaml:"secret_file"`
	Auth              AuthConfig              `yaml:"auth"`
	Tiers             map[string]TierConfig   `yaml:"tiers"`
	ObservabilityHTTP ObservabilityHTTPConfig `yaml:"observability_http"`
	Journal           JournalConfig           `yaml:"journal"`
	GeoIP             GeoIPConfig             `yaml:"geoip"`
}

// ProxyConfig describes the edge proxy that serves signed links.
type ProxyConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	TLS  bool   `yaml:"tls"`
}

type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	InternalToken string `yaml:"internal_token"` // byte reports and connection teardown
	ResetToken    string `yaml:"reset_token"`    // monthly usage reset trigger
	TrustProxy    bool   `yaml:"trust_proxy"`    // honour X-Forwarded-For / X-Real-IP
}

type TierConfig struct {
	SharedCapacity  ByteSize `yaml:"shared_capacity"` // bytes per second
	MonthlyCap      ByteSize `yaml:"monthly_cap"`
	LinkExpiryHours int      `yaml:"link_expiry_hours"`
	MaxConnections  int      `yaml:"max_connections"` // 0 = unlimited
}

type ObservabilityHTTPConfig struct {
	Addr    string `yaml:"addr"`
	Metrics bool   `yaml:"metrics"`
	Pprof   bool   `yaml:"pprof"`
}

type JournalConfig struct {
	Path string `yaml:"path"` // empty disables the journal
}

type GeoIPConfig struct {
	Path    string `yaml:"path"`    // local file path or URL, empty disables lookups
	Refresh int    `yaml:"refresh"` // seconds
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes, defaults and validates a config document. Relative
// secret_file and journal paths are resolved against dir.
func Parse(data []byte, dir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}

	if cfg.Proxy.Host == "" {
		cfg.Proxy.Host = "localhost"
	}
	if cfg.Proxy.Port == 0 {
		cfg.Proxy.Port = 80
		if cfg.Proxy.TLS {
			cfg.Proxy.Port = 443
		}
	}
	if cfg.Proxy.Port < 0 || cfg.Proxy.Port > 65535 {
		return nil, fmt.Errorf("proxy: invalid port %d", cfg.Proxy.Port)
	}
	if cfg.ExternalBaseURL == "" {
		cfg.ExternalBaseURL = cfg.Proxy.BaseURL()
	}
	cfg.ExternalBaseURL = strings.TrimRight(cfg.ExternalBaseURL, "/")
	if !strings.HasPrefix(cfg.ExternalBaseURL, "http://") && !strings.HasPrefix(cfg.ExternalBaseURL, "https://") {
		return nil, fmt.Errorf("external_base_url %q: must be an http(s) URL", cfg.ExternalBaseURL)
	}

	if cfg.MountPrefix != "" {
		if !strings.HasPrefix(cfg.MountPrefix, "/") {
			return nil, fmt.Errorf("mount_prefix %q: must start with /", cfg.MountPrefix)
		}
		cfg.MountPrefix = strings.TrimRight(cfg.MountPrefix, "/")
	}

	if cfg.SecretFile != "" && !filepath.IsAbs(cfg.SecretFile) {
		cfg.SecretFile = filepath.Join(dir, cfg.SecretFile)
	}
	if err := cfg.resolveSecret(); err != nil {
		return nil, err
	}

	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	if _, ok := cfg.Tiers[tier.Free]; !ok {
		return nil, fmt.Errorf("tiers: %q tier is required for anonymous callers", tier.Free)
	}
	if _, err := cfg.Policy(); err != nil {
		return nil, fmt.Errorf("tiers: %w", err)
	}

	if cfg.Journal.Path != "" && !filepath.IsAbs(cfg.Journal.Path) {
		cfg.Journal.Path = filepath.Join(dir, cfg.Journal.Path)
	}
	if cfg.GeoIP.Path != "" && cfg.GeoIP.Refresh == 0 {
		cfg.GeoIP.Refresh = 86400
	}

	return &cfg, nil
}

// resolveSecret picks the signing secret: environment first, then the
// inline value, then the first entry of secret_file.
func (c *Config) resolveSecret() error {
	if env := strings.TrimSpace(os.Getenv(SecretEnv)); env != "" {
		c.Secret = env
		return nil
	}
	if c.Secret != "" {
		return nil
	}
	if c.SecretFile != "" {
		secrets, err := LoadSecretsFile(c.SecretFile)
		if err != nil {
			return fmt.Errorf("loading secret file: %w", err)
		}
		if len(secrets) > 0 {
			c.Secret = secrets[0]
			return nil
		}
	}
	return ErrMissingSecret
}

// BaseURL is the origin of the edge proxy; default ports are omitted.
func (p ProxyConfig) BaseURL() string {
	scheme, def := "http", 80
	if p.TLS {
		scheme, def = "https", 443
	}
	if p.Port == def || p.Port == 0 {
		return scheme + "://" + p.Host
	}
	return scheme + "://" + net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Policy builds the immutable tier policy from the configured tiers.
func (c *Config) Policy() (*tier.Policy, error) {
	limits := make(map[string]tier.Limits, len(c.Tiers))
	for name, t := range c.Tiers {
		limits[name] = tier.Limits{
			SharedCapacity:  int64(t.SharedCapacity),
			MonthlyCap:      int64(t.MonthlyCap),
			LinkExpiryHours: t.LinkExpiryHours,
			MaxConnections:  t.MaxConnections,
		}
	}
	return tier.NewPolicy(limits)
}

// DefaultTiers mirrors tier.Default in config form.
func DefaultTiers() map[string]TierConfig {
	out := make(map[string]TierConfig)
	p := tier.Default()
	for _, name := range p.Names() {
		l, _ := p.Lookup(name)
		out[name] = TierConfig{
			SharedCapacity:  ByteSize(l.SharedCapacity),
			MonthlyCap:      ByteSize(l.MonthlyCap),
			LinkExpiryHours: l.LinkExpiryHours,
			MaxConnections:  l.MaxConnections,
		}
	}
	return out
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) ParseLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Redacted returns a copy safe to print: secrets are masked.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Secret = mask(c.Secret)
	cp.Auth.JWTSecret = mask(c.Auth.JWTSecret)
	cp.Auth.InternalToken = mask(c.Auth.InternalToken)
	cp.Auth.ResetToken = mask(c.Auth.ResetToken)
	cp.Tiers = make(map[string]TierConfig, len(c.Tiers))
	for k, v := range c.Tiers {
		cp.Tiers[k] = v
	}
	return &cp
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// LoadSecretsFile reads secrets from a file, one per line.
// Supports line comments (# to end of line) and block comments (#~ to ~#).
func LoadSecretsFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	text := stripBlockComments(string(data))

	var secrets []string
	for _, line := range strings.Split(text, "\n") {
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		secrets = append(secrets, line)
	}
	return secrets, nil
}

// stripBlockComments removes all #~ ... ~# regions from text.
func stripBlockComments(text string) string {
	var b strings.Builder
	for {
		start := strings.Index(text, "#~")
		if start < 0 {
			b.WriteString(text)
			break
		}
		b.WriteString(text[:start])
		end := strings.Index(text[start+2:], "~#")
		if end < 0 {
			// Unterminated block comment: treat rest as comment.
			break
		}
		text = text[start+2+end+2:]
	}
	return b.String()
}

// WriteSecretFile writes secret to path, creating it with owner-only access.
// An existing file is left untouched unless force is set.
func WriteSecretFile(path, secret, comment string, force bool) error {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return fmt.Errorf("opening secret file: %w", err)
	}
	defer f.Close()

	if comment != "" {
		if _, err := fmt.Fprintf(f, "# %s\n", comment); err != nil {
			return fmt.Errorf("writing secret: %w", err)
		}
	}
	if _, err := fmt.Fprintln(f, secret); err != nil {
		return fmt.Errorf("writing secret: %w", err)
	}
	return nil
}
