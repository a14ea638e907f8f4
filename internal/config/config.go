// Package config loads server settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"barbershop/internal/domain"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Addr        string        `yaml:"addr"`
	WebDir      string        `yaml:"web_dir"`
	DatabaseURL string        `yaml:"database_url"`
	LogLevel    string        `yaml:"log_level"`
	SessionTTL  time.Duration `yaml:"session_ttl"`
	Proxy       Proxy         `yaml:"proxy"`
	Routes      []RouteRule   `yaml:"routes"`
	OIDC        OIDC          `yaml:"oidc"`

	// TrustForwardAuth accepts the Remote-User header set by an
	// authenticating reverse proxy. Only enable it behind one.
	TrustForwardAuth bool `yaml:"trust_forward_auth"`
}

// Proxy configures the edge proxy.
type Proxy struct {
	MountPrefix   string        `yaml:"mount_prefix"`
	BackendOrigin string        `yaml:"backend_origin"`
	AllowedOrigin string        `yaml:"allowed_origin"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes"`
}

// RouteRule protects the view at Path with the guard for Role.
type RouteRule struct {
	Path string `yaml:"path"`
	Role string `yaml:"role"`
}

// OIDC configures single sign-on. It is enabled when Issuer is set.
type OIDC struct {
	Issuer       string `yaml:"issuer"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
	RoleClaim    string `yaml:"role_claim"`
	TipoClaim    string `yaml:"tipo_claim"`
}

// Enabled reports whether SSO is configured.
func (o OIDC) Enabled() bool {
	return o.Issuer != ""
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Addr:       ":8080",
		WebDir:     "web",
		LogLevel:   "info",
		SessionTTL: 24 * time.Hour,
		Proxy: Proxy{
			MountPrefix:  "/proxy",
			MaxBodyBytes: 10 << 20,
		},
		Routes: []RouteRule{
			{Path: "/admin", Role: string(domain.RoleAdmin)},
			{Path: "/barber", Role: string(domain.RoleBarber)},
			{Path: "/appointments", Role: string(domain.RoleAny)},
			{Path: "/profile", Role: string(domain.RoleAny)},
		},
		OIDC: OIDC{
			RoleClaim: "role",
			TipoClaim: "tipo",
		},
	}
}

// Load reads .env (if present), then path (if non-empty), then the
// environment, and validates the result.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping defaults for absent keys.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg from environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	env := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	env("ADDR", &c.Addr)
	env("WEB_DIR", &c.WebDir)
	env("DATABASE_URL", &c.DatabaseURL)
	env("LOG_LEVEL", &c.LogLevel)
	env("PROXY_MOUNT_PREFIX", &c.Proxy.MountPrefix)
	env("BACKEND_ORIGIN", &c.Proxy.BackendOrigin)
	env("ALLOWED_ORIGIN", &c.Proxy.AllowedOrigin)
	env("OIDC_ISSUER", &c.OIDC.Issuer)
	env("OIDC_CLIENT_ID", &c.OIDC.ClientID)
	env("OIDC_CLIENT_SECRET", &c.OIDC.ClientSecret)
	env("OIDC_REDIRECT_URL", &c.OIDC.RedirectURL)
	env("OIDC_ROLE_CLAIM", &c.OIDC.RoleClaim)
	env("OIDC_TIPO_CLAIM", &c.OIDC.TipoClaim)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SESSION_TTL", &c.SessionTTL},
		{"PROXY_TIMEOUT", &c.Proxy.Timeout},
	}
	for _, d := range durations {
		if v := getenv(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}

	if v := getenv("TRUST_FORWARD_AUTH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TRUST_FORWARD_AUTH: %w", err)
		}
		c.TrustForwardAuth = b
	}

	if v := getenv("PROXY_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("PROXY_MAX_BODY_BYTES: %w", err)
		}
		c.Proxy.MaxBodyBytes = n
	}
	return nil
}

// Validate checks that the configuration can start a server.
func (c *Config) Validate() error {
	var errs []error

	if err := absoluteURL(c.Proxy.BackendOrigin); err != nil {
		errs = append(errs, fmt.Errorf("proxy.backend_origin: %w", err))
	}
	if err := absoluteURL(c.Proxy.AllowedOrigin); err != nil {
		errs = append(errs, fmt.Errorf("proxy.allowed_origin: %w", err))
	}
	if !strings.HasPrefix(c.Proxy.MountPrefix, "/") || c.Proxy.MountPrefix == "/" {
		errs = append(errs, fmt.Errorf("proxy.mount_prefix %q must start with / and name a segment", c.Proxy.MountPrefix))
	}
	if c.Proxy.Timeout < 0 {
		errs = append(errs, errors.New("proxy.timeout must not be negative"))
	}
	if c.Proxy.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("proxy.max_body_bytes must be positive"))
	}

	seen := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		if !strings.HasPrefix(r.Path, "/") || strings.TrimSuffix(r.Path, "/") == "" {
			errs = append(errs, fmt.Errorf("routes[%d].path %q must start with / and name a view", i, r.Path))
		}
		if r.Path == c.Proxy.MountPrefix || strings.HasPrefix(r.Path, c.Proxy.MountPrefix+"/") {
			errs = append(errs, fmt.Errorf("routes[%d].path %q is under the proxy mount", i, r.Path))
		}
		if seen[r.Path] {
			errs = append(errs, fmt.Errorf("routes[%d].path %q is duplicated", i, r.Path))
		}
		seen[r.Path] = true
		if _, err := domain.ParseRole(r.Role); err != nil {
			errs = append(errs, fmt.Errorf("routes[%d]: %w", i, err))
		}
	}

	if c.OIDC.Enabled() && (c.OIDC.ClientID == "" || c.OIDC.RedirectURL == "") {
		errs = append(errs, errors.New("oidc: client_id and redirect_url are required when issuer is set"))
	}

	return errors.Join(errs...)
}

func absoluteURL(raw string) error {
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q is not an absolute URL", raw)
	}
	return nil
}
