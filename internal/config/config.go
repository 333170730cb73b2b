package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Downstream service names. The set is closed.
const (
	ServiceSahbandar = "sahbandar"
	ServiceSPB       = "spb"
	ServiceSHTI      = "shti"
	ServiceEPIT      = "epit"
)

// Services lists every downstream service the portal fronts.
var Services = []string{ServiceSahbandar, ServiceSPB, ServiceSHTI, ServiceEPIT}

// Config is the full runtime configuration.
type Config struct {
	App struct {
		Env     string `yaml:"env"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Server struct {
		Addr               string   `yaml:"addr"`
		GRPCAddr           string   `yaml:"grpc_addr"`
		MaxBodyBytes       int64    `yaml:"max_body_bytes"`
		RateBurst          int      `yaml:"rate_burst"`
		RatePerSec         int      `yaml:"rate_per_sec"`
		CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
		// TrustedProxies lists peers (IP or CIDR) whose X-Forwarded-For and
		// X-Real-IP headers are believed. Empty means none.
		TrustedProxies []string `yaml:"trusted_proxies"`
	} `yaml:"server"`

	Log struct {
		Env   string `yaml:"env"`
		Level string `yaml:"level"`
	} `yaml:"log"`

	DB struct {
		DSN             string        `yaml:"dsn"`
		MaxOpenConns    int           `yaml:"max_open_conns"`
		MaxIdleConns    int           `yaml:"max_idle_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
		BootstrapSchema bool          `yaml:"bootstrap_schema"`
	} `yaml:"db"`

	Redis struct {
		Addr   string `yaml:"addr"`
		DB     int    `yaml:"db"`
		Prefix string `yaml:"prefix"`
	} `yaml:"redis"`

	Session struct {
		// Store is one of postgres, redis, memory.
		Store           string        `yaml:"store"`
		LifetimeMinutes int           `yaml:"lifetime_minutes"`
		ExtendMinutes   int           `yaml:"extend_minutes"`
		Retention       time.Duration `yaml:"retention"`
		ReapSchedule    string        `yaml:"reap_schedule"`
	} `yaml:"session"`

	Auth struct {
		TokenSecret  string        `yaml:"token_secret"`
		TokenTTL     time.Duration `yaml:"token_ttl"`
		RoleCacheTTL time.Duration `yaml:"role_cache_ttl"`
	} `yaml:"auth"`

	Store struct {
		QueryTimeout time.Duration `yaml:"query_timeout"`
	} `yaml:"store"`

	Services map[string]ServiceConfig `yaml:"services"`
}

// ServiceConfig describes how to reach one downstream service.
type ServiceConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns a configuration with every option at its documented default.
func Default() Config {
	var c Config
	c.App.Env = "dev"
	c.App.Version = "dev"
	c.Server.Addr = ":8080"
	c.Server.GRPCAddr = ":9090"
	c.Server.MaxBodyBytes = 1 << 20
	c.Server.RateBurst = 40
	c.Server.RatePerSec = 20
	c.Log.Env = "dev"
	c.Log.Level = "info"
	c.DB.MaxOpenConns = 50
	c.DB.MaxIdleConns = 25
	c.DB.ConnMaxLifetime = 15 * time.Minute
	c.Redis.Prefix = "sso:"
	c.Session.Store = "postgres"
	c.Session.LifetimeMinutes = 480
	c.Session.ExtendMinutes = 480
	c.Session.Retention = 720 * time.Hour
	c.Session.ReapSchedule = "@every 1h"
	c.Auth.TokenTTL = 8 * time.Hour
	c.Auth.RoleCacheTTL = 5 * time.Minute
	c.Store.QueryTimeout = 5 * time.Second
	c.Services = make(map[string]ServiceConfig, len(Services))
	for _, name := range Services {
		c.Services[name] = ServiceConfig{Timeout: 10 * time.Second}
	}
	return c
}

// Load reads an optional .env file, an optional YAML file and SSO_* environment overrides, in that order.
func Load(path string) (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	for name, svc := range cfg.Services {
		if svc.Timeout <= 0 {
			svc.Timeout = 10 * time.Second
			cfg.Services[name] = svc
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("SSO_APP_ENV", &c.App.Env)
	str("SSO_HTTP_ADDR", &c.Server.Addr)
	str("SSO_GRPC_ADDR", &c.Server.GRPCAddr)
	str("SSO_LOG_ENV", &c.Log.Env)
	str("SSO_LOG_LEVEL", &c.Log.Level)
	str("SSO_PG_DSN", &c.DB.DSN)
	str("SSO_REDIS_ADDR", &c.Redis.Addr)
	str("SSO_SESSION_STORE", &c.Session.Store)
	str("SSO_AUTH_SECRET", &c.Auth.TokenSecret)
	if v := strings.TrimSpace(getenv("SSO_TRUSTED_PROXIES")); v != "" {
		c.Server.TrustedProxies = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Server.TrustedProxies = append(c.Server.TrustedProxies, p)
			}
		}
	}
	if err := num("SSO_SESSION_LIFETIME_MINUTES", &c.Session.LifetimeMinutes); err != nil {
		return err
	}
	if err := num("SSO_SESSION_EXTEND_MINUTES", &c.Session.ExtendMinutes); err != nil {
		return err
	}
	if err := dur("SSO_AUTH_TOKEN_TTL", &c.Auth.TokenTTL); err != nil {
		return err
	}
	if err := dur("SSO_STORE_QUERY_TIMEOUT", &c.Store.QueryTimeout); err != nil {
		return err
	}
	for _, name := range Services {
		svc := c.Services[name]
		prefix := "SSO_SERVICE_" + strings.ToUpper(name)
		str(prefix+"_URL", &svc.BaseURL)
		if err := dur(prefix+"_TIMEOUT", &svc.Timeout); err != nil {
			return err
		}
		c.Services[name] = svc
	}
	return nil
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.Session.LifetimeMinutes <= 0 {
		return errors.New("config: session.lifetime_minutes must be positive")
	}
	if c.Session.ExtendMinutes <= 0 {
		return errors.New("config: session.extend_minutes must be positive")
	}
	switch c.Session.Store {
	case "postgres", "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("config: redis.addr is required when session.store is redis")
		}
	default:
		return fmt.Errorf("config: unsupported session.store %q", c.Session.Store)
	}
	if strings.TrimSpace(c.Auth.TokenSecret) == "" {
		return errors.New("config: auth.token_secret is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("config: auth.token_ttl must be positive")
	}
	for name := range c.Services {
		if !IsService(name) {
			return fmt.Errorf("config: unknown downstream service %q", name)
		}
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// TrustedProxyPrefixes parses server.trusted_proxies. A bare address is a
// single-host prefix.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.Server.TrustedProxies))
	for _, raw := range c.Server.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("config: server.trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("config: server.trusted_proxies: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// SessionLifetime is the default lifetime of a new SSO session.
func (c Config) SessionLifetime() time.Duration {
	return time.Duration(c.Session.LifetimeMinutes) * time.Minute
}

// SessionExtension is the default extension window.
func (c Config) SessionExtension() time.Duration {
	return time.Duration(c.Session.ExtendMinutes) * time.Minute
}

// IsService reports whether name is one of the fronted downstream services.
func IsService(name string) bool {
	for _, s := range Services {
		if s == name {
			return true
		}
	}
	return false
}
