package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "PORTAL"

// Config holds every setting the auth service reads at startup.
type Config struct {
	Env           string              `mapstructure:"env"`
	Version       string              `mapstructure:"version"`
	Log           LogConfig           `mapstructure:"log"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Cookie        CookieConfig        `mapstructure:"cookie"`
	Session       SessionConfig       `mapstructure:"session"`
	RateLimit     RateLimitConfig     `mapstructure:"ratelimit"`
	IPThrottle    IPThrottleConfig    `mapstructure:"ipthrottle"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Auth          AuthConfig          `mapstructure:"auth"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	BackendTimeout  time.Duration `mapstructure:"backend_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// TrustedProxies holds CIDRs or bare addresses of the load balancers in
	// front of the service. Forwarded client IPs are read only from them.
	TrustedProxies []string `mapstructure:"trusted_proxies"`

	trustedProxies []netip.Prefix
}

// TrustedProxyPrefixes returns the parsed TrustedProxies list.
func (c ServerConfig) TrustedProxyPrefixes() []netip.Prefix { return c.trustedProxies }

type DatabaseConfig struct {
	DSN          string        `mapstructure:"dsn"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	ConnLifetime time.Duration `mapstructure:"conn_lifetime"`
}

// RedisConfig enables the shared fixed-window limiter when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// NATSConfig enables cross-process auth broadcasts when URL is set.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Name    string `mapstructure:"name"`
	Subject string `mapstructure:"subject"`
}

// ElasticsearchConfig switches the audit sink to Elasticsearch when URL is set.
type ElasticsearchConfig struct {
	URL   string `mapstructure:"url"`
	Index string `mapstructure:"index"`
}

type CookieConfig struct {
	Domain   string `mapstructure:"domain"`
	Name     string `mapstructure:"name"`
	Instance string `mapstructure:"instance"`
	// LegacyUntil is an RFC 3339 timestamp after which legacy cookie names
	// are no longer read. Empty keeps the fallback enabled.
	LegacyUntil string `mapstructure:"legacy_until"`

	legacyUntil time.Time
}

// LegacyDeadline returns the parsed LegacyUntil value, zero when unset.
func (c CookieConfig) LegacyDeadline() time.Time { return c.legacyUntil }

type SessionConfig struct {
	Lifetime     time.Duration `mapstructure:"lifetime"`
	UserCacheTTL time.Duration `mapstructure:"user_cache_ttl"`
}

type RateLimitConfig struct {
	Window      time.Duration `mapstructure:"window"`
	MaxRequests int           `mapstructure:"max_requests"`
}

type IPThrottleConfig struct {
	Burst     int `mapstructure:"burst"`
	PerSecond int `mapstructure:"per_second"`
}

type AuditConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Retention time.Duration `mapstructure:"retention"`
	Timeout   time.Duration `mapstructure:"timeout"`
	PHIFields []string      `mapstructure:"phi_fields"`
}

type AuthConfig struct {
	TokenSecret string `mapstructure:"token_secret"`
	Issuer      string `mapstructure:"issuer"`
}

// Development reports whether the service runs in local development, which
// relaxes the Secure cookie attribute.
func (c *Config) Development() bool {
	switch strings.ToLower(strings.TrimSpace(c.Env)) {
	case "dev", "development", "local":
		return true
	}
	return false
}

// Load reads defaults, an optional config file, and PORTAL_* environment overrides.
// path may be empty, in which case ./config.yaml and ./config/config.yaml are tried.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "production")
	v.SetDefault("version", "dev")
	v.SetDefault("log.level", "info")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.backend_timeout", 5*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_lifetime", 30*time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.name", "portal-auth")
	v.SetDefault("nats.subject", "portal.auth.sync")

	v.SetDefault("elasticsearch.url", "")
	v.SetDefault("elasticsearch.index", "audit-logs")

	v.SetDefault("cookie.domain", ".gangerdermatology.com")
	v.SetDefault("cookie.name", "portal-auth-token")
	v.SetDefault("cookie.instance", "supa")
	v.SetDefault("cookie.legacy_until", "")

	v.SetDefault("session.lifetime", 7*24*time.Hour)
	v.SetDefault("session.user_cache_ttl", time.Duration(0))

	v.SetDefault("ratelimit.window", 15*time.Minute)
	v.SetDefault("ratelimit.max_requests", 100)

	v.SetDefault("ipthrottle.burst", 20)
	v.SetDefault("ipthrottle.per_second", 10)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.retention", 6*365*24*time.Hour)
	v.SetDefault("audit.timeout", 3*time.Second)
	v.SetDefault("audit.phi_fields", []string{"patient_id", "mrn", "record_id"})

	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.issuer", "staff-portal")
}

func (c *Config) validate() error {
	if c.Session.Lifetime <= 0 {
		return errors.New("config: session.lifetime must be positive")
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.MaxRequests <= 0 {
		return errors.New("config: ratelimit.window and ratelimit.max_requests must be positive")
	}
	if c.Server.BackendTimeout <= 0 {
		return errors.New("config: server.backend_timeout must be positive")
	}
	if !strings.HasPrefix(c.Cookie.Domain, ".") && c.Cookie.Domain != "" && !c.Development() {
		return fmt.Errorf("config: cookie.domain %q must be a parent domain with a leading dot", c.Cookie.Domain)
	}
	if raw := strings.TrimSpace(c.Cookie.LegacyUntil); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("config: cookie.legacy_until: %w", err)
		}
		c.Cookie.legacyUntil = ts
	}
	c.Server.trustedProxies = c.Server.trustedProxies[:0]
	for _, raw := range c.Server.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := parseProxy(raw)
		if err != nil {
			return fmt.Errorf("config: server.trusted_proxies: %w", err)
		}
		c.Server.trustedProxies = append(c.Server.trustedProxies, p)
	}
	return nil
}

func parseProxy(raw string) (netip.Prefix, error) {
	if strings.Contains(raw, "/") {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
