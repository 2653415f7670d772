package config

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers accepted by store.driver.
const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverMySQL    = "mysql"
	StoreDriverPostgres = "postgres"
	StoreDriverRedis    = "redis"
)

// Proxy platforms accepted by http.trusted_platform.
const (
	TrustedPlatformCloudflare      = "cloudflare"
	TrustedPlatformGoogleAppEngine = "google-app-engine"
)

// Longest lifetime that still fits in a time.Duration.
const maxLifetimeMinutesLimit = int(math.MaxInt64 / int64(time.Minute))

const (
	envPrefix                 = "VANISH"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultStoreDriver        = StoreDriverSQLite
	defaultDatabasePath       = "vanish.db"
	defaultRedisAddress       = "127.0.0.1:6379"
	defaultRedisKeyPrefix     = "vanish:"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultBaseURL            = "http://localhost:8080"
	defaultMaxLifetimeMinutes = 1440
	defaultSweepInterval      = time.Minute
	defaultCreateLimit        = 1
	defaultCreateWindow       = 10 * time.Second
	defaultFetchLimit         = 60
	defaultFetchWindow        = time.Minute
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	TrustedProxies     []string
	TrustedPlatform    string
	StoreDriver        string
	DatabasePath       string
	DatabaseDSN        string
	ReplicaDSNs        []string
	RedisAddress       string
	RedisPassword      string
	RedisDB            int
	RedisKeyPrefix     string
	LogLevel           string
	LogFormat          string
	BaseURL            string
	MaxLifetimeMinutes int
	SweepInterval      time.Duration
	SigningSecret      string
	RateLimits         RateLimits
}

// RateLimits configures the per-client request budgets.
type RateLimits struct {
	CreateLimit  int
	CreateWindow time.Duration
	FetchLimit   int
	FetchWindow  time.Duration
}

// MaxLifetime returns the longest note lifetime as a duration.
func (c AppConfig) MaxLifetime() time.Duration {
	return time.Duration(c.MaxLifetimeMinutes) * time.Minute
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.trusted_proxies", "")
	configViper.SetDefault("http.trusted_platform", "")
	configViper.SetDefault("store.driver", defaultStoreDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("database.replica_dsns", "")
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.key_prefix", defaultRedisKeyPrefix)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("notes.base_url", defaultBaseURL)
	configViper.SetDefault("notes.max_lifetime_minutes", defaultMaxLifetimeMinutes)
	configViper.SetDefault("notes.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("ratelimit.create_limit", defaultCreateLimit)
	configViper.SetDefault("ratelimit.create_window", defaultCreateWindow)
	configViper.SetDefault("ratelimit.fetch_limit", defaultFetchLimit)
	configViper.SetDefault("ratelimit.fetch_window", defaultFetchWindow)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		TrustedProxies:     splitList(configViper.GetStringSlice("http.trusted_proxies")),
		TrustedPlatform:    strings.ToLower(strings.TrimSpace(configViper.GetString("http.trusted_platform"))),
		StoreDriver:        strings.ToLower(strings.TrimSpace(configViper.GetString("store.driver"))),
		DatabasePath:       configViper.GetString("database.path"),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		ReplicaDSNs:        splitList(configViper.GetStringSlice("database.replica_dsns")),
		RedisAddress:       configViper.GetString("redis.address"),
		RedisPassword:      configViper.GetString("redis.password"),
		RedisDB:            configViper.GetInt("redis.db"),
		RedisKeyPrefix:     configViper.GetString("redis.key_prefix"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
		BaseURL:            strings.TrimRight(strings.TrimSpace(configViper.GetString("notes.base_url")), "/"),
		MaxLifetimeMinutes: configViper.GetInt("notes.max_lifetime_minutes"),
		SweepInterval:      configViper.GetDuration("notes.sweep_interval"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		RateLimits: RateLimits{
			CreateLimit:  configViper.GetInt("ratelimit.create_limit"),
			CreateWindow: configViper.GetDuration("ratelimit.create_window"),
			FetchLimit:   configViper.GetInt("ratelimit.fetch_limit"),
			FetchWindow:  configViper.GetDuration("ratelimit.fetch_window"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// splitList accepts both list values and comma separated strings from the environment.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	for _, proxy := range c.TrustedProxies {
		if net.ParseIP(proxy) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(proxy); err != nil {
			return fmt.Errorf("http.trusted_proxies entry %q is not an ip or cidr", proxy)
		}
	}
	switch c.TrustedPlatform {
	case "", TrustedPlatformCloudflare, TrustedPlatformGoogleAppEngine:
	default:
		return fmt.Errorf("http.trusted_platform must be empty, %s or %s (got %q)", TrustedPlatformCloudflare, TrustedPlatformGoogleAppEngine, c.TrustedPlatform)
	}
	switch c.StoreDriver {
	case StoreDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite store")
		}
		if len(c.ReplicaDSNs) > 0 {
			return fmt.Errorf("database.replica_dsns requires the mysql or postgres store")
		}
	case StoreDriverMySQL, StoreDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the %s store", c.StoreDriver)
		}
	case StoreDriverRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required for the redis store")
		}
	default:
		return fmt.Errorf("store.driver must be one of sqlite, mysql, postgres, redis (got %q)", c.StoreDriver)
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("notes.base_url must be an absolute url: %w", err)
	}
	if c.MaxLifetimeMinutes <= 0 {
		return fmt.Errorf("notes.max_lifetime_minutes must be positive")
	}
	if c.MaxLifetimeMinutes > maxLifetimeMinutesLimit {
		return fmt.Errorf("notes.max_lifetime_minutes must not exceed %d", maxLifetimeMinutesLimit)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("notes.sweep_interval must not be negative")
	}
	if c.RateLimits.CreateLimit <= 0 || c.RateLimits.CreateWindow <= 0 {
		return fmt.Errorf("ratelimit.create_limit and ratelimit.create_window must be positive")
	}
	if c.RateLimits.FetchLimit <= 0 || c.RateLimits.FetchWindow <= 0 {
		return fmt.Errorf("ratelimit.fetch_limit and ratelimit.fetch_window must be positive")
	}
	return nil
}
