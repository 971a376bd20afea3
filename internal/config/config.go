// Package config loads service configuration from defaults, an optional
// YAML file and COOPERP_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. COOPERP_AUTH_ACCESS_SECRET.
const EnvPrefix = "COOPERP"

type Config struct {
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Redis    Redis    `mapstructure:"redis"`
	Log      Log      `mapstructure:"log"`
	Auth     Auth     `mapstructure:"auth"`
	Lockout  Lockout  `mapstructure:"lockout"`
	Tenant   Tenant   `mapstructure:"tenant"`
	Rate     Rate     `mapstructure:"rate"`
}

type Server struct {
	Addr           string        `mapstructure:"addr"`
	GRPCAddr       string        `mapstructure:"grpc_addr"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	HardenedErrors bool          `mapstructure:"hardened_errors"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

type Database struct {
	DSN          string        `mapstructure:"dsn"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	ConnLifetime time.Duration `mapstructure:"conn_lifetime"`
	AutoMigrate  bool          `mapstructure:"auto_migrate"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Auth configures tokens and role policy. PlatformTenant, when set, is the
// only tenant whose override roles count. MFARoles must enrol in MFA before
// they can use anything beyond enrolment.
type Auth struct {
	Issuer         string        `mapstructure:"issuer"`
	AccessSecret   string        `mapstructure:"access_secret"`
	RefreshSecret  string        `mapstructure:"refresh_secret"`
	AccessTTL      time.Duration `mapstructure:"access_ttl"`
	RememberMeTTL  time.Duration `mapstructure:"remember_me_ttl"`
	RefreshTTL     time.Duration `mapstructure:"refresh_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	MFAIssuer      string        `mapstructure:"mfa_issuer"`
	ResetTokenTTL  time.Duration `mapstructure:"reset_token_ttl"`
	VerifyTokenTTL time.Duration `mapstructure:"verify_token_ttl"`
	OverrideRoles  []string      `mapstructure:"override_roles"`
	ElevatedRoles  []string      `mapstructure:"elevated_roles"`
	PlatformTenant string        `mapstructure:"platform_tenant"`
	MFARoles       []string      `mapstructure:"mfa_roles"`
}

type Lockout struct {
	Threshold int           `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
}

type Tenant struct {
	Header             string        `mapstructure:"header"`
	QueryParam         string        `mapstructure:"query_param"`
	Default            string        `mapstructure:"default"`
	ReservedSubdomains []string      `mapstructure:"reserved_subdomains"`
	ExemptPaths        []string      `mapstructure:"exempt_paths"`
	RequireKnown       bool          `mapstructure:"require_known"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
}

type Rate struct {
	Requests     int           `mapstructure:"requests"`
	Window       time.Duration `mapstructure:"window"`
	Burst        int           `mapstructure:"burst"`
	PerSecond    float64       `mapstructure:"per_second"`
	AuthRequests int           `mapstructure:"auth_requests"`
	AuthWindow   time.Duration `mapstructure:"auth_window"`
}

// Load reads configuration. The file path comes from COOPERP_CONFIG when set,
// otherwise ./cooperp.yaml is tried; a missing file is not an error.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cooperp")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/cooperp")
	}
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return Config{}, fmt.Errorf("config read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.hardened_errors", false)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.shutdown_grace", 10*time.Second)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("auth.issuer", "cooperp")
	v.SetDefault("auth.access_secret", "")
	v.SetDefault("auth.refresh_secret", "")
	v.SetDefault("auth.access_ttl", 7*24*time.Hour)
	v.SetDefault("auth.remember_me_ttl", 30*24*time.Hour)
	v.SetDefault("auth.refresh_ttl", 30*24*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("auth.mfa_issuer", "Cooperative ERP")
	v.SetDefault("auth.reset_token_ttl", 10*time.Minute)
	v.SetDefault("auth.verify_token_ttl", 24*time.Hour)
	v.SetDefault("auth.override_roles", []string{"super_admin"})
	v.SetDefault("auth.elevated_roles", []string{"admin", "super_admin"})
	v.SetDefault("auth.platform_tenant", "")
	v.SetDefault("auth.mfa_roles", []string{"super_admin"})

	v.SetDefault("lockout.threshold", 5)
	v.SetDefault("lockout.window", 2*time.Hour)

	v.SetDefault("tenant.header", "X-Tenant-ID")
	v.SetDefault("tenant.query_param", "tenant")
	v.SetDefault("tenant.default", "default")
	v.SetDefault("tenant.reserved_subdomains", []string{"www", "api"})
	v.SetDefault("tenant.exempt_paths", []string{"/healthz", "/readyz", "/metrics", "/v1/info", "/api/v1/tenants/register"})
	v.SetDefault("tenant.require_known", true)
	v.SetDefault("tenant.cache_ttl", time.Minute)

	v.SetDefault("rate.requests", 100)
	v.SetDefault("rate.window", 15*time.Minute)
	v.SetDefault("rate.burst", 50)
	v.SetDefault("rate.per_second", 20.0)
	v.SetDefault("rate.auth_requests", 5)
	v.SetDefault("rate.auth_window", 15*time.Minute)
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Auth.Issuer = strings.TrimSpace(c.Auth.Issuer)
	c.Tenant.Header = strings.TrimSpace(c.Tenant.Header)
}

// Validate rejects configurations that would make token issuance unsafe or
// leave lifetimes undefined.
func (c Config) Validate() error {
	var problems []string
	if len(c.Auth.AccessSecret) < 16 {
		problems = append(problems, "auth.access_secret must be at least 16 characters")
	}
	if len(c.Auth.RefreshSecret) < 16 {
		problems = append(problems, "auth.refresh_secret must be at least 16 characters")
	}
	if c.Auth.AccessSecret != "" && c.Auth.AccessSecret == c.Auth.RefreshSecret {
		problems = append(problems, "auth.access_secret and auth.refresh_secret must differ")
	}
	for name, d := range map[string]time.Duration{
		"auth.access_ttl":       c.Auth.AccessTTL,
		"auth.remember_me_ttl":  c.Auth.RememberMeTTL,
		"auth.refresh_ttl":      c.Auth.RefreshTTL,
		"auth.reset_token_ttl":  c.Auth.ResetTokenTTL,
		"auth.verify_token_ttl": c.Auth.VerifyTokenTTL,
		"lockout.window":        c.Lockout.Window,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if c.Lockout.Threshold <= 0 {
		problems = append(problems, "lockout.threshold must be positive")
	}
	if c.Tenant.Header == "" {
		problems = append(problems, "tenant.header is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
