package main

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	oauth "github.com/fitmetrics/authserver"
	"github.com/fitmetrics/authserver/security"
	"github.com/fitmetrics/authserver/server"
)

const envPrefix = "AUTHSERVER"

// Storage backends
const (
	backendMemory   = "memory"
	backendValkey   = "valkey"
	backendPostgres = "postgres"
)

type appConfig struct {
	Issuer string `mapstructure:"issuer"`
	Listen string `mapstructure:"listen"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Storage struct {
		Backend string `mapstructure:"backend"`

		Valkey struct {
			Address      string `mapstructure:"address"`
			Password     string `mapstructure:"password"`
			DB           int    `mapstructure:"db"`
			KeyPrefix    string `mapstructure:"key_prefix"`
			DisableCache bool   `mapstructure:"disable_cache"`
		} `mapstructure:"valkey"`

		Postgres struct {
			DSN             string        `mapstructure:"dsn"`
			MaxConns        int32         `mapstructure:"max_conns"`
			CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
		} `mapstructure:"postgres"`
	} `mapstructure:"storage"`

	Keys struct {
		Size             int           `mapstructure:"size"`
		MaxRetained      int           `mapstructure:"max_retained"`
		RotationInterval time.Duration `mapstructure:"rotation_interval"`
		CheckInterval    time.Duration `mapstructure:"check_interval"`
		// EncryptionKey is a base64 AES-256 key sealing private keys at rest.
		EncryptionKey string `mapstructure:"encryption_key"`
	} `mapstructure:"keys"`

	OAuth struct {
		Audience                       string   `mapstructure:"audience"`
		SupportedScopes                []string `mapstructure:"supported_scopes"`
		LoginURL                       string   `mapstructure:"login_url"`
		StateTTL                       int64    `mapstructure:"state_ttl"`
		AuthorizationCodeTTL           int64    `mapstructure:"authorization_code_ttl"`
		AccessTokenTTL                 int64    `mapstructure:"access_token_ttl"`
		RefreshTokenTTL                int64    `mapstructure:"refresh_token_ttl"`
		ClockSkewGracePeriod           int64    `mapstructure:"clock_skew_grace_period"`
		AllowPublicClientRegistration  bool     `mapstructure:"allow_public_client_registration"`
		RegistrationAccessToken        string   `mapstructure:"registration_access_token"`
		AllowedCustomSchemes           []string `mapstructure:"allowed_custom_schemes"`
		AllowInsecureHTTP              bool     `mapstructure:"allow_insecure_http"`
		TrustProxy                     bool     `mapstructure:"trust_proxy"`
		TrustedProxyCount              int      `mapstructure:"trusted_proxy_count"`
		DisableFamilyRevocationOnReuse bool     `mapstructure:"disable_family_revocation_on_reuse"`
		DisableCodeReuseRevocation     bool     `mapstructure:"disable_code_reuse_revocation"`
		RevokeSingleToken              bool     `mapstructure:"revoke_single_token"`
	} `mapstructure:"oauth"`

	HTTP struct {
		RateLimit         float64 `mapstructure:"rate_limit"`
		RateBurst         int     `mapstructure:"rate_burst"`
		SessionCookieName string  `mapstructure:"session_cookie_name"`
	} `mapstructure:"http"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`

	Audit bool `mapstructure:"audit"`
	// LogClientIPs records client addresses in audit events and trace spans.
	LogClientIPs bool `mapstructure:"log_client_ips"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("storage.backend", backendMemory)
	v.SetDefault("storage.valkey.key_prefix", "authserver:")
	v.SetDefault("storage.postgres.cleanup_interval", 15*time.Minute)
	v.SetDefault("keys.rotation_interval", 30*24*time.Hour)
	v.SetDefault("keys.check_interval", time.Hour)
	v.SetDefault("http.rate_limit", 10.0)
	v.SetDefault("http.rate_burst", 20)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("audit", true)
	v.SetDefault("log_client_ips", true)
}

// loadConfig reads the optional config file and AUTHSERVER_* environment
// variables; nested keys use underscores (AUTHSERVER_STORAGE_BACKEND).
func loadConfig(v *viper.Viper, configFile string) (*appConfig, error) {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v, reflect.TypeOf(appConfig{}), "")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg appConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindEnvKeys registers every config key with viper. Unmarshal only consults
// the environment for keys viper already knows about.
func bindEnvKeys(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := field.Tag.Get("mapstructure")
		if prefix != "" {
			key = prefix + "." + key
		}
		if field.Type.Kind() == reflect.Struct {
			bindEnvKeys(v, field.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

func (c *appConfig) validate() error {
	switch c.Storage.Backend {
	case backendMemory:
	case backendValkey:
		if c.Storage.Valkey.Address == "" {
			return fmt.Errorf("storage.valkey.address is required for the valkey backend")
		}
	case backendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (want memory, valkey or postgres)", c.Storage.Backend)
	}
	return nil
}

func (c *appConfig) serverConfig() *server.Config {
	return &server.Config{
		Issuer:                         c.Issuer,
		Audience:                       c.OAuth.Audience,
		StateTTL:                       c.OAuth.StateTTL,
		AuthorizationCodeTTL:           c.OAuth.AuthorizationCodeTTL,
		AccessTokenTTL:                 c.OAuth.AccessTokenTTL,
		RefreshTokenTTL:                c.OAuth.RefreshTokenTTL,
		ClockSkewGracePeriod:           c.OAuth.ClockSkewGracePeriod,
		SupportedScopes:                c.OAuth.SupportedScopes,
		LoginURL:                       c.OAuth.LoginURL,
		AllowPublicClientRegistration:  c.OAuth.AllowPublicClientRegistration,
		RegistrationAccessToken:        c.OAuth.RegistrationAccessToken,
		AllowedCustomSchemes:           c.OAuth.AllowedCustomSchemes,
		AllowInsecureHTTP:              c.OAuth.AllowInsecureHTTP,
		TrustProxy:                     c.OAuth.TrustProxy,
		TrustedProxyCount:              c.OAuth.TrustedProxyCount,
		DisableFamilyRevocationOnReuse: c.OAuth.DisableFamilyRevocationOnReuse,
		DisableCodeReuseRevocation:     c.OAuth.DisableCodeReuseRevocation,
		RevokeSingleToken:              c.OAuth.RevokeSingleToken,
	}
}

// clockSkew is the leeway for token time claims, defaulted the way the
// server defaults it.
func (c *appConfig) clockSkew() time.Duration {
	if c.OAuth.ClockSkewGracePeriod <= 0 {
		return security.DefaultClockSkewGracePeriod
	}
	return c.serverConfig().ClockSkew()
}

func (c *appConfig) handlerConfig() oauth.Config {
	return oauth.Config{
		RateLimit: security.RateLimitConfig{
			RequestsPerSecond: c.HTTP.RateLimit,
			Burst:             c.HTTP.RateBurst,
		},
		SessionCookieName: c.HTTP.SessionCookieName,
	}
}
