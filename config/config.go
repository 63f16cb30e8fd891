package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	nucleus "go.pilab.hu/nucleus"
	"go.pilab.hu/nucleus/redisstore"
	"go.pilab.hu/nucleus/storage"
)

const (
	VerifyModeLocal  = "local"
	VerifyModeRemote = "remote"
)

// ServerConfig holds all configuration for the server.
// Tags use mapstructure for Viper unmarshalling; every key can be set from
// the environment under the same name.
type ServerConfig struct {
	HTTPPort string `mapstructure:"HTTP_PORT"`

	Issuer         string        `mapstructure:"ISSUER"`
	KeyID          string        `mapstructure:"KID"`
	SigningKeyPath string        `mapstructure:"SIGNING_KEY_PATH"`
	JWKSURL        string        `mapstructure:"JWKS_URL"`
	VerifyMode     string        `mapstructure:"VERIFY_MODE"`
	ClientID       string        `mapstructure:"CLIENT_ID"`
	RedirectURIs   []string      `mapstructure:"REDIRECT_URIS"`
	AuthCodeTTL    time.Duration `mapstructure:"AUTH_CODE_TTL"`
	TokenTTL       time.Duration `mapstructure:"TOKEN_TTL"`

	SessionSecret       string        `mapstructure:"SESSION_SECRET"`
	SessionMaxAge       time.Duration `mapstructure:"SESSION_MAX_AGE"`
	SessionCookieSecure bool          `mapstructure:"SESSION_COOKIE_SECURE"`
	PasswordMinLength   int           `mapstructure:"PASSWORD_MIN_LENGTH"`

	StorageDriver  string        `mapstructure:"STORAGE_DRIVER"`
	SQLiteDSN      string        `mapstructure:"SQLITE_DSN"`
	MongoURI       string        `mapstructure:"MONGO_URI"`
	MongoDBName    string        `mapstructure:"MONGO_DB_NAME"`
	RedisAddr      string        `mapstructure:"REDIS_ADDR"`
	RedisPassword  string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int           `mapstructure:"REDIS_DB"`
	RedisKeyPrefix string        `mapstructure:"REDIS_KEY_PREFIX"`
	DBAutoMigrate  bool          `mapstructure:"DB_AUTO_MIGRATE"`
	SweepInterval  time.Duration `mapstructure:"SWEEP_INTERVAL"`

	AdminToken string `mapstructure:"ADMIN_TOKEN"`

	LogLevel             string `mapstructure:"LOG_LEVEL"`
	LogPretty            bool   `mapstructure:"LOG_PRETTY"`
	OtelServiceName      string `mapstructure:"OTEL_SERVICE_NAME"`
	OtelExporter         string `mapstructure:"OTEL_EXPORTER"`
	OtelExporterEndpoint string `mapstructure:"OTEL_EXPORTER_ENDPOINT"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_PORT", "8000")

	v.SetDefault("ISSUER", nucleus.DefaultIssuer)
	v.SetDefault("KID", "nucleus-auth-1")
	v.SetDefault("SIGNING_KEY_PATH", "")
	v.SetDefault("JWKS_URL", "http://localhost:8000/.well-known/jwks.json")
	v.SetDefault("VERIFY_MODE", VerifyModeLocal)
	v.SetDefault("CLIENT_ID", nucleus.DefaultClientID)
	v.SetDefault("REDIRECT_URIS", []string{})
	v.SetDefault("AUTH_CODE_TTL", nucleus.DefaultAuthCodeTTL)
	v.SetDefault("TOKEN_TTL", nucleus.DefaultTokenTTL)

	v.SetDefault("SESSION_SECRET", "")
	v.SetDefault("SESSION_MAX_AGE", nucleus.DefaultSessionMaxAge)
	v.SetDefault("SESSION_COOKIE_SECURE", true)
	v.SetDefault("PASSWORD_MIN_LENGTH", nucleus.DefaultPasswordMinLength)

	v.SetDefault("STORAGE_DRIVER", string(storage.DriverMemory))
	v.SetDefault("SQLITE_DSN", "file:nucleus.db")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGO_DB_NAME", "nucleus")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", redisstore.DefaultKeyPrefix)
	v.SetDefault("DB_AUTO_MIGRATE", true)
	v.SetDefault("SWEEP_INTERVAL", 10*time.Minute)

	v.SetDefault("ADMIN_TOKEN", "")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("OTEL_SERVICE_NAME", "nucleus-auth")
	v.SetDefault("OTEL_EXPORTER", "none")
	v.SetDefault("OTEL_EXPORTER_ENDPOINT", "")
}

// LoadConfig reads configuration from file, environment variables, and
// defaults, in increasing order of precedence. An empty path searches
// /etc/nucleus, $HOME/.nucleus and the working directory for config.yaml.
func LoadConfig(path string) (*ServerConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/nucleus/")
		v.AddConfigPath("$HOME/.nucleus")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file in the search path is fine; an explicit path
		// that cannot be read is not.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	cfg.RedirectURIs = splitList(cfg.RedirectURIs)

	return &cfg, nil
}

// splitList flattens comma separated entries, which is how a list arrives
// from a single environment variable.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate rejects settings the server cannot start with.
func (c *ServerConfig) Validate() error {
	if c.SessionSecret == "" {
		return errors.New("SESSION_SECRET is required")
	}
	switch c.VerifyMode {
	case VerifyModeLocal:
	case VerifyModeRemote:
		if c.JWKSURL == "" {
			return errors.New("JWKS_URL is required when VERIFY_MODE is remote")
		}
	default:
		return fmt.Errorf("VERIFY_MODE must be %q or %q, got %q", VerifyModeLocal, VerifyModeRemote, c.VerifyMode)
	}
	if _, err := storage.ParseDriver(c.StorageDriver); err != nil {
		return err
	}
	if c.SweepInterval < 0 {
		return errors.New("SWEEP_INTERVAL cannot be negative")
	}
	for name, d := range map[string]time.Duration{
		"AUTH_CODE_TTL":   c.AuthCodeTTL,
		"TOKEN_TTL":       c.TokenTTL,
		"SESSION_MAX_AGE": c.SessionMaxAge,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return c.Provider().Validate()
}

// Provider returns the protocol settings.
func (c *ServerConfig) Provider() *nucleus.ProviderConfig {
	p := nucleus.NewDefaultConfig(c.Issuer)
	if c.ClientID != "" {
		p.ClientID = c.ClientID
	}
	p.RedirectURIs = c.RedirectURIs
	if c.AuthCodeTTL > 0 {
		p.AuthCodeTTL = c.AuthCodeTTL
	}
	if c.TokenTTL > 0 {
		p.TokenTTL = c.TokenTTL
	}
	if c.SessionMaxAge > 0 {
		p.SessionMaxAge = c.SessionMaxAge
	}
	return p
}

// Storage returns the backend selection.
func (c *ServerConfig) Storage() (storage.Config, error) {
	driver, err := storage.ParseDriver(c.StorageDriver)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		SQLiteDSN:   c.SQLiteDSN,
		AutoMigrate: c.DBAutoMigrate,
		MongoURI:    c.MongoURI,
		MongoDBName: c.MongoDBName,
		Redis: redisstore.Config{
			Addr:      c.RedisAddr,
			Password:  c.RedisPassword,
			DB:        c.RedisDB,
			KeyPrefix: c.RedisKeyPrefix,
		},
	}, nil
}
