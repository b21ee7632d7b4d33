package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration required by the API process.
// Values come from the environment, optionally seeded from a .env file in the
// working directory. No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Twilio   TwilioConfig
	Voice    VoiceConfig
	Campaign CampaignConfig
	Limits   LimitsConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is the externally reachable origin used in provider callbacks.
	PublicBaseURL string
}

type DBConfig struct {
	// Driver selects the SQL backend: postgres or sqlite.
	Driver string

	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// SQLitePath is the database file when Driver is sqlite.
	SQLitePath string
}

// RedisConfig is optional outside production. When Host is empty the process
// uses in-memory locking and no active-call cap.
type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// OperatorAPIKey is exchanged for tokens at /v1/auth/login.
	OperatorAPIKey string
}

type TwilioConfig struct {
	AccountSID   string
	AuthToken    string
	CallerNumber string
}

type VoiceConfig struct {
	Name          string
	Language      string
	GreetingText  string
	BridgeText    string
	GatherTimeout int
}

// CampaignConfig points at the campaign GraphQL API. Empty URL disables reporting.
type CampaignConfig struct {
	GraphQLURL   string
	AdminSecret  string
	Timeout      time.Duration
	RetryMax     uint
	BreakerFails uint32
}

type LimitsConfig struct {
	MaxActiveCalls int
	ActiveCallTTL  time.Duration

	// Operator API rate limit per client IP.
	RatePerSecond float64
	RateBurst     int
}

const (
	defaultGreeting = "Olá! Para confirmar o redirecionamento informe seu nome."
	defaultBridge   = "Obrigado! Vamos te conectar ao alvo, aguarde na linha"
)

// Load reads configuration from the environment and an optional .env file.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading .env: %w", err)
		}
	}
	return LoadFrom(v)
}

// LoadFrom builds a Config from an already populated viper instance.
func LoadFrom(v *viper.Viper) (Config, error) {
	setDefaults(v)

	c := Config{}
	var parseErrs []error
	intVar := func(key string, dst *int) {
		n, err := mustInt(v, key)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*dst = n
	}

	c.App.Env = str(v, "APP_ENV")
	intVar("APP_PORT", &c.App.Port)
	c.App.PublicBaseURL = str(v, "PUBLIC_BASE_URL")

	c.DB.Driver = str(v, "DB_DRIVER")
	c.DB.Host = str(v, "DB_HOST")
	if c.DB.Driver == "postgres" {
		intVar("DB_PORT", &c.DB.Port)
	}
	c.DB.User = str(v, "DB_USER")
	c.DB.Password = v.GetString("DB_PASSWORD")
	c.DB.Name = str(v, "DB_NAME")
	c.DB.SSLMode = str(v, "DB_SSLMODE")
	c.DB.SQLitePath = str(v, "SQLITE_PATH")

	c.Redis.Host = str(v, "REDIS_HOST")
	if c.Redis.Host != "" {
		intVar("REDIS_PORT", &c.Redis.Port)
	}

	c.Auth.JWTSecret = v.GetString("JWT_SECRET")
	c.Auth.JWTIssuer = str(v, "JWT_ISSUER")
	c.Auth.JWTAudience = str(v, "JWT_AUDIENCE")
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = v.GetDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = v.GetDuration("JWT_REFRESH_TTL")
	c.Auth.OperatorAPIKey = v.GetString("OPERATOR_API_KEY")

	c.Twilio.AccountSID = str(v, "TWILIO_ACCOUNT_SID")
	c.Twilio.AuthToken = v.GetString("TWILIO_AUTH_TOKEN")
	c.Twilio.CallerNumber = str(v, "TWILIO_NUMBER")

	c.Voice.Name = str(v, "VOICE_NAME")
	c.Voice.Language = str(v, "VOICE_LANGUAGE")
	c.Voice.GreetingText = str(v, "VOICE_GREETING")
	c.Voice.BridgeText = str(v, "VOICE_BRIDGE")
	intVar("VOICE_GATHER_TIMEOUT", &c.Voice.GatherTimeout)

	c.Campaign.GraphQLURL = str(v, "GRAPHQL_API_URL")
	c.Campaign.AdminSecret = v.GetString("GRAPHQL_API_TOKEN")
	c.Campaign.Timeout = v.GetDuration("GRAPHQL_TIMEOUT")
	c.Campaign.RetryMax = v.GetUint("GRAPHQL_RETRY_MAX")
	c.Campaign.BreakerFails = v.GetUint32("GRAPHQL_BREAKER_FAILURES")

	intVar("MAX_ACTIVE_CALLS", &c.Limits.MaxActiveCalls)
	c.Limits.ActiveCallTTL = v.GetDuration("ACTIVE_CALL_TTL")
	c.Limits.RatePerSecond = v.GetFloat64("API_RATE_PER_SECOND")
	intVar("API_RATE_BURST", &c.Limits.RateBurst)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("SQLITE_PATH", "callbridge.db")
	v.SetDefault("VOICE_NAME", "Polly.Camila")
	v.SetDefault("VOICE_LANGUAGE", "pt-BR")
	v.SetDefault("VOICE_GREETING", defaultGreeting)
	v.SetDefault("VOICE_BRIDGE", defaultBridge)
	v.SetDefault("VOICE_GATHER_TIMEOUT", "5")
	v.SetDefault("GRAPHQL_TIMEOUT", "10s")
	v.SetDefault("GRAPHQL_RETRY_MAX", "3")
	v.SetDefault("GRAPHQL_BREAKER_FAILURES", "5")
	v.SetDefault("MAX_ACTIVE_CALLS", "50")
	v.SetDefault("ACTIVE_CALL_TTL", "2h")
	v.SetDefault("API_RATE_PER_SECOND", "5")
	v.SetDefault("API_RATE_BURST", "10")
}

// Validate checks every section and applies environment-dependent defaults.
// All problems are reported at once.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required"))
	} else if u, err := url.Parse(c.App.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an absolute url, got %q", c.App.PublicBaseURL))
	}

	switch c.DB.Driver {
	case "postgres":
		errs = append(errs, c.validatePostgres()...)
	case "sqlite":
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_DRIVER sqlite is not allowed in production"))
		}
		if c.DB.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be one of postgres, sqlite, got %q", c.DB.Driver))
	}

	if c.Redis.Host == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("REDIS_HOST is required in production"))
		}
	} else if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		// Default: longer-lived refresh tokens.
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Twilio.AccountSID == "" {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required"))
	}
	if c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required"))
	}
	if c.Twilio.CallerNumber == "" {
		errs = append(errs, errors.New("TWILIO_NUMBER is required"))
	}

	if c.Voice.GatherTimeout <= 0 {
		errs = append(errs, fmt.Errorf("VOICE_GATHER_TIMEOUT must be positive, got %d", c.Voice.GatherTimeout))
	}

	if c.Limits.MaxActiveCalls < 0 {
		errs = append(errs, fmt.Errorf("MAX_ACTIVE_CALLS must not be negative, got %d", c.Limits.MaxActiveCalls))
	}
	if c.Limits.RatePerSecond <= 0 {
		errs = append(errs, errors.New("API_RATE_PER_SECOND must be positive"))
	}

	return joinErrors(errs)
}

func (c *Config) validatePostgres() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// DSN returns the driver-specific data source name.
// Avoid logging this string; it contains secrets.
func (c Config) DSN() string {
	if c.DB.Driver == "sqlite" {
		return "file:" + c.DB.SQLitePath + "?_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	if c.Redis.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func str(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func mustInt(v *viper.Viper, key string) (int, error) {
	s := str(v, key)
	if s == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, s)
	}
	return n, nil
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
