package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Config holds all configuration required by the API process and auditctl.
// All values come from env (or an env-file loaded by the process runner).
type Config struct {
	App     AppConfig
	Store   StoreConfig
	DB      DBConfig
	Redis   RedisConfig
	Auth    AuthConfig
	Ledger  LedgerConfig
	Alert   AlertConfig
	Tracing TracingConfig
}

type AppConfig struct {
	Env      string
	Port     int
	Instance string
	Version  string
}

const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

type StoreConfig struct {
	Backend    string
	SQLitePath string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// RedisConfig is optional. An empty Host keeps baselines in memory and
// disables the Redis alert list.
type RedisConfig struct {
	Host        string
	Port        int
	BaselineTTL time.Duration
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type LedgerConfig struct {
	Key        string
	KeyVersion string
	// PreviousKeys maps retired key versions to their secrets so older
	// signatures still verify.
	PreviousKeys          map[string]string
	MaxAppendAttempts     int
	AlertRiskThreshold    int
	AlertAnomalyThreshold int
	Timezone              string
}

type AlertConfig struct {
	QueueSize  int
	Workers    int
	WebhookURL string
	RedisList  string
}

type TracingConfig struct {
	Enabled bool
}

// Load reads and validates the full API configuration.
func Load() (Config, error) {
	c, err := read()
	if err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadLedger reads the configuration and validates only what is needed to
// open the ledger (store, keys, scoring). Used by auditctl.
func LoadLedger() (Config, error) {
	c, err := read()
	if err != nil {
		return Config{}, err
	}
	if err := c.ValidateLedger(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadAuth reads the configuration and validates only the JWT settings.
// Used by auditctl token.
func LoadAuth() (AuthConfig, error) {
	c, err := read()
	if err != nil {
		return AuthConfig{}, err
	}
	if err := joinErrors(c.validateAuth()); err != nil {
		return AuthConfig{}, err
	}
	return c.Auth, nil
}

func read() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port = envInt("APP_PORT", &parseErrs)
	c.App.Instance = strings.TrimSpace(os.Getenv("APP_INSTANCE"))
	c.App.Version = strings.TrimSpace(os.Getenv("APP_VERSION"))

	c.Store.Backend = strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND")))
	c.Store.SQLitePath = strings.TrimSpace(os.Getenv("SQLITE_PATH"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port = envInt("DB_PORT", &parseErrs)
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port = envInt("REDIS_PORT", &parseErrs)
	c.Redis.BaselineTTL = mustDuration("BASELINE_TTL")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Ledger.Key = os.Getenv("AUDIT_KEY")
	c.Ledger.KeyVersion = strings.TrimSpace(os.Getenv("AUDIT_KEY_VERSION"))
	{
		keys, err := parseKeyList(os.Getenv("AUDIT_PREVIOUS_KEYS"))
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Ledger.PreviousKeys = keys
	}
	c.Ledger.MaxAppendAttempts = envInt("AUDIT_MAX_APPEND_ATTEMPTS", &parseErrs)
	c.Ledger.AlertRiskThreshold = envInt("AUDIT_ALERT_RISK_THRESHOLD", &parseErrs)
	c.Ledger.AlertAnomalyThreshold = envInt("AUDIT_ALERT_ANOMALY_THRESHOLD", &parseErrs)
	c.Ledger.Timezone = strings.TrimSpace(os.Getenv("AUDIT_TIMEZONE"))

	c.Alert.QueueSize = envInt("ALERT_QUEUE_SIZE", &parseErrs)
	c.Alert.Workers = envInt("ALERT_WORKERS", &parseErrs)
	c.Alert.WebhookURL = strings.TrimSpace(os.Getenv("ALERT_WEBHOOK_URL"))
	c.Alert.RedisList = strings.TrimSpace(os.Getenv("ALERT_REDIS_LIST"))

	{
		b, err := optionalBool("TRACING_ENABLED")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Tracing.Enabled = b
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the full API configuration and fills defaults in place.
func (c *Config) Validate() error {
	errs := c.validateLedger()

	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	errs = append(errs, c.validateAuth()...)
	if c.IsProduction() && c.Store.Backend == BackendMemory {
		errs = append(errs, errors.New("STORE_BACKEND=memory is not allowed in production"))
	}

	if c.Alert.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("ALERT_QUEUE_SIZE must not be negative, got %d", c.Alert.QueueSize))
	}
	if c.Alert.Workers < 0 {
		errs = append(errs, fmt.Errorf("ALERT_WORKERS must not be negative, got %d", c.Alert.Workers))
	}
	if c.Alert.WebhookURL != "" && !strings.HasPrefix(c.Alert.WebhookURL, "http://") && !strings.HasPrefix(c.Alert.WebhookURL, "https://") {
		errs = append(errs, fmt.Errorf("ALERT_WEBHOOK_URL must be an http(s) URL, got %q", c.Alert.WebhookURL))
	}

	return joinErrors(errs)
}

func (c *Config) validateAuth() []error {
	var errs []error
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
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}
	return errs
}

// ValidateLedger checks only the store, key and scoring settings.
func (c *Config) ValidateLedger() error {
	return joinErrors(c.validateLedger())
}

func (c *Config) validateLedger() []error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Instance == "" {
		if h, err := os.Hostname(); err == nil {
			c.App.Instance = h
		}
	}

	if c.Store.Backend == "" {
		c.Store.Backend = BackendPostgres
	}
	switch c.Store.Backend {
	case BackendPostgres:
		errs = append(errs, c.validateDB()...)
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required when STORE_BACKEND=sqlite"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be one of postgres, sqlite, memory, got %q", c.Store.Backend))
	}

	if c.Redis.Host != "" {
		if c.Redis.Port == 0 {
			c.Redis.Port = 6379
		}
		if c.Redis.Port < 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	}
	if c.Redis.BaselineTTL <= 0 {
		c.Redis.BaselineTTL = 90 * 24 * time.Hour
	}

	if c.Ledger.Key == "" {
		errs = append(errs, errors.New("AUDIT_KEY is required"))
	}
	if c.Ledger.KeyVersion == "" {
		c.Ledger.KeyVersion = "v1"
	}
	if _, dup := c.Ledger.PreviousKeys[c.Ledger.KeyVersion]; dup {
		errs = append(errs, fmt.Errorf("AUDIT_PREVIOUS_KEYS must not contain the current version %q", c.Ledger.KeyVersion))
	}
	if c.Ledger.MaxAppendAttempts == 0 {
		c.Ledger.MaxAppendAttempts = 3
	}
	if c.Ledger.MaxAppendAttempts < 1 {
		errs = append(errs, fmt.Errorf("AUDIT_MAX_APPEND_ATTEMPTS must be positive, got %d", c.Ledger.MaxAppendAttempts))
	}
	if c.Ledger.AlertRiskThreshold == 0 {
		c.Ledger.AlertRiskThreshold = 70
	}
	if c.Ledger.AlertAnomalyThreshold == 0 {
		c.Ledger.AlertAnomalyThreshold = 80
	}
	for key, v := range map[string]int{
		"AUDIT_ALERT_RISK_THRESHOLD":    c.Ledger.AlertRiskThreshold,
		"AUDIT_ALERT_ANOMALY_THRESHOLD": c.Ledger.AlertAnomalyThreshold,
	} {
		if v < 0 || v > 100 {
			errs = append(errs, fmt.Errorf("%s must be within 0..100, got %d", key, v))
		}
	}
	if c.Ledger.Timezone == "" {
		c.Ledger.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(c.Ledger.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("AUDIT_TIMEZONE is not a known zone: %q", c.Ledger.Timezone))
	}

	return errs
}

func (c *Config) validateDB() []error {
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

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
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

func (c Config) RedisEnabled() bool { return c.Redis.Host != "" }

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Location returns the zone used for normal-hours scoring.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Ledger.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SigningKeys returns every configured key version, current one included.
func (c Config) SigningKeys() map[string][]byte {
	out := make(map[string][]byte, len(c.Ledger.PreviousKeys)+1)
	for v, k := range c.Ledger.PreviousKeys {
		out[v] = []byte(k)
	}
	out[c.Ledger.KeyVersion] = []byte(c.Ledger.Key)
	return out
}

func optionalInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalBool(key string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

// parseKeyList reads "v1:secret,v0:secret".
func parseKeyList(raw string) (map[string]string, error) {
	out := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}
	for _, part := range strings.Split(raw, ",") {
		version, secret, ok := strings.Cut(strings.TrimSpace(part), ":")
		version = strings.TrimSpace(version)
		if !ok || version == "" || secret == "" {
			return nil, fmt.Errorf("AUDIT_PREVIOUS_KEYS entries must look like version:secret, got %q", part)
		}
		if _, dup := out[version]; dup {
			return nil, fmt.Errorf("AUDIT_PREVIOUS_KEYS repeats version %q", version)
		}
		out[version] = secret
	}
	return out, nil
}

func envInt(key string, errs *[]error) int {
	n, err := optionalInt(key)
	if err != nil {
		*errs = append(*errs, err)
	}
	return n
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
