package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// LookupFunc resolves an environment variable.
type LookupFunc func(string) (string, bool)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	DriverPgx      = "pgx"
	DriverPostgres = "postgres"
	DriverDuckDB   = "duckdb"
)

// ErrMissingAPIKey is returned when the selected LLM provider has no credential.
var ErrMissingAPIKey = errors.New("LLM API key is not set")

type Config struct {
	LLM            LLMConfig
	Database       DatabaseConfig
	HTTP           HTTPConfig
	SchemaCacheTTL time.Duration
	PromptsDir     string // Optional directory overriding the embedded prompts
}

type LLMConfig struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKey    string
	MaxTokens int
	Timeout   time.Duration
}

type DatabaseConfig struct {
	Driver       string
	DSN          string // Takes precedence over the individual parts below
	User         string
	Password     string
	Host         string
	Port         string
	Name         string
	SSLMode      string
	ReadOnly     bool // Run queries inside a read-only transaction
	MaxOpenConns int
	QueryTimeout time.Duration
}

type HTTPConfig struct {
	ListenAddr        string
	MetricsAddr       string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// LoadFromEnv loads configuration from the process environment.
func LoadFromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

// Load builds a Config from defaults overridden by lookup. It does not check
// that credentials are present; call Validate once flags have been applied.
func Load(lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	cfg := defaults()

	if err := applyString(lookup, "SQLAGENT_LLM_PROVIDER", &cfg.LLM.Provider); err != nil {
		return Config{}, err
	}
	cfg.LLM.Provider = strings.ToLower(cfg.LLM.Provider)
	if cfg.LLM.Provider == ProviderAnthropic {
		cfg.LLM.Model = defaultAnthropicModel
		cfg.LLM.BaseURL = ""
	}

	stringVars := []struct {
		key string
		dst *string
	}{
		{"SQLAGENT_LLM_MODEL", &cfg.LLM.Model},
		{"SQLAGENT_LLM_BASE_URL", &cfg.LLM.BaseURL},
		{"SQLAGENT_DB_DRIVER", &cfg.Database.Driver},
		{"SQLAGENT_DB_DSN", &cfg.Database.DSN},
		{"DB_USER", &cfg.Database.User},
		{"DB_HOST", &cfg.Database.Host},
		{"DB_PORT", &cfg.Database.Port},
		{"DB_NAME", &cfg.Database.Name},
		{"DB_SSLMODE", &cfg.Database.SSLMode},
		{"SQLAGENT_HTTP_ADDR", &cfg.HTTP.ListenAddr},
		{"SQLAGENT_METRICS_ADDR", &cfg.HTTP.MetricsAddr},
		{"SQLAGENT_PROMPTS_DIR", &cfg.PromptsDir},
	}
	for _, v := range stringVars {
		if err := applyString(lookup, v.key, v.dst); err != nil {
			return Config{}, err
		}
	}

	// Passwords may legitimately start or end with spaces.
	if raw, ok := lookup("DB_PASS"); ok {
		cfg.Database.Password = raw
	}

	switch cfg.LLM.Provider {
	case ProviderAnthropic:
		_ = applyString(lookup, "ANTHROPIC_API_KEY", &cfg.LLM.APIKey)
	default:
		_ = applyString(lookup, "OPENAI_API_KEY", &cfg.LLM.APIKey)
	}
	_ = applyString(lookup, "SQLAGENT_LLM_API_KEY", &cfg.LLM.APIKey)

	if err := applyInt(lookup, "SQLAGENT_LLM_MAX_TOKENS", &cfg.LLM.MaxTokens); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SQLAGENT_DB_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "SQLAGENT_DB_READ_ONLY", &cfg.Database.ReadOnly); err != nil {
		return Config{}, err
	}

	durationVars := []struct {
		key string
		dst *time.Duration
	}{
		{"SQLAGENT_LLM_TIMEOUT", &cfg.LLM.Timeout},
		{"SQLAGENT_QUERY_TIMEOUT", &cfg.Database.QueryTimeout},
		{"SQLAGENT_READ_HEADER_TIMEOUT", &cfg.HTTP.ReadHeaderTimeout},
		{"SQLAGENT_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout},
		{"SQLAGENT_SCHEMA_CACHE_TTL", &cfg.SchemaCacheTTL},
	}
	for _, v := range durationVars {
		if err := applyDuration(lookup, v.key, v.dst); err != nil {
			return Config{}, err
		}
	}

	// DuckDB has no read-only transactions.
	if cfg.Database.Driver == DriverDuckDB {
		if _, ok := lookup("SQLAGENT_DB_READ_ONLY"); !ok {
			cfg.Database.ReadOnly = false
		}
	}

	return cfg, nil
}

const (
	defaultOpenAIBaseURL  = "https://openrouter.ai/api/v1"
	defaultOpenAIModel    = "openai/gpt-4o-mini"
	defaultAnthropicModel = "claude-sonnet-4-5"
)

func defaults() Config {
	return Config{
		LLM: LLMConfig{
			Provider:  ProviderOpenAI,
			Model:     defaultOpenAIModel,
			BaseURL:   defaultOpenAIBaseURL,
			MaxTokens: 1024,
			Timeout:   60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:       DriverPgx,
			Port:         "5432",
			SSLMode:      "disable",
			ReadOnly:     true,
			MaxOpenConns: 10,
			QueryTimeout: 30 * time.Second,
		},
		HTTP: HTTPConfig{
			ListenAddr:        "0.0.0.0:8000",
			MetricsAddr:       "0.0.0.0:9090",
			ReadHeaderTimeout: 30 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		SchemaCacheTTL: 10 * time.Minute,
	}
}

// Validate checks that the capabilities the agent depends on are configured.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("unsupported LLM provider: %q", c.LLM.Provider)
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("%w for provider %s", ErrMissingAPIKey, c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("LLM model is required")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("LLM max tokens must be positive")
	}
	return c.Database.Validate()
}

// Validate checks that a database connection can be described.
func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case DriverPgx, DriverPostgres, DriverDuckDB:
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Driver)
	}
	if c.DSN != "" || c.Driver == DriverDuckDB {
		return nil
	}
	var missing []string
	for _, part := range []struct{ name, value string }{
		{"DB_USER", c.User},
		{"DB_PASS", c.Password},
		{"DB_HOST", c.Host},
		{"DB_NAME", c.Name},
	} {
		if part.value == "" {
			missing = append(missing, part.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("database connection is not configured: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// ConnectionString returns the DSN, composing it from the individual parts when
// no DSN was given. The password is URL-escaped.
func (c *DatabaseConfig) ConnectionString() string {
	if c.DSN != "" || c.Driver == DriverDuckDB {
		return c.DSN
	}
	host := c.Host
	if c.Port != "" {
		host = host + ":" + c.Port
	}
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   host,
		Path:   "/" + c.Name,
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
	}
	return u.String()
}

// Redacted returns the connection string with the password removed.
func (c *DatabaseConfig) Redacted() string {
	dsn := c.ConnectionString()
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}
