// Package config loads calembed settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"calembed/internal/models"

	"gopkg.in/yaml.v3"
)

// Calendar providers.
const (
	ProviderGoogle = "google"
	ProviderCalDAV = "caldav"
)

// DatabaseConfig selects the sink.
type DatabaseConfig struct {
	// URL is a postgres URL/DSN or "sqlite:<dsn>".
	URL   string `yaml:"url"`
	Table string `yaml:"table"`
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	// Provider is a registered provider name: openai, compat, gemini or fake.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	// Host is the base URL of an OpenAI-compatible server (compat only).
	Host string `yaml:"host"`
}

// GoogleConfig holds the OAuth client and token locations.
type GoogleConfig struct {
	ClientID        string `yaml:"client_id"`
	ClientSecret    string `yaml:"client_secret"`
	CredentialsFile string `yaml:"credentials_file"`
	TokenFile       string `yaml:"token_file"`
}

// CalDAVConfig holds the CalDAV endpoint and Basic Auth credentials.
type CalDAVConfig struct {
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// CalendarConfig selects the provider, calendars and fetch window.
type CalendarConfig struct {
	Provider     string   `yaml:"provider"`
	IDs          []string `yaml:"ids"`
	LookbackDays int      `yaml:"lookback_days"`
	HorizonDays  int      `yaml:"horizon_days"`
	MaxResults   int      `yaml:"max_results"`
}

// Config is the top-level application configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Calendar  CalendarConfig  `yaml:"calendar"`
	Google    GoogleConfig    `yaml:"google"`
	CalDAV    CalDAVConfig    `yaml:"caldav"`

	LogLevel string `yaml:"log_level"`
	HTTPAddr string `yaml:"http_addr"`
	// HTTPAPIKey protects the ingestion routes of the serve command when set.
	HTTPAPIKey string `yaml:"http_api_key"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Database:  DatabaseConfig{Table: "tg_embeddings"},
		Embedding: EmbeddingConfig{Provider: "openai"},
		Calendar: CalendarConfig{
			Provider:     ProviderGoogle,
			IDs:          []string{"primary"},
			LookbackDays: 7,
			HorizonDays:  180,
			MaxResults:   models.DefaultMaxResults,
		},
		Google: GoogleConfig{
			CredentialsFile: "credentials.json",
			TokenFile:       "token.json",
		},
		CalDAV:   CalDAVConfig{Endpoint: "https://caldav.icloud.com/"},
		LogLevel: "info",
		HTTPAddr: ":8080",
	}
}

// Load reads the YAML file at path (skipped when path is empty) over the defaults,
// then applies environment overrides.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found", path)
			}
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = n
		return nil
	}

	str("DATABASE_URL", &c.Database.URL)
	str("SINK_TABLE", &c.Database.Table)

	str("EMBEDDING_PROVIDER", &c.Embedding.Provider)
	str("EMBEDDING_MODEL", &c.Embedding.Model)
	str("EMBEDDING_HOST", &c.Embedding.Host)
	str("EMBEDDING_API_KEY", &c.Embedding.APIKey)
	if c.Embedding.APIKey == "" {
		switch strings.ToLower(c.Embedding.Provider) {
		case "openai":
			str("OPENAI_API_KEY", &c.Embedding.APIKey)
		case "gemini":
			str("GOOGLE_API_KEY", &c.Embedding.APIKey)
		}
	}

	str("CALENDAR_PROVIDER", &c.Calendar.Provider)
	if v, ok := lookup("GOOGLE_CALENDAR_IDS"); ok && v != "" {
		c.Calendar.IDs = splitList(v)
	}
	for key, dst := range map[string]*int{
		"LOOKBACK_DAYS": &c.Calendar.LookbackDays,
		"HORIZON_DAYS":  &c.Calendar.HorizonDays,
		"MAX_RESULTS":   &c.Calendar.MaxResults,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}

	str("GOOGLE_CLIENT_ID", &c.Google.ClientID)
	str("GOOGLE_CLIENT_SECRET", &c.Google.ClientSecret)
	str("GOOGLE_CREDENTIALS_FILE", &c.Google.CredentialsFile)
	str("GOOGLE_TOKEN_FILE", &c.Google.TokenFile)

	str("CALDAV_ENDPOINT", &c.CalDAV.Endpoint)
	str("ICLOUD_USERNAME", &c.CalDAV.Username)
	str("ICLOUD_APP_SPECIFIC_PASSWORD", &c.CalDAV.Password)

	str("LOG_LEVEL", &c.LogLevel)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("HTTP_API_KEY", &c.HTTPAPIKey)
	return nil
}

// normalize fills provider-specific defaults left empty by file and environment.
func (c *Config) normalize() {
	c.Calendar.Provider = strings.ToLower(c.Calendar.Provider)
	c.Embedding.Provider = strings.ToLower(c.Embedding.Provider)
	if c.Calendar.Provider == "icloud" {
		c.Calendar.Provider = ProviderCalDAV
	}
	switch c.Embedding.Provider {
	case "openai":
		if c.Embedding.Model == "" {
			c.Embedding.Model = "text-embedding-3-small"
		}
	case "compat":
		if c.Embedding.Host == "" {
			c.Embedding.Host = "http://localhost:11434/v1"
		}
	}
	if len(c.Calendar.IDs) == 0 {
		c.Calendar.IDs = []string{"primary"}
	}
}

// Validate fails fast on missing settings. Missing credentials wrap models.ErrAuth.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.Database.Table == "" {
		return errors.New("sink table must not be empty")
	}

	switch c.Embedding.Provider {
	case "openai", "gemini":
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("%w: EMBEDDING_API_KEY is required for provider %s", models.ErrAuth, c.Embedding.Provider)
		}
	case "compat", "fake":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}

	if err := c.ValidateCalendar(); err != nil {
		return err
	}

	switch {
	case c.Calendar.LookbackDays < 0:
		return errors.New("LOOKBACK_DAYS must not be negative")
	case c.Calendar.HorizonDays <= 0:
		return errors.New("HORIZON_DAYS must be positive")
	case c.Calendar.MaxResults <= 0:
		return errors.New("MAX_RESULTS must be positive")
	}
	return nil
}

// ValidateCalendar checks only the calendar provider settings. The auth command
// needs these without a database or embedding provider.
func (c *Config) ValidateCalendar() error {
	switch c.Calendar.Provider {
	case ProviderGoogle:
		if c.Google.ClientID != "" && c.Google.ClientSecret != "" {
			return nil
		}
		if _, err := os.Stat(c.Google.CredentialsFile); err != nil {
			return fmt.Errorf("%w: set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET or provide %s", models.ErrAuth, c.Google.CredentialsFile)
		}
	case ProviderCalDAV:
		if c.CalDAV.Username == "" || c.CalDAV.Password == "" {
			return fmt.Errorf("%w: ICLOUD_USERNAME and ICLOUD_APP_SPECIFIC_PASSWORD are required", models.ErrAuth)
		}
	default:
		return fmt.Errorf("unknown calendar provider %q", c.Calendar.Provider)
	}
	return nil
}

// FetchOptions turns the configured window into fetch options relative to now.
func (c *Config) FetchOptions(now time.Time) models.FetchOptions {
	day := 24 * time.Hour
	return models.FetchOptions{
		TimeMin:    now.Add(-time.Duration(c.Calendar.LookbackDays) * day),
		TimeMax:    now.Add(time.Duration(c.Calendar.HorizonDays) * day),
		MaxResults: c.Calendar.MaxResults,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
