package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"calembed/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load("", envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, "tg_embeddings", cfg.Database.Table)
	assert.Equal(t, "openai", cfg.Embedding.Provider)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	assert.Equal(t, ProviderGoogle, cfg.Calendar.Provider)
	assert.Equal(t, []string{"primary"}, cfg.Calendar.IDs)
	assert.Equal(t, 7, cfg.Calendar.LookbackDays)
	assert.Equal(t, 180, cfg.Calendar.HorizonDays)
	assert.Equal(t, 2500, cfg.Calendar.MaxResults)
	assert.Equal(t, "credentials.json", cfg.Google.CredentialsFile)
	assert.Equal(t, "token.json", cfg.Google.TokenFile)
	assert.Equal(t, "https://caldav.icloud.com/", cfg.CalDAV.Endpoint)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
}

func TestLoad_Environment(t *testing.T) {
	cfg, err := load("", envMap(map[string]string{
		"DATABASE_URL":        "postgres://localhost/calembed",
		"SINK_TABLE":          "bot.embeddings",
		"EMBEDDING_PROVIDER":  "gemini",
		"GOOGLE_API_KEY":      "g-key",
		"CALENDAR_PROVIDER":   "iCloud",
		"GOOGLE_CALENDAR_IDS": "primary, team@example.com ,",
		"LOOKBACK_DAYS":       "1",
		"MAX_RESULTS":         "50",
		"LOG_LEVEL":           "debug",
	}))
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/calembed", cfg.Database.URL)
	assert.Equal(t, "bot.embeddings", cfg.Database.Table)
	assert.Equal(t, "gemini", cfg.Embedding.Provider)
	assert.Equal(t, "g-key", cfg.Embedding.APIKey)
	assert.Empty(t, cfg.Embedding.Model, "gemini picks its own default model")
	assert.Equal(t, ProviderCalDAV, cfg.Calendar.Provider)
	assert.Equal(t, []string{"primary", "team@example.com"}, cfg.Calendar.IDs)
	assert.Equal(t, 1, cfg.Calendar.LookbackDays)
	assert.Equal(t, 50, cfg.Calendar.MaxResults)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_APIKeyPrecedence(t *testing.T) {
	cfg, err := load("", envMap(map[string]string{
		"EMBEDDING_API_KEY": "explicit",
		"OPENAI_API_KEY":    "fallback",
	}))
	require.NoError(t, err)
	assert.Equal(t, "explicit", cfg.Embedding.APIKey)

	cfg, err = load("", envMap(map[string]string{"OPENAI_API_KEY": "fallback"}))
	require.NoError(t, err)
	assert.Equal(t, "fallback", cfg.Embedding.APIKey)
}

func TestLoad_CompatDefaultHost(t *testing.T) {
	cfg, err := load("", envMap(map[string]string{"EMBEDDING_PROVIDER": "compat"}))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434/v1", cfg.Embedding.Host)
}

func TestLoad_ProviderNamesIgnoreCase(t *testing.T) {
	cfg, err := load("", envMap(map[string]string{
		"EMBEDDING_PROVIDER":   "OpenAI",
		"OPENAI_API_KEY":       "sk-test",
		"CALENDAR_PROVIDER":    "Google",
		"GOOGLE_CLIENT_ID":     "id",
		"GOOGLE_CLIENT_SECRET": "secret",
		"DATABASE_URL":         "sqlite:file:calembed.sqlite",
	}))
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.Embedding.Provider)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	assert.Equal(t, ProviderGoogle, cfg.Calendar.Provider)
	require.NoError(t, cfg.Validate())
}

func TestLoad_InvalidNumber(t *testing.T) {
	_, err := load("", envMap(map[string]string{"HORIZON_DAYS": "soon"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HORIZON_DAYS")
}

func TestLoad_YAMLThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calembed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  url: sqlite:file:calembed.sqlite
embedding:
  provider: compat
  model: nomic-embed-text
  host: http://gpu-box:8000/v1
calendar:
  provider: caldav
  ids: [Work, Home]
  horizon_days: 30
caldav:
  username: me@icloud.com
  password: from-file
http_addr: 127.0.0.1:9090
`), 0600))

	cfg, err := load(path, envMap(map[string]string{"ICLOUD_APP_SPECIFIC_PASSWORD": "from-env"}))
	require.NoError(t, err)

	assert.Equal(t, "sqlite:file:calembed.sqlite", cfg.Database.URL)
	assert.Equal(t, "tg_embeddings", cfg.Database.Table, "defaults survive partial files")
	assert.Equal(t, "compat", cfg.Embedding.Provider)
	assert.Equal(t, "http://gpu-box:8000/v1", cfg.Embedding.Host)
	assert.Equal(t, []string{"Work", "Home"}, cfg.Calendar.IDs)
	assert.Equal(t, 30, cfg.Calendar.HorizonDays)
	assert.Equal(t, 7, cfg.Calendar.LookbackDays)
	assert.Equal(t, "from-env", cfg.CalDAV.Password)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTPAddr)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "missing.yaml"), envMap(nil))
	assert.ErrorContains(t, err, "not found")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Database.URL = "postgres://localhost/db"
		cfg.Embedding.APIKey = "sk"
		cfg.Google.ClientID = "id"
		cfg.Google.ClientSecret = "secret"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		auth    bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing database", mutate: func(c *Config) { c.Database.URL = "" }, wantErr: true},
		{name: "missing embedding key", mutate: func(c *Config) { c.Embedding.APIKey = "" }, wantErr: true, auth: true},
		{name: "compat needs no key", mutate: func(c *Config) { c.Embedding.Provider = "compat"; c.Embedding.APIKey = "" }},
		{name: "unknown embedding provider", mutate: func(c *Config) { c.Embedding.Provider = "bert" }, wantErr: true},
		{name: "google without client or credentials file", mutate: func(c *Config) {
			c.Google.ClientID = ""
			c.Google.CredentialsFile = filepath.Join(t.TempDir(), "none.json")
		}, wantErr: true, auth: true},
		{name: "caldav without password", mutate: func(c *Config) {
			c.Calendar.Provider = ProviderCalDAV
			c.CalDAV.Username = "me"
		}, wantErr: true, auth: true},
		{name: "unknown calendar provider", mutate: func(c *Config) { c.Calendar.Provider = "exchange" }, wantErr: true},
		{name: "zero max results", mutate: func(c *Config) { c.Calendar.MaxResults = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			if tt.auth {
				assert.ErrorIs(t, err, models.ErrAuth)
			} else {
				assert.NotErrorIs(t, err, models.ErrAuth)
			}
		})
	}
}

func TestFetchOptions(t *testing.T) {
	cfg := Default()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	opts := cfg.FetchOptions(now)
	assert.Equal(t, time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC), opts.TimeMin)
	assert.Equal(t, time.Date(2024, 11, 6, 12, 0, 0, 0, time.UTC), opts.TimeMax)
	assert.Equal(t, 2500, opts.MaxResults)
}
