package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"calembed/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// isolateEnv clears the settings a developer machine may export.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATABASE_URL", "SINK_TABLE", "EMBEDDING_PROVIDER", "EMBEDDING_MODEL", "EMBEDDING_API_KEY",
		"EMBEDDING_HOST", "OPENAI_API_KEY", "GOOGLE_API_KEY", "CALENDAR_PROVIDER", "GOOGLE_CLIENT_ID",
		"GOOGLE_CLIENT_SECRET", "GOOGLE_CALENDAR_IDS", "ICLOUD_USERNAME", "ICLOUD_APP_SPECIFIC_PASSWORD",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("LOG_LEVEL", "error")
}

func findCommand(t *testing.T, app *cli.App, name string) *cli.Command {
	t.Helper()
	for _, cmd := range app.Commands {
		if cmd.Name == name {
			return cmd
		}
	}
	t.Fatalf("command %q not found", name)
	return nil
}

func flagNames(cmd *cli.Command) []string {
	var names []string
	for _, f := range cmd.Flags {
		names = append(names, f.Names()[0])
	}
	return names
}

func TestCommands(t *testing.T) {
	app := newApp()

	t.Run("ingest flags", func(t *testing.T) {
		cmd := findCommand(t, app, "ingest")
		assert.ElementsMatch(t, []string{"dry-run", "all", "calendar", "ensure-schema", "trace"}, flagNames(cmd))
	})

	t.Run("serve flags", func(t *testing.T) {
		cmd := findCommand(t, app, "serve")
		assert.ElementsMatch(t, []string{"addr", "ensure-schema", "trace"}, flagNames(cmd))
	})

	t.Run("every command is registered", func(t *testing.T) {
		for _, name := range []string{"auth", "ingest", "serve", "columns", "calendars"} {
			findCommand(t, app, name)
		}
	})
}

func TestColumnsCommand(t *testing.T) {
	isolateEnv(t)
	t.Setenv("DATABASE_URL", "sqlite:file:"+filepath.Join(t.TempDir(), "cli.sqlite"))

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out

	require.NoError(t, app.Run([]string{"calembed", "columns", "--ensure-schema"}))
	assert.Contains(t, out.String(), "combined_text\ttext\n")
	assert.Contains(t, out.String(), "message\ttext\n")
	assert.Contains(t, out.String(), "id\ttext\n")
}

func TestColumnsCommand_RequiresDatabase(t *testing.T) {
	isolateEnv(t)

	err := newApp().Run([]string{"calembed", "columns"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestIngestCommand_FailsFastOnMissingCredentials(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "embedding key",
			env:  map[string]string{"EMBEDDING_PROVIDER": "openai"},
		},
		{
			name: "caldav password",
			env: map[string]string{
				"EMBEDDING_PROVIDER": "fake",
				"CALENDAR_PROVIDER":  "caldav",
				"ICLOUD_USERNAME":    "me@icloud.com",
			},
		},
		{
			name: "google token",
			env: map[string]string{
				"EMBEDDING_PROVIDER":   "fake",
				"GOOGLE_CLIENT_ID":     "id",
				"GOOGLE_CLIENT_SECRET": "secret",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateEnv(t)
			dir := t.TempDir()
			t.Setenv("DATABASE_URL", "sqlite:file:"+filepath.Join(dir, "cli.sqlite"))
			t.Setenv("GOOGLE_TOKEN_FILE", filepath.Join(dir, "token.json"))
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			err := newApp().Run([]string{"calembed", "ingest"})
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrAuth)
		})
	}
}

func TestIngestCommand_MissingConfigFile(t *testing.T) {
	isolateEnv(t)

	err := newApp().Run([]string{"calembed", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "ingest"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSetupLogger(t *testing.T) {
	assert.True(t, setupLogger("debug").Enabled(t.Context(), -4))
	assert.False(t, setupLogger("warn").Enabled(t.Context(), 0))
	assert.True(t, setupLogger("bogus").Enabled(t.Context(), 0))
}
