package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"calembed/internal/config"
	"calembed/internal/embedding"
	_ "calembed/internal/embedding/compat"
	_ "calembed/internal/embedding/fake"
	_ "calembed/internal/embedding/gemini"
	_ "calembed/internal/embedding/openai"
	"calembed/internal/google"
	"calembed/internal/icloud"
	"calembed/internal/ingest"
	"calembed/internal/server"
	"calembed/internal/sink"
	_ "calembed/internal/sink/postgres"
	_ "calembed/internal/sink/sqlite"
	"calembed/internal/telemetry"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "calembed",
		Usage: "Embed calendar events into a relational store for semantic retrieval.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Path to a YAML config file; environment variables override it."},
			&cli.StringFlag{Name: "log-level", Usage: "Log level (debug, info, warn, error). Overrides LOG_LEVEL."},
		},
		Commands: []*cli.Command{
			authCommand(),
			ingestCommand(),
			serveCommand(),
			columnsCommand(),
			calendarsCommand(),
		},
	}
}

func ensureSchemaFlag() cli.Flag {
	return &cli.BoolFlag{Name: "ensure-schema", Usage: "Create the sink table if it does not exist."}
}

func traceFlag() cli.Flag {
	return &cli.BoolFlag{Name: "trace", Usage: "Export trace spans to stderr."}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account and save the API token.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.Calendar.Provider != config.ProviderGoogle {
				return fmt.Errorf("auth is only needed for the google provider, got %q", cfg.Calendar.Provider)
			}
			if err := cfg.ValidateCalendar(); err != nil {
				return err
			}
			logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.CredentialsFile)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Fprintf(c.App.Writer, "Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Fprint(c.App.Writer, "Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			if err := google.SaveToken(cfg.Google.TokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", cfg.Google.TokenFile)
			return nil
		},
	}
}

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "Fetch, embed and upsert the events of one or more calendars.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dry-run", Usage: "Fetch and embed, but do not write to the sink."},
			&cli.BoolFlag{Name: "all", Usage: "Ingest every configured calendar instead of the first one."},
			&cli.StringSliceFlag{Name: "calendar", Usage: "Calendar ID to ingest; repeatable. Overrides the configured list."},
			ensureSchemaFlag(),
			traceFlag(),
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdown, err := telemetry.Init(ctx, telemetry.Config{Stdout: c.Bool("trace")})
			if err != nil {
				return fmt.Errorf("failed to init tracing: %w", err)
			}
			defer shutdown(context.Background()) //nolint:errcheck

			if c.Bool("dry-run") {
				logger.Info("Performing a dry run. No changes will be made.")
			}

			p, st, err := buildPipeline(ctx, cfg, logger, c.Bool("dry-run"), c.Bool("ensure-schema"))
			if err != nil {
				return err
			}
			defer st.Close()

			calendars := cfg.Calendar.IDs
			switch {
			case len(c.StringSlice("calendar")) > 0:
				calendars = c.StringSlice("calendar")
			case !c.Bool("all"):
				calendars = calendars[:1]
			}

			results, err := p.RunAll(ctx, calendars)
			for i, res := range results {
				fmt.Fprintf(c.App.Writer, "%s\tfetched=%d\twritten=%d\trun=%s\n", calendars[i], res.Fetched, res.Written, res.RunID)
			}
			if err != nil {
				return fmt.Errorf("ingestion failed: %w", err)
			}
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve health checks and an HTTP trigger for ingestion runs.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address. Overrides HTTP_ADDR."},
			ensureSchemaFlag(),
			traceFlag(),
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("addr") {
				cfg.HTTPAddr = c.String("addr")
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdown, err := telemetry.Init(ctx, telemetry.Config{Stdout: c.Bool("trace")})
			if err != nil {
				return fmt.Errorf("failed to init tracing: %w", err)
			}
			defer shutdown(context.Background()) //nolint:errcheck

			p, st, err := buildPipeline(ctx, cfg, logger, false, c.Bool("ensure-schema"))
			if err != nil {
				return err
			}
			defer st.Close()

			router := server.NewRouter(logger, p, st, server.Options{
				Calendars: cfg.Calendar.IDs,
				APIKey:    cfg.HTTPAPIKey,
			})
			return server.ListenAndServe(ctx, logger, cfg.HTTPAddr, otelhttp.NewHandler(router, "calembed"))
		},
	}
}

func columnsCommand() *cli.Command {
	return &cli.Command{
		Name:  "columns",
		Usage: "Print the columns of the sink table.",
		Flags: []cli.Flag{ensureSchemaFlag()},
		Action: func(c *cli.Context) error {
			cfg, _, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("DATABASE_URL is required")
			}

			st, err := openSink(c.Context, cfg, c.Bool("ensure-schema"))
			if err != nil {
				return err
			}
			defer st.Close()

			cols, err := st.Columns(c.Context)
			if err != nil {
				return err
			}
			for _, name := range cols.Names() {
				fmt.Fprintf(c.App.Writer, "%s\t%s\n", name, cols[name])
			}
			return nil
		},
	}
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "List the calendars visible to the configured account.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := cfg.ValidateCalendar(); err != nil {
				return err
			}
			src, err := newSource(c.Context, cfg, logger)
			if err != nil {
				return err
			}
			names, err := src.DiscoverCalendars(c.Context)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(c.App.Writer, name)
			}
			return nil
		},
	}
}

// calendarSource is what both providers offer.
type calendarSource interface {
	ingest.Source
	DiscoverCalendars(ctx context.Context) ([]string, error)
}

func newSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (calendarSource, error) {
	switch cfg.Calendar.Provider {
	case config.ProviderGoogle:
		oauthConfig, err := google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.CredentialsFile)
		if err != nil {
			return nil, err
		}
		supplier := google.NewTokenFileSupplier(logger, oauthConfig, cfg.Google.TokenFile)
		client, err := google.NewClient(ctx, logger, supplier)
		if err != nil {
			return nil, fmt.Errorf("failed to create google client: %w", err)
		}
		return client, nil
	case config.ProviderCalDAV:
		client, err := icloud.NewClient(logger, cfg.CalDAV.Endpoint, cfg.CalDAV.Username, cfg.CalDAV.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to create caldav client: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown calendar provider %q", cfg.Calendar.Provider)
	}
}

// schemaEnsurer is implemented by sinks that can create their table.
type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

func openSink(ctx context.Context, cfg *config.Config, ensureSchema bool) (sink.Sink, error) {
	st, err := sink.Open(ctx, cfg.Database.URL, cfg.Database.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to open sink: %w", err)
	}
	if ensureSchema {
		es, ok := st.(schemaEnsurer)
		if !ok {
			st.Close()
			return nil, errors.New("sink cannot create its schema")
		}
		if err := es.EnsureSchema(ctx); err != nil {
			st.Close()
			return nil, err
		}
	}
	return st, nil
}

// buildPipeline validates cfg and wires every collaborator. Credentials are
// checked before any event is fetched. The caller closes the returned sink.
func buildPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger, dryRun, ensureSchema bool) (*ingest.Pipeline, sink.Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	embedder, err := embedding.New(ctx, cfg.Embedding.Provider, embedding.Config{
		APIKey: cfg.Embedding.APIKey,
		Model:  cfg.Embedding.Model,
		Host:   cfg.Embedding.Host,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	src, err := newSource(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	st, err := openSink(ctx, cfg, ensureSchema)
	if err != nil {
		return nil, nil, err
	}

	cols, err := st.Columns(ctx)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	logger.Info("Loaded sink columns", "table", cfg.Database.Table, "count", len(cols))

	p, err := ingest.NewPipeline(src, embedder, st, cols,
		ingest.WithLogger(logger),
		ingest.WithDryRun(dryRun),
		ingest.WithWindow(cfg.FetchOptions),
	)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return p, st, nil
}

func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	logger := setupLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
