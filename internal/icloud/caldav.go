package icloud

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"calembed/internal/models"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultEndpoint is the iCloud CalDAV root.
	DefaultEndpoint = "https://caldav.icloud.com/"

	// ProviderName is stored as the event's calendar source.
	ProviderName = "icloud"
)

// authTransport adds Basic Auth and a user agent to each request and turns
// rejected credentials into models.ErrAuth.
type authTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "calembed/1.0")

	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: caldav server returned %s", models.ErrAuth, resp.Status)
	}
	return resp, nil
}

// CalDAVClient reads events from a CalDAV server (iCloud by default).
type CalDAVClient struct {
	caldavClient *caldav.Client
	logger       *slog.Logger
	endpoint     string
	now          func() time.Time

	mu        sync.RWMutex
	calendars map[string]string // calendar name -> path
}

// NewClient creates a CalDAVClient for endpoint using Basic Auth.
// An empty endpoint selects iCloud. Missing credentials fail with models.ErrAuth.
func NewClient(logger *slog.Logger, endpoint, username, password string) (*CalDAVClient, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: caldav username and password are required", models.ErrAuth)
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{Transport: &authTransport{
		Username:  username,
		Password:  password,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}}

	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	return &CalDAVClient{
		caldavClient: caldavClient,
		logger:       logger.With("component", "caldav"),
		endpoint:     endpoint,
		calendars:    make(map[string]string),
		now:          time.Now,
	}, nil
}

// FetchEvents lists the events of the named calendar inside the window given by opts.
// Recurring events are expanded into single instances and the result is ordered by
// start time. The server answers a time-range query in one response, which is
// decoded once the consumer starts ranging; the sequence can be ranged once.
func (c *CalDAVClient) FetchEvents(ctx context.Context, calendarName string, opts models.FetchOptions) iter.Seq2[*models.Event, error] {
	return func(yield func(*models.Event, error) bool) {
		window := opts.WithDefaults(c.now().UTC())

		calendarPath, err := c.calendarPath(ctx, calendarName)
		if err != nil {
			yield(nil, classifyError(calendarName, err))
			return
		}

		query := &caldav.CalendarQuery{
			CompRequest: caldav.CalendarCompRequest{
				Name:     ical.CompCalendar,
				AllProps: true,
				AllComps: true,
			},
			CompFilter: caldav.CompFilter{
				Name: ical.CompCalendar,
				Comps: []caldav.CompFilter{{
					Name:  ical.CompEvent,
					Start: window.TimeMin.UTC(),
					End:   window.TimeMax.UTC(),
				}},
			},
		}

		c.logger.Debug("Querying calendar", "calendar", calendarName, "path", calendarPath,
			"timeMin", window.TimeMin.Format(time.RFC3339), "timeMax", window.TimeMax.Format(time.RFC3339))

		objects, err := c.caldavClient.QueryCalendar(ctx, calendarPath, query)
		if err != nil {
			yield(nil, classifyError(calendarName, err))
			return
		}

		var instances []instance
		for _, obj := range objects {
			if obj.Data == nil {
				yield(nil, fmt.Errorf("%w: calendar object %s has no data", models.ErrProvider, obj.Path))
				return
			}
			expanded, err := expandCalendar(obj.Data, window)
			if err != nil {
				yield(nil, fmt.Errorf("%w: calendar object %s: %w", models.ErrProvider, obj.Path, err))
				return
			}
			instances = append(instances, expanded...)
		}
		sortInstances(instances)

		c.logger.Debug("Expanded calendar objects", "calendar", calendarName, "objects", len(objects), "instances", len(instances))

		for i, inst := range instances {
			if i == window.MaxResults {
				return
			}
			if !yield(inst.toEvent(calendarName), nil) {
				return
			}
		}
	}
}

// calendarPath resolves a calendar name to its path, caching the lookup.
// A value that already looks like a path is used as is. Safe for concurrent use.
func (c *CalDAVClient) calendarPath(ctx context.Context, name string) (string, error) {
	if strings.HasPrefix(name, "/") {
		return name, nil
	}
	c.mu.RLock()
	p, ok := c.calendars[name]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.logger.Info("Finding calendar", "calendarName", name)
	p, err := c.findCalendar(ctx, name)
	if err != nil {
		return "", fmt.Errorf("could not find calendar '%s': %w", name, err)
	}
	c.mu.Lock()
	c.calendars[name] = p
	c.mu.Unlock()
	c.logger.Info("Successfully found calendar", "path", p)
	return p, nil
}

// findCalendar discovers the user's calendars and returns the path of the one with the matching name.
func (c *CalDAVClient) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}

	return "", fmt.Errorf("no calendar found with name '%s'", name)
}

// DiscoverCalendars returns the names of all calendars visible to the account.
func (c *CalDAVClient) DiscoverCalendars(ctx context.Context) ([]string, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, classifyError("principal", err)
	}
	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return nil, classifyError("home set", err)
	}
	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return nil, classifyError("calendars", err)
	}

	names := make([]string, 0, len(calendars))
	for _, cal := range calendars {
		names = append(names, cal.Name)
	}
	return names, nil
}

func classifyError(calendarName string, err error) error {
	if errors.Is(err, models.ErrAuth) {
		return fmt.Errorf("calendar %s: %w", calendarName, err)
	}
	return fmt.Errorf("%w: calendar %s: %w", models.ErrProvider, calendarName, err)
}
