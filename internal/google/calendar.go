package google

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"calembed/internal/models"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// ProviderName is stored as the event's calendar source.
const ProviderName = "google"

// maxPageSize is the largest page the Events.List endpoint accepts.
const maxPageSize = 2500

// CalendarClient provides a client for interacting with the Google Calendar API.
type CalendarClient struct {
	service *calendar.Service
	logger  *slog.Logger
	now     func() time.Time
}

// NewClient creates a new Google Calendar client.
// Credentials are obtained from creds before the service is built, so a missing
// or unrefreshable token fails here with models.ErrAuth. Extra options are applied
// after the authenticated HTTP client and may override it.
func NewClient(ctx context.Context, logger *slog.Logger, creds CredentialSupplier, opts ...option.ClientOption) (*CalendarClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tokens, err := creds.Credentials(ctx)
	if err != nil {
		return nil, err
	}

	clientOpts := append([]option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, tokens))}, opts...)
	service, err := calendar.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return &CalendarClient{
		service: service,
		logger:  logger.With("component", "google-calendar"),
		now:     time.Now,
	}, nil
}

// FetchEvents lazily lists events of calendarID inside the window given by opts.
// Recurring events are expanded into single instances and ordered by start time.
// Pages are requested only as the consumer advances; the sequence can be ranged once.
// A failed page request is yielded as an error wrapping models.ErrProvider
// (or models.ErrAuth for rejected credentials) and ends the sequence.
func (c *CalendarClient) FetchEvents(ctx context.Context, calendarID string, opts models.FetchOptions) iter.Seq2[*models.Event, error] {
	return func(yield func(*models.Event, error) bool) {
		window := opts.WithDefaults(c.now().UTC())
		pageSize := min(window.MaxResults, maxPageSize)
		remaining := window.MaxResults

		c.logger.Debug("Fetching events", "calendarID", calendarID,
			"timeMin", window.TimeMin.Format(time.RFC3339), "timeMax", window.TimeMax.Format(time.RFC3339))

		call := c.service.Events.List(calendarID).
			ShowDeleted(false).
			SingleEvents(true).
			TimeMin(window.TimeMin.UTC().Format(time.RFC3339)).
			TimeMax(window.TimeMax.UTC().Format(time.RFC3339)).
			OrderBy("startTime").
			MaxResults(int64(pageSize))

		pages := 0
		for {
			events, err := call.Context(ctx).Do()
			if err != nil {
				yield(nil, classifyError(calendarID, err))
				return
			}
			pages++
			c.logger.Debug("Fetched events page", "calendarID", calendarID, "page", pages, "count", len(events.Items))

			for _, item := range events.Items {
				if item == nil {
					continue
				}
				if item.Id == "" {
					yield(nil, fmt.Errorf("%w: calendar %s returned an event without an id", models.ErrProvider, calendarID))
					return
				}
				if !yield(toInternalEvent(item, calendarID), nil) {
					return
				}
				remaining--
				if remaining == 0 {
					return
				}
			}

			if events.NextPageToken == "" {
				return
			}
			call = call.PageToken(events.NextPageToken)
		}
	}
}

// DiscoverCalendars finds all calendars associated with the authenticated account.
func (c *CalendarClient) DiscoverCalendars(ctx context.Context) ([]string, error) {
	list, err := c.service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, classifyError("calendarList", err)
	}

	var calendarIDs []string
	for _, item := range list.Items {
		calendarIDs = append(calendarIDs, item.Id)
	}
	return calendarIDs, nil
}

// toInternalEvent converts a Google Calendar event to the internal Event model.
func toInternalEvent(item *calendar.Event, calendarID string) *models.Event {
	participants := make([]string, 0, len(item.Attendees))
	for _, a := range item.Attendees {
		if a == nil {
			continue
		}
		name := a.Email
		if name == "" {
			name = a.DisplayName
		}
		if name != "" {
			participants = append(participants, name)
		}
	}

	return &models.Event{
		ID:           item.Id,
		Title:        item.Summary,
		Description:  item.Description,
		Location:     item.Location,
		Participants: participants,
		Calendar:     ProviderName,
		CalendarType: calendarID,
		StartTS:      toISO(item.Start),
		EndTS:        toISO(item.End),
	}
}

// toISO keeps a timed value verbatim and pins a date-only value to midnight UTC.
func toISO(dt *calendar.EventDateTime) string {
	if dt == nil {
		return ""
	}
	if dt.DateTime != "" {
		return dt.DateTime
	}
	if dt.Date != "" {
		return dt.Date + "T00:00:00Z"
	}
	return ""
}

// classifyError tags an API failure as an auth or provider error.
func classifyError(calendarID string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden) {
		return fmt.Errorf("%w: calendar %s rejected credentials: %w", models.ErrAuth, calendarID, err)
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%w: token refresh failed: %w", models.ErrAuth, err)
	}
	return fmt.Errorf("%w: failed to retrieve events for %s: %w", models.ErrProvider, calendarID, err)
}
