// Package ingest runs the fetch, canonicalize, embed and upsert pipeline for one calendar.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"calembed/internal/embedding"
	"calembed/internal/models"
	"calembed/internal/sink"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StatusConfirmed is written to the status column of every row.
const StatusConfirmed = "confirmed"

const tracerName = "calembed/internal/ingest"

// Source lists the events of one calendar as a lazy, single-pass sequence.
// Each pair carries either an event or an error, never neither; Run rejects a
// nil event as a provider failure.
type Source interface {
	FetchEvents(ctx context.Context, calendarID string, opts models.FetchOptions) iter.Seq2[*models.Event, error]
}

// Writer persists a batch of rows atomically.
type Writer interface {
	Upsert(ctx context.Context, rows []sink.Row) error
}

// Result summarizes one run.
type Result struct {
	RunID string
	// Fetched counts events read from the source.
	Fetched int
	// Written counts rows upserted, or that would have been in a dry run.
	Written int
}

// Pipeline ingests calendar events into a sink. Its collaborators are fixed at
// construction; a Pipeline may run many times but callers serialize runs per calendar.
type Pipeline struct {
	source   Source
	embedder embedding.Embedder
	writer   Writer
	columns  sink.Columns

	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
	window func(now time.Time) models.FetchOptions
	dryRun bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithDryRun runs everything except the sink write.
func WithDryRun(dryRun bool) Option {
	return func(p *Pipeline) { p.dryRun = dryRun }
}

// WithClock sets the clock used for the updated_at column.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithWindow sets how each run derives its fetch window from the run clock.
// Without it the source applies its default window.
func WithWindow(window func(now time.Time) models.FetchOptions) Option {
	return func(p *Pipeline) { p.window = window }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// NewPipeline wires a pipeline. columns is the sink's known column set, read once
// at startup; rows are projected onto it.
func NewPipeline(source Source, embedder embedding.Embedder, writer Writer, columns sink.Columns, opts ...Option) (*Pipeline, error) {
	switch {
	case source == nil:
		return nil, errors.New("ingest: source is required")
	case embedder == nil:
		return nil, errors.New("ingest: embedder is required")
	case writer == nil:
		return nil, errors.New("ingest: writer is required")
	case !columns.Has(sink.KeyColumn):
		return nil, fmt.Errorf("ingest: sink columns must include %q", sink.KeyColumn)
	}

	p := &Pipeline{
		source:   source,
		embedder: embedder,
		writer:   writer,
		columns:  columns,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "ingest")
	return p, nil
}

// Run ingests calendarID. An empty calendar is not an error: the result has
// Written == 0 and the sink is not touched. Any failure leaves the sink unchanged.
func (p *Pipeline) Run(ctx context.Context, calendarID string) (res Result, err error) {
	res.RunID = uuid.NewString()
	logger := p.logger.With("runID", res.RunID, "calendar", calendarID)

	ctx, span := p.tracer.Start(ctx, "ingest.run", trace.WithAttributes(
		attribute.String("calendar.id", calendarID),
		attribute.String("run.id", res.RunID),
		attribute.String("embedding.provider", p.embedder.Name()),
		attribute.Bool("dry_run", p.dryRun),
	))
	defer func() {
		span.SetAttributes(attribute.Int("events.fetched", res.Fetched), attribute.Int("rows.written", res.Written))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger.Info("Starting ingestion run")
	now := p.now().UTC()
	var fetch models.FetchOptions
	if p.window != nil {
		fetch = p.window(now)
	}

	var batch []sink.Row
	for ev, fetchErr := range p.source.FetchEvents(ctx, calendarID, fetch) {
		if fetchErr != nil {
			logger.Error("Could not fetch events", "error", fetchErr)
			return res, sourceError(calendarID, fetchErr)
		}
		if ev == nil {
			logger.Error("Source yielded a nil event", "index", res.Fetched)
			return res, fmt.Errorf("%w: calendar %s: nil event at index %d", models.ErrProvider, calendarID, res.Fetched)
		}
		res.Fetched++

		text := models.Canonicalize(*ev)
		vec, embedErr := p.embed(ctx, ev.ID, text)
		if embedErr != nil {
			logger.Error("Could not embed event", "eventID", ev.ID, "index", res.Fetched-1, "error", embedErr)
			return res, fmt.Errorf("%w: event %s: %w", models.ErrEmbedding, ev.ID, embedErr)
		}
		logger.Debug("Embedded event", "eventID", ev.ID, "dimensions", len(vec))

		batch = append(batch, sink.Project(candidateRow(ev, text, vec, now), p.columns))
	}

	if len(batch) == 0 {
		logger.Info("Nothing to ingest")
		return res, nil
	}

	if p.dryRun {
		res.Written = len(batch)
		logger.Info("[DRY RUN] Would upsert rows", "count", len(batch))
		return res, nil
	}

	if err := p.upsert(ctx, batch); err != nil {
		logger.Error("Could not write batch", "count", len(batch), "error", err)
		return res, err
	}
	res.Written = len(batch)

	logger.Info("Ingestion run finished", "fetched", res.Fetched, "written", res.Written)
	return res, nil
}

// RunAll ingests each calendar in turn. A failing calendar is logged and the
// rest still run; the returned error joins every failure.
func (p *Pipeline) RunAll(ctx context.Context, calendarIDs []string) ([]Result, error) {
	results := make([]Result, 0, len(calendarIDs))
	var errs []error
	for _, id := range calendarIDs {
		res, err := p.Run(ctx, id)
		results = append(results, res)
		if err != nil {
			p.logger.Error("Calendar ingestion failed", "calendar", id, "error", err)
			errs = append(errs, fmt.Errorf("calendar %s: %w", id, err))
		}
	}
	return results, errors.Join(errs...)
}

func (p *Pipeline) embed(ctx context.Context, eventID, text string) (embedding.Vector, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.embed", trace.WithAttributes(attribute.String("event.id", eventID)))
	defer span.End()

	vec, err := p.embedder.Embed(ctx, text)
	if err == nil && len(vec) == 0 {
		err = errors.New("empty vector")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return vec, nil
}

func (p *Pipeline) upsert(ctx context.Context, batch []sink.Row) error {
	ctx, span := p.tracer.Start(ctx, "ingest.upsert", trace.WithAttributes(attribute.Int("rows", len(batch))))
	defer span.End()

	err := p.writer.Upsert(ctx, batch)
	if err == nil {
		return nil
	}
	if !errors.Is(err, models.ErrStorage) {
		err = fmt.Errorf("%w: %w", models.ErrStorage, err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// candidateRow holds every column the pipeline can fill; Project trims it to the sink.
func candidateRow(ev *models.Event, text string, vec embedding.Vector, now time.Time) sink.Row {
	participants := ev.Participants
	if participants == nil {
		participants = []string{}
	}
	return sink.Row{
		"id":            ev.ID,
		"title":         ev.Title,
		"description":   ev.Description,
		"location":      ev.Location,
		"participants":  participants,
		"start_ts":      ev.StartTS,
		"end_ts":        ev.EndTS,
		"combined_text": text,
		"calendar_name": ev.CalendarType,
		"source":        ev.Calendar,
		"status":        StatusConfirmed,
		"updated_at":    now,
		"message":       []float32(vec),
	}
}

func sourceError(calendarID string, err error) error {
	if errors.Is(err, models.ErrAuth) || errors.Is(err, models.ErrProvider) {
		return err
	}
	return fmt.Errorf("%w: calendar %s: %w", models.ErrProvider, calendarID, err)
}
