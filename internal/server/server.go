// Package server exposes health checks and an on-demand ingestion trigger over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"calembed/internal/ingest"
	"calembed/internal/models"

	"github.com/gin-gonic/gin"
)

// Runner runs one ingestion for a calendar.
type Runner interface {
	Run(ctx context.Context, calendarID string) (ingest.Result, error)
}

// Pinger reports whether the sink is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the router.
type Options struct {
	// Calendars lists the calendar IDs that may be ingested.
	Calendars []string
	// APIKey, when set, is required in X-API-Key on ingestion routes.
	APIKey string
}

// runResponse is the JSON body of a finished run.
type runResponse struct {
	Calendar string `json:"calendar"`
	RunID    string `json:"run_id"`
	Fetched  int    `json:"fetched"`
	Written  int    `json:"written"`
	Error    string `json:"error,omitempty"`
}

type handler struct {
	logger *slog.Logger
	runner Runner
	opts   Options

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRouter wires public endpoints and the ingestion API.
// Public: /health, /ready
// Ingestion: POST /ingest, POST /ingest/:calendar
func NewRouter(logger *slog.Logger, runner Runner, pinger Pinger, opts Options) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	h := &handler{
		logger: logger.With("component", "server"),
		runner: runner,
		opts:   opts,
		locks:  make(map[string]*sync.Mutex),
	}

	r := gin.New()
	r.Use(gin.Recovery())

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms the sink is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := pinger.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	api := r.Group("/ingest")
	if opts.APIKey != "" {
		api.Use(apiKeyMiddleware(opts.APIKey))
	}
	api.POST("", h.ingestAll)
	api.POST("/:calendar", h.ingestOne)

	return r
}

func apiKeyMiddleware(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.TrimSpace(c.GetHeader("X-API-Key")) != key {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (h *handler) ingestOne(c *gin.Context) {
	calendarID := c.Param("calendar")
	if !slices.Contains(h.opts.Calendars, calendarID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown calendar"})
		return
	}

	resp, err := h.run(c.Request.Context(), calendarID)
	if err != nil {
		c.JSON(statusFor(err), resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ingestAll runs every configured calendar; the status is that of the first failure.
func (h *handler) ingestAll(c *gin.Context) {
	status := http.StatusOK
	out := make([]runResponse, 0, len(h.opts.Calendars))
	for _, id := range h.opts.Calendars {
		resp, err := h.run(c.Request.Context(), id)
		if err != nil && status == http.StatusOK {
			status = statusFor(err)
		}
		out = append(out, resp)
	}
	c.JSON(status, gin.H{"runs": out})
}

// run serializes runs per calendar.
func (h *handler) run(ctx context.Context, calendarID string) (runResponse, error) {
	lock := h.lockFor(calendarID)
	lock.Lock()
	defer lock.Unlock()

	res, err := h.runner.Run(ctx, calendarID)
	resp := runResponse{Calendar: calendarID, RunID: res.RunID, Fetched: res.Fetched, Written: res.Written}
	if err != nil {
		h.logger.Error("Ingestion request failed", "calendar", calendarID, "runID", res.RunID, "error", err)
		resp.Error = err.Error()
	}
	return resp, err
}

func (h *handler) lockFor(calendarID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.locks[calendarID]
	if !ok {
		l = &sync.Mutex{}
		h.locks[calendarID] = l
	}
	return l
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrProvider), errors.Is(err, models.ErrEmbedding):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ListenAndServe serves handler on addr until ctx is cancelled, then shuts down gracefully.
func ListenAndServe(ctx context.Context, logger *slog.Logger, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
