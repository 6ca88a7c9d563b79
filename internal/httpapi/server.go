// Package httpapi exposes ingestion, record and audit reads, and rule and
// priority administration over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"announce_dedup/internal/model"
)

// Store is the persistence the API reads and administers.
type Store interface {
	GetRecord(ctx context.Context, id string) (*model.AnnouncementRecord, error)
	CountRecords(ctx context.Context) (int64, error)
	ListLog(ctx context.Context, q model.LogQuery) ([]model.DuplicateLogEntry, error)
	CountLog(ctx context.Context) (int64, error)

	UpsertRule(ctx context.Context, rule model.DomainKeyRule) error
	GetRule(ctx context.Context, domain string) (*model.DomainKeyRule, error)
	ListRules(ctx context.Context) ([]model.DomainKeyRule, error)
	DeleteRule(ctx context.Context, domain string) error

	SetPriority(ctx context.Context, entry model.PriorityEntry) error
	ListPriorities(ctx context.Context) ([]model.PriorityEntry, error)
	DeletePriority(ctx context.Context, sourceType model.SourceType) error
}

// Ingester stores raw announcements.
type Ingester interface {
	Ingest(ctx context.Context, raw model.RawAnnouncement) (model.AnnouncementRecord, model.DuplicateLogEntry, error)
}

// Invalidator drops cached rules after an administrative write.
type Invalidator interface {
	Invalidate()
}

// Options configures the listener.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server is the HTTP API.
type Server struct {
	store    Store
	ingester Ingester
	rules    Invalidator
	logger   zerolog.Logger
	opts     Options
	now      func() time.Time
}

// NewServer creates a Server. rules may be nil when no cache needs to be
// told about rule changes.
func NewServer(store Store, ingester Ingester, rules Invalidator, logger zerolog.Logger, opts Options) *Server {
	if strings.TrimSpace(opts.Addr) == "" {
		opts.Addr = ":8080"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		store:    store,
		ingester: ingester,
		rules:    rules,
		logger:   logger,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handler builds the router.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := s.logger.Info()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				ev = s.logger.Error().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)

	api.POST("/announcements", s.handleIngest)
	api.GET("/records/:id", s.handleRecord)
	api.GET("/audit", s.handleAudit)

	api.GET("/rules", s.handleListRules)
	api.GET("/rules/:domain", s.handleGetRule)
	api.PUT("/rules/:domain", s.handlePutRule)
	api.DELETE("/rules/:domain", s.handleDeleteRule)

	api.GET("/priorities", s.handleListPriorities)
	api.PUT("/priorities/:source_type", s.handlePutPriority)
	api.DELETE("/priorities/:source_type", s.handleDeletePriority)

	return e
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.store == nil || s.ingester == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.Handler()
	httpServer := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("http server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", s.opts.Addr).Msg("http server started")
	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if v, ok := he.Message.(string); ok && strings.TrimSpace(v) != "" {
			message = v
		} else if text := http.StatusText(status); text != "" {
			message = text
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("uri", c.Request().RequestURI).Msg("unhandled http error")
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message, nil)
}

func (s *Server) invalidateRules() {
	if s.rules != nil {
		s.rules.Invalidate()
	}
}
