// Package http serves the live views and the flow write operations as a JSON
// API, with a server-sent event stream for bundle updates.
package http

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"budgetflow/internal/core"
	"budgetflow/internal/log"
	"budgetflow/internal/publisher"
	"budgetflow/internal/services"
)

// Views is the read side: the current bundle, its updates and the shared
// search query.
type Views interface {
	Current() core.ViewBundle
	Subscribe(o publisher.Observer) (cancel func())
	SetQuery(q string) core.ViewBundle
	Report() publisher.Report
}

// Flows is the write side.
type Flows interface {
	Submit(ctx context.Context, in services.FlowInput) (core.Record, error)
	UpdateSteps(ctx context.Context, id string, steps []services.StepInput) (core.Record, error)
	AttachDocument(ctx context.Context, id string, stepIndex int, att services.Attachment) (core.Record, error)
}

// History lists the stored versions of a record.
type History interface {
	Lineage(ctx context.Context, id string) ([]core.Record, error)
}

// Pinger is a readiness dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

const (
	maxJSONBody       = 1 << 20
	maxAttachmentBody = 10 << 20
	defaultKeepAlive  = 25 * time.Second
)

type Server struct {
	http.Server
	views     Views
	flows     Flows
	history   History
	ready     map[string]Pinger
	docsDir   string
	docsPath  string
	limiter   *rateLimiter
	security  securityMetrics
	logger    *log.Logger
	keepAlive time.Duration
	started   time.Time
	closing   chan struct{}
	closeOnce sync.Once
}

type Option func(*Server)

func WithLogger(l *log.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l.WithComponent(log.ComponentHTTP)
		}
	}
}

func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithReadiness adds a dependency checked by /readyz.
func WithReadiness(name string, p Pinger) Option {
	return func(s *Server) {
		if p != nil {
			s.ready[name] = p
		}
	}
}

// WithDocuments serves a local document directory under urlPath, matching
// the base URL the local document store hands out.
func WithDocuments(urlPath, dir string) Option {
	return func(s *Server) {
		s.docsPath = "/" + strings.Trim(urlPath, "/") + "/"
		s.docsDir = dir
	}
}

// WithRateLimit limits write requests per client IP and minute. Zero or
// less disables limiting.
func WithRateLimit(perMinute int) Option {
	return func(s *Server) {
		if perMinute > 0 {
			s.limiter = newRateLimiter(perMinute)
		}
	}
}

func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepAlive = d
		}
	}
}

func NewServer(addr string, views Views, flows Flows, opts ...Option) *Server {
	s := &Server{
		views:     views,
		flows:     flows,
		ready:     map[string]Pinger{},
		logger:    log.Discard(),
		keepAlive: defaultKeepAlive,
		started:   time.Now(),
		closing:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.Server = http.Server{
		Addr:              addr,
		Handler:           s.trace(securityHeaders(s.routes())),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: the view stream is long-lived.
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.HandleFunc("GET /api/views", s.handleViews)
	mux.HandleFunc("GET /api/views/stream", s.handleViewStream)
	mux.HandleFunc("PUT /api/query", s.handleSetQuery)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/export.xlsx", s.handleExport)

	mux.HandleFunc("POST /api/flows", s.write(s.handleSubmit))
	mux.HandleFunc("PUT /api/flows/{id}/steps", s.write(s.handleUpdateSteps))
	mux.HandleFunc("POST /api/flows/{id}/steps/{index}/attachment", s.write(s.handleAttach))
	mux.HandleFunc("GET /api/flows/{id}/versions", s.handleVersions)

	if s.docsDir != "" {
		mux.Handle("GET "+s.docsPath, http.StripPrefix(s.docsPath, http.FileServer(http.Dir(s.docsDir))))
	}
	return mux
}

func (s *Server) write(h http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return h
	}
	return s.limiter.limit(&s.security, h)
}

// Shutdown ends open view streams, stops accepting requests and waits for
// in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return s.Server.Shutdown(ctx)
}
