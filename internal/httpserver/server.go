// Package httpserver exposes the negotiation engine over HTTP. Transport
// concerns (routing, payload validation, error mapping, throttling) live
// here; all domain rules stay in the session, scoring, and fallback
// packages.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quotient-labs/quotient/pkg/fallback"
	"github.com/quotient-labs/quotient/pkg/scoring"
	"github.com/quotient-labs/quotient/pkg/session"
	"github.com/quotient-labs/quotient/pkg/sla"
)

// ResolverLookup supplies the fallback resolver for a vertical's candidate
// surface. Returning nil means the vertical has no candidate surface.
type ResolverLookup func(vertical string) *fallback.Resolver

// Options configures a Server.
type Options struct {
	Engine    *session.Engine
	Monitor   *sla.Monitor
	Scorer    *scoring.Engine
	Resolvers ResolverLookup

	RateLimitRPS   float64
	RateLimitBurst int
}

// Server is the HTTP boundary.
type Server struct {
	engine    *session.Engine
	monitor   *sla.Monitor
	scorer    *scoring.Engine
	resolvers ResolverLookup
	limiter   *RateLimiter

	httpSrv *http.Server
}

// New creates a Server. Engine is required; the rest may be nil, which
// disables the corresponding surface.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	scorer := opts.Scorer
	if scorer == nil {
		scorer = scoring.NewEngine(scoring.DefaultWeights())
	}

	s := &Server{
		engine:    opts.Engine,
		monitor:   opts.Monitor,
		scorer:    scorer,
		resolvers: opts.Resolvers,
	}
	if opts.RateLimitRPS > 0 {
		burst := opts.RateLimitBurst
		if burst <= 0 {
			burst = int(opts.RateLimitRPS)
		}
		s.limiter = NewRateLimiter(opts.RateLimitRPS, burst)
	}
	return s, nil
}

// Router builds the chi router with all routes and middleware.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleSessionCreate)
			r.Get("/", s.handleSessionList)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleSessionGet)
				r.Patch("/", s.handleSessionUpdate)
				r.Post("/quotes", s.handleQuoteIngest)
				r.Get("/quotes/ranked", s.handleQuotesRanked)
			})
		})
		r.Post("/quotes/{quoteID}/reject", s.handleQuoteReject)
		r.Get("/candidates/{vertical}", s.handleCandidates)
	})

	return r
}

// Start begins serving on the given port and blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(port int) error {
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ts": time.Now().UTC()})
}
