// Package api exposes job intake, job lookup and provider health over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrichment/internal/model"
	"github.com/sells-group/lead-enrichment/internal/resilience"
)

// OrgHeader carries the calling organization on every /v1 request.
const OrgHeader = "X-Organization-ID"

// MaxBatchSize caps the contacts accepted by one batch request.
const MaxBatchSize = 1000

// Submitter creates and enqueues jobs.
type Submitter interface {
	Submit(ctx context.Context, orgID, contactID string, fields []string, identity model.ContactIdentity) (*model.EnrichmentJob, error)
	SubmitBatch(ctx context.Context, orgID string, fields []string, reqs []model.EnrichmentRequest) ([]*model.EnrichmentJob, error)
}

// JobGetter loads a job by id.
type JobGetter interface {
	GetJob(ctx context.Context, id string) (*model.EnrichmentJob, error)
}

// HealthLister lists provider health records of an organization.
type HealthLister interface {
	List(ctx context.Context, orgID string) ([]model.ProviderHealth, error)
}

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the handlers.
type Deps struct {
	Intake Submitter
	Jobs   JobGetter
	Health HealthLister
	Policy resilience.CircuitPolicy
	// Checks are pinged by GET /health, keyed by name.
	Checks map[string]Pinger
	Now    func() time.Time
}

// Server is the HTTP intake server.
type Server struct {
	deps   Deps
	router chi.Router
	log    *zap.Logger
}

// NewServer builds the router. corsOrigins lists the allowed browser origins.
func NewServer(deps Deps, corsOrigins []string) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{
		deps:   deps,
		router: chi.NewRouter(),
		log:    zap.L().With(zap.String("component", "api")),
	}

	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(requestLogger(s.log))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", OrgHeader},
		MaxAge:         300,
	}))

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/v1", func(r chi.Router) {
		r.Use(requireOrg)
		r.Post("/jobs", s.handleSubmit)
		r.Post("/jobs/batch", s.handleSubmitBatch)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/health/providers", s.handleProviderHealth)
	})
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type orgKey struct{}

// requireOrg rejects /v1 requests without an organization header.
func requireOrg(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org := r.Header.Get(OrgHeader)
		if org == "" {
			writeError(w, http.StatusUnauthorized, OrgHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), orgKey{}, org)))
	})
}

func orgFrom(ctx context.Context) string {
	org, _ := ctx.Value(orgKey{}).(string)
	return org
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				log.Info("request completed",
					zap.String("request_id", chimiddleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
