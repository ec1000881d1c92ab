// Package api serves a read-only view of a CA ledger over HTTP: listing and
// lookup of issued certificates, allocator state and chain verification.
// Issuance and revocation are not exposed.
package api

import (
	"context"
	_ "embed"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/caledger/ledger"
	"github.com/jmcleod/caledger/serial"
)

// Ledger is the read side of ledger.Ledger.
type Ledger interface {
	Namespace() string
	Scan(ctx context.Context) iter.Seq2[ledger.Entry, error]
	Find(ctx context.Context, n serial.Number) (ledger.Entry, error)
	Verify(ctx context.Context) (*ledger.VerifyResult, error)
	ExportIndex(ctx context.Context, w io.Writer) (int, error)
}

// Allocator is the read side of serial.Allocator.
type Allocator interface {
	State(ctx context.Context) (*serial.State, error)
}

var (
	_ Ledger    = (*ledger.Ledger)(nil)
	_ Allocator = (*serial.Allocator)(nil)
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	ledger   Ledger
	alloc    Allocator
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	clock    clock.Clock
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithGatherer sets the registry served on /metrics. Default:
// prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *API) {
		a.gatherer = g
	}
}

// WithClock sets the clock used for reservation ages.
func WithClock(c clock.Clock) Option {
	return func(a *API) {
		a.clock = c
	}
}

// New creates a new API instance.
func New(l Ledger, alloc Allocator, opts ...Option) *API {
	a := &API{
		ledger:   l,
		alloc:    alloc,
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the complete server handler: health, metrics and the
// API mounted under /api/v1.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(a.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", a.Health)
	r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	r.Mount("/api/v1", a.Router())
	return r
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
		Title:   "caledger API",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
		Title:   "caledger API",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(SecurityHeaders)
		r.Get("/certificates", a.ListCertificates)
		r.Get("/certificates/{serial}", a.GetCertificate)
		r.Get("/allocator", a.GetAllocator)
		r.Get("/ledger/verify", a.VerifyLedger)
		r.Get("/ledger/index.txt", a.ExportIndex)
	})

	return r
}
