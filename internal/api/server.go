// Package api exposes the gateway over REST/JSON. The HTTP layer is a thin
// presentation skin: it authenticates, translates bodies and headers, and
// delegates everything else to the router pipeline.
package api

import (
	"log"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loa-finn/hounfour/internal/budget"
	"github.com/loa-finn/hounfour/internal/health"
	"github.com/loa-finn/hounfour/internal/identity"
	"github.com/loa-finn/hounfour/internal/metrics"
	"github.com/loa-finn/hounfour/internal/registry"
	"github.com/loa-finn/hounfour/internal/router"
	"github.com/loa-finn/hounfour/internal/scheduler"
	"github.com/loa-finn/hounfour/internal/x402"
)

// Payments bundles the optional x402 pipeline. A nil Payments disables the
// 402 exchange entirely.
type Payments struct {
	Quoter   *x402.Quoter
	Verifier *x402.Verifier
	Settler  *x402.Settler
	Credits  *x402.CreditLedger
}

// Server wires the gateway components behind the HTTP surface.
type Server struct {
	router    *router.Router
	verifier  *identity.Verifier
	registry  *registry.Registry
	budget    *budget.Enforcer
	prober    *health.Prober
	scheduler *scheduler.Scheduler
	payments  *Payments
	metrics   *metrics.Metrics

	strictPoolMode bool
	logger         *log.Logger
}

type Config struct {
	Router         *router.Router
	Verifier       *identity.Verifier
	Registry       *registry.Registry
	Budget         *budget.Enforcer
	Prober         *health.Prober
	Scheduler      *scheduler.Scheduler
	Payments       *Payments
	Metrics        *metrics.Metrics
	StrictPoolMode bool
}

func NewServer(cfg Config) *Server {
	return &Server{
		router:         cfg.Router,
		verifier:       cfg.Verifier,
		registry:       cfg.Registry,
		budget:         cfg.Budget,
		prober:         cfg.Prober,
		scheduler:      cfg.Scheduler,
		payments:       cfg.Payments,
		metrics:        cfg.Metrics,
		strictPoolMode: cfg.StrictPoolMode,
		logger:         log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Routes builds the full route table.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.authMiddleware)
	v1.HandleFunc("/invoke", s.handleInvoke).Methods("POST")
	v1.HandleFunc("/ensemble", s.handleEnsemble).Methods("POST")

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/bindings", s.handleBindings).Methods("GET")
	admin.HandleFunc("/circuits", s.handleCircuits).Methods("GET")
	admin.HandleFunc("/budgets/{scope}", s.handleBudgetSnapshot).Methods("GET")
	admin.HandleFunc("/scheduler", s.handleSchedulerStatus).Methods("GET")

	return r
}
