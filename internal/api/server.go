// Package api exposes the enforcement engine over HTTP. Handlers are thin:
// they decode, call a service, and translate errors to status codes.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sells-group/safeguard/internal/capability"
	"github.com/sells-group/safeguard/internal/compiler"
	"github.com/sells-group/safeguard/internal/devicesync"
	"github.com/sells-group/safeguard/internal/dispatch"
	"github.com/sells-group/safeguard/internal/store"
	"github.com/sells-group/safeguard/internal/syncer"
)

// Server wires the HTTP surface to the engine's services.
type Server struct {
	router   *chi.Mux
	store    store.Store
	compiler *compiler.Compiler
	dispatch *dispatch.Dispatcher
	syncer   *syncer.Syncer
	devices  *devicesync.Service
	caps     *capability.Registry
}

// NewServer builds the router with all routes registered. allowedOrigins
// feeds the CORS middleware; empty means same-origin only.
func NewServer(
	st store.Store,
	comp *compiler.Compiler,
	disp *dispatch.Dispatcher,
	sync *syncer.Syncer,
	devices *devicesync.Service,
	caps *capability.Registry,
	allowedOrigins []string,
) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		store:    st,
		compiler: comp,
		dispatch: disp,
		syncer:   sync,
		devices:  devices,
		caps:     caps,
	}
	s.routes(allowedOrigins)
	return s
}

func (s *Server) routes(allowedOrigins []string) {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
			AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		}))
	}

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/children", func(r chi.Router) {
			r.Post("/", s.handleCreateChild)
			r.Route("/{childID}", func(r chi.Router) {
				r.Get("/", s.handleGetChild)
				r.Get("/ruleset", s.handleGetRuleSet)
				r.Get("/policies", s.handleListPolicies)
				r.Post("/policies", s.handleCreatePolicy)
				r.Post("/enforce", s.handleTriggerEnforce)
				r.Get("/sources", s.handleListSources)
				r.Post("/sources", s.handleCreateSource)
			})
		})

		r.Route("/policies/{policyID}", func(r chi.Router) {
			r.Get("/", s.handleGetPolicy)
			r.Patch("/", s.handleUpdatePolicy)
			r.Delete("/", s.handleDeletePolicy)
			r.Get("/rules", s.handleListRules)
			r.Route("/rules/{category}", func(r chi.Router) {
				r.Put("/", s.handleUpsertRule)
				r.Delete("/", s.handleDeleteRule)
			})
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Post("/retry", s.handleRetryJob)
				r.Post("/cancel", s.handleCancelJob)
			})
		})

		r.Route("/sources/{sourceID}", func(r chi.Router) {
			r.Get("/", s.handleGetSource)
			r.Post("/sync", s.handleTriggerSync)
		})
		r.Get("/sync-jobs/{jobID}", s.handleGetSyncJob)

		r.Route("/devices", func(r chi.Router) {
			r.Post("/", s.handleRegisterDevice)
			r.Get("/{deviceID}/policy", s.handlePollDevice)
			r.Post("/{deviceID}/report", s.handleDeviceReport)
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Get("/", s.handleListWebhooks)
			r.Post("/", s.handleCreateWebhook)
			r.Delete("/{webhookID}", s.handleDeleteWebhook)
		})
		r.Get("/deliveries/failed", s.handleFailedDeliveries)

		r.Route("/families/{familyID}/links", func(r chi.Router) {
			r.Get("/", s.handleListLinks)
			r.Put("/{platformID}", s.handleUpsertLink)
		})

		r.Get("/platforms", s.handleListPlatforms)
	})
}

// ServeHTTP lets Server be used as a standard http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
