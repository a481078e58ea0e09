// Package api is the Control/Admin API surface (spec §6): the exact REST
// contract for device CRUD, print submission, recent-job listing, and
// liveness/metrics. Grounded on the teacher's server/handlers package's
// dependency-injection shape (handlers/deps.go's APIOptions) and its
// health.go handler pair, generalized from "PrintMaster's fleet of
// agents/printers" onto "LabelBerry's fleet of devices."
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"labelberry/common/logger"
	"labelberry/server/internal/dispatcher"
	"labelberry/server/internal/registry"
	"labelberry/server/internal/store"
)

// Options wires the API's cross-cutting infrastructure, mirroring the
// teacher's handlers.APIOptions dependency-injection struct.
type Options struct {
	Store      store.Store
	Dispatcher *dispatcher.Dispatcher
	Registry   *registry.Registry
	Log        *logger.Logger

	// SessionAuth wraps handlers requiring an authenticated UI session
	// (spec §6 device CRUD routes). Device CRUD's session-auth
	// mechanics (cookies, SSO, etc.) are an external collaborator per
	// spec.md §1 — this middleware is the seam a real implementation
	// plugs into; it is a pass-through stub until that collaborator
	// exists, matching the teacher's own "placeholder for future auth"
	// AgentPrincipal note in its main.go.
	SessionAuth func(http.HandlerFunc) http.HandlerFunc

	Version   string
	BuildTime string
}

// API holds the handler state for one server instance.
type API struct {
	opts Options
}

// New constructs the API with default (pass-through) session auth if none given.
func New(opts Options) *API {
	if opts.SessionAuth == nil {
		opts.SessionAuth = func(h http.HandlerFunc) http.HandlerFunc { return h }
	}
	return &API{opts: opts}
}

// Router builds the full route table from spec.md §6's "HTTP — server" table.
func (a *API) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/api/pis", a.opts.SessionAuth(a.handleCreateDevice)).Methods(http.MethodPost)
	r.HandleFunc("/api/pis", a.handleListDevices).Methods(http.MethodGet)
	r.HandleFunc("/api/pis/{id}", a.handleGetDevice).Methods(http.MethodGet)
	r.HandleFunc("/api/pis/{id}", a.opts.SessionAuth(a.handleUpdateDevice)).Methods(http.MethodPut)
	r.HandleFunc("/api/pis/{id}", a.opts.SessionAuth(a.handleDeleteDevice)).Methods(http.MethodDelete)

	r.HandleFunc("/api/pis/{id}/print", a.bearerAuth(a.handlePrint)).Methods(http.MethodPost)
	r.HandleFunc("/api/recent-jobs", a.bearerAuth(a.handleRecentJobs)).Methods(http.MethodGet)

	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}
