// Package alertapi is the HTTP surface of the triage engine: detector
// ingest, responder actions, list/detail, stats, CSV export, delivery
// confirmations, and the SSE snapshot stream.
package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/lifeline/internal/crisis"
)

// CrisisService defines the business operations alertapi needs.
type CrisisService interface {
	Create(ctx context.Context, a *crisis.Alert) (*crisis.Alert, error)
	Apply(ctx context.Context, alertID string, act crisis.Action) (*crisis.Alert, error)
	Get(ctx context.Context, id string) (*crisis.Alert, bool, error)
	List(ctx context.Context, tenantID string, scope crisis.Scope) ([]*crisis.Alert, error)
	MarkDelivered(ctx context.Context, id string, ch crisis.Channel) (*crisis.Alert, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger  log.Logger
	svc     CrisisService
	store   crisis.Store    // change feed for live sessions
	metrics *crisis.Metrics // optional

	// machineAuth protects the detector ingest and dispatcher delivery
	// routes; nil means no transport auth (dev only).
	machineAuth func(http.Handler) http.Handler

	now func() time.Time
}

// New creates a new API handler. metrics and machineAuth may be nil.
func New(logger log.Logger, svc CrisisService, store crisis.Store, metrics *crisis.Metrics, machineAuth func(http.Handler) http.Handler) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("crisis service is required"))
	}
	if store == nil {
		panic(xerrors.New("crisis store is required"))
	}
	return &API{
		logger:      logger,
		svc:         svc,
		store:       store,
		metrics:     metrics,
		machineAuth: machineAuth,
		now:         time.Now,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		// machine-to-machine routes: detectors create, dispatchers confirm
		r.Group(func(r chi.Router) {
			if a.machineAuth != nil {
				r.Use(a.machineAuth)
			}
			r.Post("/alerts", a.handleIngestAlert)
			r.Post("/alerts/{id}/delivery/{channel}", a.handleMarkDelivered)
		})

		r.Get("/alerts", a.handleListAlerts)
		r.Get("/alerts/export", a.handleExport)
		r.Get("/alerts/{id}", a.handleGetAlert)
		r.Post("/alerts/{id}/actions", a.handleAction)
		r.Get("/stats", a.handleStats)
		r.Get("/stream", a.handleStream)
	})
}

// tenantFrom extracts the tenant identifier from the request. The portal
// gateway sets the header; the query param exists for curl and the SSE
// EventSource API, which cannot set headers.
func tenantFrom(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	return r.URL.Query().Get("tenant_id")
}

func scopeFrom(r *http.Request) crisis.Scope {
	return crisis.Scope{ResponderID: r.URL.Query().Get("scope_responder")}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDomainError maps domain errors onto HTTP statuses: malformed payloads
// are 422, lost races are 409 carrying the authoritative status, unknown ids
// are 404, a degraded store is 503, everything else is a 500 with the detail
// kept server-side.
func (a *API) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *crisis.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": ve.Error(),
			"field": ve.Field,
		})
		return
	}

	var pe *crisis.PreconditionError
	if errors.As(err, &pe) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  pe.Error(),
			"status": pe.Status,
			"actor":  pe.Actor,
		})
		return
	}

	if errors.Is(err, crisis.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return
	}

	if errors.Is(err, crisis.ErrUnavailable) {
		a.logger.Error(r.Context(), err, "store unavailable", "path", r.URL.Path)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "temporarily unavailable"})
		return
	}

	a.logger.Error(r.Context(), err, "request failed", "path", r.URL.Path)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
}
