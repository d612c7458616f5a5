package alertapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/lifeline/internal/crisis"
	"github.com/linnemanlabs/lifeline/internal/export"
	"github.com/linnemanlabs/lifeline/internal/filter"
	"github.com/linnemanlabs/lifeline/internal/stats"
)

func (a *API) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	var in crisis.Alert
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return
	}

	rec, err := a.svc.Create(r.Context(), &in)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("lifeline.alert.id", rec.ID),
		attribute.String("lifeline.alert.source", string(rec.Source)),
		attribute.Int("lifeline.alert.tier", int(rec.Tier)),
	)

	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("lifeline.alert.id", id))

	rec, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// listResponse carries the filtered view plus the true counts over the whole
// working set, so the dashboard's filter buttons never lie.
type listResponse struct {
	Alerts []*crisis.Alert `json:"alerts"`
	Total  int             `json:"total"`
	Stats  stats.Summary   `json:"stats"`
	Filter filter.Filter   `json:"filter"`
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "tenant required"})
		return
	}

	f, err := filterFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	alerts, err := a.svc.List(r.Context(), tenantID, scopeFrom(r))
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listResponse{
		Alerts: f.Apply(alerts),
		Total:  len(alerts),
		Stats:  stats.Compute(alerts, a.now()),
		Filter: f,
	})
}

func (a *API) handleAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var act crisis.Action
	if err := json.NewDecoder(r.Body).Decode(&act); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("lifeline.alert.id", id),
		attribute.String("lifeline.action", string(act.Type)),
	)

	rec, err := a.svc.Apply(r.Context(), id, act)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("lifeline.alert.status", string(rec.Status)))

	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ch := crisis.Channel(chi.URLParam(r, "channel"))

	rec, err := a.svc.MarkDelivered(r.Context(), id, ch)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "tenant required"})
		return
	}

	f, err := filterFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	alerts, err := a.svc.List(r.Context(), tenantID, scopeFrom(r))
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.Filename(a.now())+`"`)

	written, skipped, err := export.Write(w, f.Apply(alerts))
	if err != nil {
		// headers are gone already; log and let the truncated body surface it
		a.logger.Error(r.Context(), err, "export aborted", "tenant_id", tenantID, "rows_written", written)
		return
	}
	for _, rowErr := range skipped {
		a.logger.Warn(r.Context(), "export skipped malformed record",
			"index", rowErr.Index, "alert_id", rowErr.ID, "reason", rowErr.Reason)
	}
	if a.metrics != nil {
		a.metrics.ExportRows.Add(float64(written))
	}
}

type statsResponse struct {
	Stats stats.Summary `json:"stats"`
	Trend *stats.Trend  `json:"trend,omitempty"`
	At    time.Time     `json:"at"`
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "tenant required"})
		return
	}

	alerts, err := a.svc.List(r.Context(), tenantID, scopeFrom(r))
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}

	prev, err := prevSummaryFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	summary := stats.Compute(alerts, a.now())
	writeJSON(w, http.StatusOK, statsResponse{
		Stats: summary,
		Trend: summary.TrendFrom(prev),
		At:    a.now().UTC(),
	})
}

// filterFromQuery builds the filter state from query params. Dates accept
// RFC 3339 or a bare date; a bare "to" date extends through the end of that
// day so the range stays inclusive.
func filterFromQuery(r *http.Request) (filter.Filter, error) {
	q := r.URL.Query()
	f := filter.Filter{
		Source:      crisis.Source(q.Get("source")),
		Status:      crisis.Status(q.Get("status")),
		Search:      q.Get("search"),
		PersonID:    q.Get("person_id"),
		ResponderID: q.Get("responder_id"),
	}

	if f.Source != "" && !f.Source.Valid() {
		return filter.Filter{}, &crisis.ValidationError{Field: "source", Reason: "unknown source " + string(f.Source)}
	}
	if f.Status != "" && !f.Status.Valid() {
		return filter.Filter{}, &crisis.ValidationError{Field: "status", Reason: "unknown status " + string(f.Status)}
	}

	if s := q.Get("tier"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || !crisis.Tier(n).Valid() {
			return filter.Filter{}, &crisis.ValidationError{Field: "tier", Reason: "must be 1..4"}
		}
		f.Tier = crisis.Tier(n)
	}

	var err error
	if f.From, err = parseQueryTime(q.Get("from"), false); err != nil {
		return filter.Filter{}, &crisis.ValidationError{Field: "from", Reason: "invalid date"}
	}
	if f.To, err = parseQueryTime(q.Get("to"), true); err != nil {
		return filter.Filter{}, &crisis.ValidationError{Field: "to", Reason: "invalid date"}
	}

	return f, nil
}

func parseQueryTime(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// prevSummaryFromQuery parses the optional previous-period counts used for
// trend deltas. All five must come together or not at all.
func prevSummaryFromQuery(r *http.Request) (*stats.Summary, error) {
	q := r.URL.Query()
	keys := []string{"prev_tier1_active", "prev_tier2_active", "prev_unread", "prev_active", "prev_resolved_last_30d"}

	var set int
	vals := make([]int, len(keys))
	for i, k := range keys {
		s := q.Get(k)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return nil, &crisis.ValidationError{Field: k, Reason: "must be a non-negative integer"}
		}
		vals[i] = n
		set++
	}
	if set == 0 {
		return nil, nil
	}
	if set != len(keys) {
		return nil, &crisis.ValidationError{Field: "prev", Reason: "all five prev_* params are required for a trend"}
	}

	return &stats.Summary{
		Tier1Active:    vals[0],
		Tier2Active:    vals[1],
		Unread:         vals[2],
		Active:         vals[3],
		ResolvedLast30: vals[4],
	}, nil
}
