package alertapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/linnemanlabs/lifeline/internal/livesync"
)

// handleStream serves the live snapshot feed over SSE. One session per
// connection; the session's change feed subscription ends when the client
// disconnects. Every event carries the full snapshot including the stale
// flag, so a degraded feed is visible to the viewer rather than a silent
// freeze.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}

	sess := livesync.NewSession(a.store, a.logger, a.metrics, tenantID, scopeFrom(r))
	if !f.IsZero() {
		sess.SetFilter(f)
	}

	ctx := r.Context()
	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			// client went away; ctx cancellation unwinds Run and the
			// store subscription with it
			<-runErr
			return

		case err := <-runErr:
			if err != nil {
				a.logger.Error(ctx, err, "live session failed", "tenant_id", tenantID)
				fmt.Fprint(w, "event: error\ndata: {\"error\":\"session failed\"}\n\n")
				flusher.Flush()
			}
			return

		case snap := <-sess.Snapshots():
			data, err := json.Marshal(snap)
			if err != nil {
				a.logger.Error(ctx, err, "snapshot marshal failed", "tenant_id", tenantID)
				continue
			}
			fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
