package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/picturas/orchestrator/core/catalog"
	"github.com/picturas/orchestrator/core/infra/logging"
	"github.com/picturas/orchestrator/core/infra/metrics"
	"github.com/picturas/orchestrator/core/notify"
	"github.com/picturas/orchestrator/core/pipeline"
)

// engine is the dispatcher surface the HTTP layer needs.
type engine interface {
	StartFull(ctx context.Context, projectID, userID string) (*pipeline.StartReport, error)
	StartPreview(ctx context.Context, projectID, userID, imageID string) (string, error)
	Cancel(ctx context.Context, projectID string) (int, error)
}

// resultLister reads finalized artifacts for the results endpoint.
type resultLister interface {
	ListResults(ctx context.Context, projectID string) ([]pipeline.Artifact, error)
}

// busStatus exposes bus health for the health endpoint.
type busStatus interface {
	IsConnected() bool
	ConnectedURL() string
}

func newMux(eng engine, results resultLister, hub *notify.Hub, status busStatus) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		natsConnected := false
		natsURL := ""
		if status != nil {
			natsConnected = status.IsConnected()
			natsURL = status.ConnectedURL()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"time": time.Now().UTC().Format(time.RFC3339),
			"nats": map[string]any{"connected": natsConnected, "url": natsURL},
		})
	})
	mux.Handle("GET /metrics", metrics.Handler())
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.ServeWS)
	}

	mux.HandleFunc("POST /projects/{project}/process", func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		report, err := eng.StartFull(r.Context(), r.PathValue("project"), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		code := http.StatusCreated
		if len(report.Failed) > 0 {
			code = http.StatusMultiStatus
		}
		writeJSON(w, code, report)
	})

	mux.HandleFunc("POST /projects/{project}/preview/{image}", func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		corr, err := eng.StartPreview(r.Context(), r.PathValue("project"), userID, r.PathValue("image"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"correlationId": corr})
	})

	mux.HandleFunc("POST /projects/{project}/cancel", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireUser(w, r); !ok {
			return
		}
		n, err := eng.Cancel(r.Context(), r.PathValue("project"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
	})

	mux.HandleFunc("GET /projects/{project}/results", func(w http.ResponseWriter, r *http.Request) {
		if results == nil {
			http.Error(w, "results unavailable", http.StatusServiceUnavailable)
			return
		}
		rows, err := results.ListResults(r.Context(), r.PathValue("project"))
		if err != nil {
			writeError(w, err)
			return
		}
		if rows == nil {
			rows = []pipeline.Artifact{}
		}
		writeJSON(w, http.StatusOK, rows)
	})

	return mux
}

// requireUser resolves the acting user from the X-User-Id header set by
// the API gateway, or a user query parameter for direct calls.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		userID = r.URL.Query().Get("user")
	}
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("ORCHESTRATOR", "write response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrEmptyPipeline), errors.Is(err, pipeline.ErrInvalidPipeline):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrQuotaExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, pipeline.ErrImageNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
