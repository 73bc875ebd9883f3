// Package httpapi is the thin HTTP adapter over the retrieval engine and
// extended-retention manager (§4.10): GET /files/{uid}, PUT
// /files/{uid}/retention-policy, GET /health. Routing uses the standard
// library net/http.ServeMux method+pattern matching, the same
// no-router-framework shape as the teacher's internal/s3 package.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/deslabs/des/internal/backend"
	"github.com/deslabs/des/internal/retention"
	"github.com/deslabs/des/internal/router"
	"github.com/deslabs/des/internal/shard"
)

// Getter is the subset of the retrieval surface the HTTP layer needs.
// Both *retrieval.Engine and *zone.Dispatcher satisfy it.
type Getter interface {
	Get(ctx context.Context, uid []byte, createdAt time.Time) ([]byte, error)
}

// Handler wires a Getter and an extended-retention Manager to the
// three §4.10 routes.
type Handler struct {
	Getter    Getter
	Retention *retention.Manager
	Logger    *slog.Logger
}

// NewMux builds the routed ServeMux, wrapped in request logging.
func (h *Handler) NewMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /files/{uid}", h.handleGetFile)
	mux.HandleFunc("PUT /files/{uid}/retention-policy", h.handleRetentionPolicy)
	mux.HandleFunc("GET /health", h.handleHealth)
	return h.loggingMiddleware(mux)
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) handleGetFile(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	if uid == "" {
		writeError(w, http.StatusBadRequest, "uid path segment required")
		return
	}
	createdAtStr := r.URL.Query().Get("created_at")
	if createdAtStr == "" {
		writeError(w, http.StatusBadRequest, "created_at query parameter required")
		return
	}
	createdAt, err := time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "created_at must be RFC3339")
		return
	}

	// The retention overlay is consulted first; a tombstone there is
	// reported as ErrNotFound and the shard is never read.
	var data []byte
	hit := false
	if h.Retention != nil {
		data, hit, err = h.Retention.Probe(r.Context(), []byte(uid), createdAt)
		if err != nil {
			h.writeGetError(w, err)
			return
		}
	}
	if !hit {
		data, err = h.Getter.Get(r.Context(), []byte(uid), createdAt)
		if err != nil {
			h.writeGetError(w, err)
			return
		}
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) writeGetError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shard.ErrNotFound), errors.Is(err, backend.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, backend.ErrBackend):
		writeError(w, http.StatusBadGateway, "backend error")
	case errors.Is(err, shard.ErrCorruptShard):
		writeError(w, http.StatusInternalServerError, "corrupt shard")
	case errors.Is(err, router.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type retentionPolicyRequest struct {
	CreatedAt  string `json:"created_at"`
	DueDate    string `json:"due_date,omitempty"`
	Tombstone  bool   `json:"tombstone,omitempty"`
}

type retentionPolicyResponse struct {
	UID            string `json:"uid"`
	CreatedAt      string `json:"created_at"`
	Location       string `json:"location"`
	RetentionUntil string `json:"retention_until,omitempty"`
	Action         string `json:"action"`
}

func (h *Handler) handleRetentionPolicy(w http.ResponseWriter, r *http.Request) {
	if h.Retention == nil {
		writeError(w, http.StatusInternalServerError, "retention manager not configured")
		return
	}
	uid := r.PathValue("uid")
	if uid == "" {
		writeError(w, http.StatusBadRequest, "uid path segment required")
		return
	}

	var req retentionPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CreatedAt == "" {
		writeError(w, http.StatusBadRequest, "created_at required")
		return
	}
	createdAt, err := time.Parse(time.RFC3339, req.CreatedAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "created_at must be RFC3339")
		return
	}
	if req.Tombstone && req.DueDate != "" {
		writeError(w, http.StatusBadRequest, "tombstone and due_date are mutually exclusive")
		return
	}

	if req.Tombstone {
		action, err := h.Retention.Tombstone(r.Context(), []byte(uid), createdAt)
		if err != nil {
			h.writeRetentionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, retentionPolicyResponse{
			UID:       uid,
			CreatedAt: req.CreatedAt,
			Location:  "tombstone",
			Action:    string(action),
		})
		return
	}

	if req.DueDate == "" {
		writeError(w, http.StatusBadRequest, "due_date required when tombstone is not set")
		return
	}
	dueDate, err := time.Parse(time.RFC3339, req.DueDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "due_date must be RFC3339")
		return
	}
	res, err := h.Retention.SetRetention(r.Context(), []byte(uid), createdAt, dueDate)
	if err != nil {
		h.writeRetentionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, retentionPolicyResponse{
		UID:            uid,
		CreatedAt:      req.CreatedAt,
		Location:       "extended_retention",
		RetentionUntil: dueDate.UTC().Format(time.RFC3339),
		Action:         res.Action,
	})
}

func (h *Handler) writeRetentionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, retention.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, backend.ErrNotFound), errors.Is(err, shard.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, backend.ErrBackend):
		writeError(w, http.StatusBadGateway, "backend error")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
