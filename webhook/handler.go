package webhook

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
)

const deadLetterPath = "/api/internal/dead-letter"

// Handler provides internal HTTP endpoints for the dead letter store.
type Handler struct {
	store      *DeadLetterStore
	dispatcher *Dispatcher
	token      string
}

// NewHandler creates a new dead letter HTTP handler. When token is non-empty
// every route requires "Authorization: Bearer <token>".
func NewHandler(store *DeadLetterStore, dispatcher *Dispatcher, token string) *Handler {
	return &Handler{store: store, dispatcher: dispatcher, token: token}
}

// RegisterRoutes registers dead letter routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+deadLetterPath, h.auth(h.listDeadLetters))
	mux.HandleFunc("GET "+deadLetterPath+"/stats", h.auth(h.deadLetterStats))
	mux.HandleFunc("POST "+deadLetterPath+"/{id}/retry", h.auth(h.retryDeadLetter))
	mux.HandleFunc("DELETE "+deadLetterPath+"/{id}", h.auth(h.deleteDeadLetter))
	mux.HandleFunc("DELETE "+deadLetterPath, h.auth(h.purgeDeadLetters))
}

func (h *Handler) auth(next http.HandlerFunc) http.HandlerFunc {
	if h.token == "" {
		return next
	}
	want := []byte("Bearer " + h.token)
	return func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": entries,
		"total": len(entries),
	})
}

func (h *Handler) deadLetterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) retryDeadLetter(w http.ResponseWriter, r *http.Request) {
	delivery, err := h.dispatcher.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		if delivery != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":    err.Error(),
				"delivery": delivery,
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

func (h *Handler) deleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) purgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.Purge(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": n})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrDeadLetterNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
