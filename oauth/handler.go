package oauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/GoCodeAlone/linkbilling/store"
)

// Installer persists integration installs.
type Installer interface {
	Install(ctx context.Context, provider string, tok *Token, wc WorkspaceContext) error
	// Credentials returns the stored token of an install. It returns
	// store.ErrNotFound when the workspace has not installed provider.
	Credentials(ctx context.Context, provider, workspaceID string) (*Token, WorkspaceContext, error)
}

// CallbackHandler serves the install flow for every registered provider:
// the authorize redirect, the provider callback and token refresh.
type CallbackHandler struct {
	providers  map[string]*Provider[WorkspaceContext]
	installer  Installer
	successURL string
	token      string
	logger     *slog.Logger
}

// NewCallbackHandler creates a CallbackHandler redirecting to successURL
// after a completed install. The authorize and refresh routes are served
// only with a non-empty token, which callers send as
// "Authorization: Bearer <token>".
func NewCallbackHandler(installer Installer, successURL, token string, logger *slog.Logger, providers ...*Provider[WorkspaceContext]) *CallbackHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &CallbackHandler{
		providers:  make(map[string]*Provider[WorkspaceContext], len(providers)),
		installer:  installer,
		successURL: successURL,
		token:      token,
		logger:     logger,
	}
	for _, p := range providers {
		h.providers[p.Name()] = p
	}
	return h
}

// RegisterRoutes registers the OAuth routes on the given mux.
func (h *CallbackHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/oauth/{provider}/callback", h.callback)
	if h.token == "" {
		h.logger.Warn("app.internal_token not set, oauth authorize and refresh routes disabled")
		return
	}
	mux.HandleFunc("GET /api/oauth/{provider}/authorize", h.auth(h.authorize))
	mux.HandleFunc("POST /api/oauth/{provider}/refresh", h.auth(h.refresh))
}

func (h *CallbackHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	want := []byte("Bearer " + h.token)
	return func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (h *CallbackHandler) provider(w http.ResponseWriter, r *http.Request) (*Provider[WorkspaceContext], bool) {
	name := r.PathValue("provider")
	p, ok := h.providers[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown provider: " + name})
	}
	return p, ok
}

// authorize starts an install for ?workspaceId=&userId= by redirecting to
// the provider's consent page.
func (h *CallbackHandler) authorize(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(w, r)
	if !ok {
		return
	}
	wc := WorkspaceContext{
		WorkspaceID: r.URL.Query().Get("workspaceId"),
		UserID:      r.URL.Query().Get("userId"),
	}
	if wc.WorkspaceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "workspaceId is required"})
		return
	}
	target, err := p.AuthorizationURL(r.Context(), wc)
	if err != nil {
		h.logger.Error("oauth authorize failed", "provider", p.Name(), "workspace_id", wc.WorkspaceID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to start authorization"})
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// refresh renews the stored token of ?workspaceId= and saves it.
func (h *CallbackHandler) refresh(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(w, r)
	if !ok {
		return
	}
	workspaceID := r.URL.Query().Get("workspaceId")
	if workspaceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "workspaceId is required"})
		return
	}

	old, wc, err := h.installer.Credentials(r.Context(), p.Name(), workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "integration not installed"})
		return
	}
	if err != nil {
		h.logger.Error("oauth credentials lookup failed", "provider", p.Name(), "workspace_id", workspaceID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load integration"})
		return
	}

	tok, err := p.Refresh(r.Context(), old.RefreshToken)
	if err != nil {
		h.logger.Warn("oauth refresh failed", "provider", p.Name(), "workspace_id", workspaceID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "token refresh failed"})
		return
	}
	// Providers that do not rotate refresh tokens omit them.
	if tok.RefreshToken == "" {
		tok.RefreshToken = old.RefreshToken
	}
	if err := h.installer.Install(r.Context(), p.Name(), tok, wc); err != nil {
		h.logger.Error("oauth refresh not saved", "provider", p.Name(), "workspace_id", workspaceID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save integration"})
		return
	}

	h.logger.Info("integration token refreshed", "provider", p.Name(), "workspace_id", workspaceID)
	resp := map[string]any{"integration": p.Name(), "workspaceId": workspaceID}
	if !tok.Expiry.IsZero() {
		resp["expiry"] = tok.Expiry.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *CallbackHandler) callback(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(w, r)
	if !ok {
		return
	}
	name := p.Name()

	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": e})
		return
	}

	tok, wc, err := p.Exchange(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		h.logger.Warn("oauth callback rejected", "provider", name, "error", err)
		msg := "token exchange failed"
		if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrInvalidCallback) {
			msg = err.Error()
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return
	}

	if err := h.installer.Install(r.Context(), name, tok, wc); err != nil {
		h.logger.Error("oauth install failed", "provider", name, "workspace_id", wc.WorkspaceID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save integration"})
		return
	}

	h.logger.Info("integration installed", "provider", name, "workspace_id", wc.WorkspaceID)
	target := h.successURL
	if u, err := url.Parse(h.successURL); err == nil {
		v := u.Query()
		v.Set("integration", name)
		u.RawQuery = v.Encode()
		target = u.String()
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
