package agent

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"sessiond/session"
)

// sessionView is the session state exposed to the portal UI. Raw token
// strings stay inside the agent.
type sessionView struct {
	Authenticated     bool     `json:"authenticated"`
	Subject           string   `json:"subject,omitempty"`
	Email             string   `json:"email,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	SessionExpiry     float64  `json:"session_expiry,omitempty"`
	HasAttempted      bool     `json:"has_attempted"`
	IsHandingOff      bool     `json:"is_handing_off"`
	IsRefreshing      bool     `json:"is_refreshing"`
	Error             string   `json:"error,omitempty"`
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	snap := a.store.Snapshot()
	view := sessionView{
		Authenticated: snap.Authenticated(),
		SessionExpiry: snap.SessionExpiry,
		HasAttempted:  snap.HasAttempted,
		IsHandingOff:  snap.IsHandingOff,
		IsRefreshing:  snap.IsRefreshing,
		Error:         snap.Error,
	}
	if claims := snap.IDTokenContents; claims != nil {
		view.Subject = claims.Subject
		view.Email = claims.Email
		view.PreferredUsername = claims.PreferredUsername
	}
	writeJSON(w, http.StatusOK, view)
}

// handleSignIn builds the authorization URL for a full-page redirect sign-in
// and returns it for the UI to navigate to.
func (a *App) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReturnPath string `json:"return_path"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if !safeReturnPath(body.ReturnPath) {
		body.ReturnPath = ""
	}

	doc, err := a.ensureDiscovery(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "identity provider unavailable: "+err.Error())
		return
	}

	authURL, err := session.CreateAuthURL(doc.AuthorizationEndpoint, session.AuthConfig{
		ClientID:    a.cfg.IdP.ClientID,
		RedirectURI: a.cfg.RedirectURI(),
		Scope:       a.cfg.IdP.Scope,
	}, a.storage, body.ReturnPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"auth_url": authURL})
}

// handleSignInPopup starts (or refocuses) the popup sign-in flow.
func (a *App) handleSignInPopup(w http.ResponseWriter, r *http.Request) {
	doc, err := a.ensureDiscovery(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "identity provider unavailable: "+err.Error())
		return
	}

	authURL, err := a.popup.Start(r.Context(), doc.AuthorizationEndpoint, doc.TokenEndpoint)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"auth_url": authURL})
}

func (a *App) handleSignOut(w http.ResponseWriter, r *http.Request) {
	a.store.SignOut()
	writeJSON(w, http.StatusOK, map[string]bool{"signed_out": true})
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := a.store.RefreshTokens(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	a.handleSession(w, r)
}

func (a *App) handleNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": a.notifications.All(),
		"unread":        a.notifications.Unread(),
	})
}

func (a *App) handleNotificationRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.notifications.MarkRead(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"read": true})
}

// handlePermissionsCheck evaluates permissions against the resource
// descriptor in the request body. Errored lookups report every permission as
// denied.
func (a *App) handlePermissionsCheck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Resource    any      `json:"resource"`
		Permissions []string `json:"permissions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Resource == nil {
		writeError(w, http.StatusBadRequest, "resource is required")
		return
	}

	granted := make(map[string]bool, len(body.Permissions))
	for _, perm := range body.Permissions {
		granted[perm] = a.cache.HasPermission(r.Context(), body.Resource, perm)
	}
	writeJSON(w, http.StatusOK, map[string]any{"granted": granted})
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
