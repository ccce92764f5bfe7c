// ABOUTME: HTTP handlers minting, refreshing and describing local sessions
// ABOUTME: Every response carries both the opaque session token and a signed token

package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/2389/localbase/internal/auth"
)

// CreateSessionRequest is the optional JSON body for POST /auth/session.
type CreateSessionRequest struct {
	UserID string `json:"user_id,omitempty"`
}

// RefreshSessionRequest is the JSON body for POST /auth/refresh.
type RefreshSessionRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// SessionResponse flattens the signed-token response and adds the session pair.
type SessionResponse struct {
	*auth.AuthResponse
	SessionToken string    `json:"session_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// handleCreateSession handles POST /auth/session. An empty body or user id
// mints a session for the default user.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	bundle, err := g.shim.Auth.CreateLocalSession(r.Context(), req.UserID)
	if err != nil {
		g.logger.Error("failed to create session", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeSession(w, http.StatusCreated, bundle)
}

// handleRefreshSession handles POST /auth/refresh.
func (g *Gateway) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	var req RefreshSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	bundle, err := g.shim.Auth.RefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		g.logger.Error("failed to refresh session", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if bundle == nil {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	g.writeSession(w, http.StatusOK, bundle)
}

func (g *Gateway) writeSession(w http.ResponseWriter, status int, bundle *auth.SessionBundle) {
	signed, err := g.shim.Auth.AuthResponse(bundle.User)
	if err != nil {
		g.logger.Error("failed to sign token", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, status, SessionResponse{
		AuthResponse: signed,
		SessionToken: bundle.AccessToken,
		RefreshToken: bundle.RefreshToken,
		ExpiresAt:    bundle.Session.ExpiresAt,
	})
}

// handleMe handles GET /auth/me.
func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	user := auth.MustUserFromContext(r.Context())
	g.writeJSON(w, http.StatusOK, auth.NewUserInfo(user))
}
