// ABOUTME: HTTP middleware resolving the request's local user
// ABOUTME: Missing or unresolvable credentials fall back to a fresh default session

package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/2389/localbase/internal/store"
)

// UserInfo is the JSON view of a user returned to clients
type UserInfo struct {
	ID        string         `json:"id"`
	Email     string         `json:"email"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata"`
}

// NewUserInfo builds the client view of a user
func NewUserInfo(u *store.User) UserInfo {
	meta := map[string]any(u.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	return UserInfo{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt, Metadata: meta}
}

// AuthResponse is the body returned after authenticating
type AuthResponse struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	ExpiresIn   int64    `json:"expires_in"`
	User        UserInfo `json:"user"`
}

// extractBearerToken extracts a bearer token from the Authorization header.
// A header without the Bearer scheme is used as the raw token.
func extractBearerToken(authHeader string) string {
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
}

// AuthenticateRequest resolves the request's user. A missing header or a token
// that resolves to nothing yields the user of a newly minted default session.
func (s *Service) AuthenticateRequest(r *http.Request) (*store.User, error) {
	ctx := r.Context()

	token := extractBearerToken(r.Header.Get("Authorization"))
	if token != "" {
		user, err := s.GetUserFromToken(ctx, token)
		if err != nil {
			return nil, err
		}
		if user != nil {
			return user, nil
		}
		s.logger.Info("token verification failed, creating default session")
	}

	s.metrics.RecordAuthFallback()
	bundle, err := s.CreateLocalSession(ctx, "")
	if err != nil {
		return nil, err
	}
	return bundle.User, nil
}

// AuthResponse issues a signed token for the user
func (s *Service) AuthResponse(user *store.User) (*AuthResponse, error) {
	token, err := s.issuer.Generate(user.ID, user.Email)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}
	return &AuthResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(s.issuer.Expiry().Seconds()),
		User:        NewUserInfo(user),
	}, nil
}

// HTTPMiddleware attaches the resolved user to the request context using
// WithUser. It never rejects for lack of credentials; a storage failure while
// resolving the user is answered with 500.
func HTTPMiddleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := svc.AuthenticateRequest(r)
			if err != nil {
				svc.logger.Error("resolving request user", "error", err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "failed to resolve user"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}
