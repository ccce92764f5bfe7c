// ABOUTME: Local identity service resolving bearer values to users with default-user fallback
// ABOUTME: Mints opaque sessions, refreshes them, and issues signed tokens for auth responses

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/localbase/internal/metrics"
	"github.com/2389/localbase/internal/store"
)

// MockToken is accepted as a stand-in for the default user by development clients
const MockToken = "mock-token"

// SessionBundle is the result of minting a local session
type SessionBundle struct {
	User         *store.User
	Session      *store.Session
	AccessToken  string
	RefreshToken string
}

// Service resolves local identities. Authentication is advisory: any value that
// cannot be resolved maps to the configured default user. Only suitable for a
// single local operator.
type Service struct {
	store    store.Store
	issuer   *TokenIssuer
	defaults store.Defaults
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithMetrics records fallbacks and minted sessions
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates a local identity service
func NewService(st store.Store, issuer *TokenIssuer, defaults store.Defaults, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:    st,
		issuer:   issuer,
		defaults: defaults,
		logger:   logger.With("component", "auth"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issuer returns the token issuer
func (s *Service) Issuer() *TokenIssuer {
	return s.issuer
}

// DefaultUserID returns the fallback identity
func (s *Service) DefaultUserID() string {
	return s.defaults.UserID
}

// VerifyToken verifies a signed token. Failures are logged and reported as false.
func (s *Service) VerifyToken(token string) (*Claims, bool) {
	claims, err := s.issuer.Verify(token)
	if err != nil {
		if errors.Is(err, ErrExpiredToken) {
			s.logger.Warn("token expired")
		} else {
			s.logger.Debug("invalid token", "error", err)
		}
		return nil, false
	}
	return claims, true
}

// GetUserFromToken resolves a bearer value to a user.
//
//   - local_token_* is looked up as a session access token
//   - "mock-token" is the default user
//   - anything else is tried as a signed token
//
// Unresolvable values return nil, nil. Only storage failures return an error.
func (s *Service) GetUserFromToken(ctx context.Context, token string) (*store.User, error) {
	if token == "" {
		return nil, nil
	}

	var userID string
	switch {
	case strings.HasPrefix(token, store.AccessTokenPrefix):
		session, err := s.store.GetSessionByAccessToken(ctx, token)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("looking up session: %w", err)
		}
		userID = session.UserID
	case token == MockToken:
		userID = s.defaults.UserID
	default:
		claims, ok := s.VerifyToken(token)
		if !ok {
			return nil, nil
		}
		userID = claims.UserID
	}

	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return user, nil
}

// VerifyUserToken returns the user id a bearer value resolves to, or the
// default user id when it resolves to nothing. It never fails.
func (s *Service) VerifyUserToken(ctx context.Context, token string) string {
	if token == "" {
		s.logger.Warn("no token provided, using default local user")
		s.metrics.RecordAuthFallback()
		return s.defaults.UserID
	}
	token = strings.TrimPrefix(token, "Bearer ")

	user, err := s.GetUserFromToken(ctx, token)
	if err != nil {
		s.logger.Warn("token lookup failed, using default local user", "error", err)
		s.metrics.RecordAuthFallback()
		return s.defaults.UserID
	}
	if user == nil {
		s.logger.Info("token verification failed, using default local user")
		s.metrics.RecordAuthFallback()
		return s.defaults.UserID
	}
	return user.ID
}

// CreateLocalSession mints a new session for the user, creating the user if it
// does not exist. An empty userID means the default user.
func (s *Service) CreateLocalSession(ctx context.Context, userID string) (*SessionBundle, error) {
	if userID == "" {
		userID = s.defaults.UserID
	}

	user, err := s.getOrCreateUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	session, err := s.store.CreateSession(ctx, user.ID, s.issuer.Expiry())
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	s.metrics.RecordSession()
	s.logger.Debug("created local session", "user_id", user.ID, "session_id", session.ID)

	return &SessionBundle{
		User:         user,
		Session:      session,
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
	}, nil
}

// getOrCreateUser fetches the user or creates it. The default user gets the
// default email; other ids are created without one since email is unique.
func (s *Service) getOrCreateUser(ctx context.Context, userID string) (*store.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("getting user: %w", err)
	}

	user = &store.User{ID: userID}
	if userID == s.defaults.UserID {
		user.Email = s.defaults.UserEmail
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		// Lost a race with a concurrent creator
		if errors.Is(err, store.ErrDuplicate) {
			return s.store.GetUser(ctx, userID)
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	s.logger.Info("created local user", "user_id", userID)
	return user, nil
}

// RefreshToken mints a new default session for any value carrying the refresh
// prefix. The presented token is not looked up. Other values return nil, nil.
func (s *Service) RefreshToken(ctx context.Context, refreshToken string) (*SessionBundle, error) {
	if !strings.HasPrefix(refreshToken, store.RefreshTokenPrefix) {
		return nil, nil
	}
	return s.CreateLocalSession(ctx, "")
}

// AccountIDFromThread returns the account that owns a thread. Locally that is
// always the default project.
func (s *Service) AccountIDFromThread(ctx context.Context, threadID string) string {
	return s.defaults.ProjectID
}
