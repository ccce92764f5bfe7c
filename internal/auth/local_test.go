// ABOUTME: Tests for the local identity service
// ABOUTME: Covers token resolution, default-user fallback, sessions and refresh

package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/2389/localbase/internal/metrics"
	"github.com/2389/localbase/internal/store"
)

var testDefaults = store.Defaults{
	UserID:      "local-user-123",
	UserEmail:   "local@example.com",
	ProjectID:   "local-project-123",
	ProjectName: "Local Project",
}

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *store.MockStore) {
	t.Helper()
	st := store.NewMockStore()
	if err := st.Initialize(context.Background(), testDefaults); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return NewService(st, newTestIssuer(t), testDefaults, nil, opts...), st
}

func TestVerifyUserToken_FallsBackToDefault(t *testing.T) {
	m := metrics.New()
	svc, _ := newTestService(t, WithMetrics(m))
	ctx := context.Background()

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "garbage"},
		{"bearer garbage", "Bearer garbage"},
		{"unknown session token", store.AccessTokenPrefix + "does-not-exist"},
		{"refresh token as access", store.RefreshTokenPrefix + "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := svc.VerifyUserToken(ctx, tt.token); got != testDefaults.UserID {
				t.Errorf("VerifyUserToken(%q) = %q, want default", tt.token, got)
			}
		})
	}

	if got := testutil.ToFloat64(m.AuthFallbacksTotal); got != float64(len(tests)) {
		t.Errorf("auth fallbacks = %v, want %d", got, len(tests))
	}
}

func TestVerifyUserToken_ResolvesJWT(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	alice := &store.User{ID: "alice", Email: "alice@example.com"}
	if err := st.CreateUser(ctx, alice); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	token, err := svc.Issuer().Generate("alice", "alice@example.com")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if got := svc.VerifyUserToken(ctx, "Bearer "+token); got != "alice" {
		t.Errorf("VerifyUserToken() = %q, want alice", got)
	}
	if got := svc.VerifyUserToken(ctx, token); got != "alice" {
		t.Errorf("VerifyUserToken() without Bearer = %q, want alice", got)
	}
}

func TestVerifyUserToken_JWTForUnknownUser(t *testing.T) {
	svc, _ := newTestService(t)

	token, err := svc.Issuer().Generate("ghost", "")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got := svc.VerifyUserToken(context.Background(), token); got != testDefaults.UserID {
		t.Errorf("VerifyUserToken() = %q, want default", got)
	}
}

func TestVerifyUserToken_StorageFailureFallsBack(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	bundle, err := svc.CreateLocalSession(ctx, "")
	if err != nil {
		t.Fatalf("CreateLocalSession failed: %v", err)
	}

	st.Err = errors.New("database is locked")
	if got := svc.VerifyUserToken(ctx, bundle.AccessToken); got != testDefaults.UserID {
		t.Errorf("VerifyUserToken() = %q, want default", got)
	}
}

func TestGetUserFromToken(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	bob := &store.User{ID: "bob"}
	if err := st.CreateUser(ctx, bob); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	bobSession, err := svc.CreateLocalSession(ctx, "bob")
	if err != nil {
		t.Fatalf("CreateLocalSession failed: %v", err)
	}

	tests := []struct {
		name   string
		token  string
		wantID string
	}{
		{"session token", bobSession.AccessToken, "bob"},
		{"mock token", MockToken, testDefaults.UserID},
		{"empty", "", ""},
		{"garbage", "garbage", ""},
		{"refresh token", bobSession.RefreshToken, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := svc.GetUserFromToken(ctx, tt.token)
			if err != nil {
				t.Fatalf("GetUserFromToken() error = %v", err)
			}
			if tt.wantID == "" {
				if user != nil {
					t.Errorf("GetUserFromToken() = %v, want nil", user)
				}
				return
			}
			if user == nil || user.ID != tt.wantID {
				t.Errorf("GetUserFromToken() = %v, want %q", user, tt.wantID)
			}
		})
	}
}

func TestGetUserFromToken_StorageError(t *testing.T) {
	svc, st := newTestService(t)
	st.Err = errors.New("disk I/O error")

	_, err := svc.GetUserFromToken(context.Background(), MockToken)
	if err == nil {
		t.Fatal("expected storage error to surface")
	}
}

func TestCreateLocalSession(t *testing.T) {
	m := metrics.New()
	svc, st := newTestService(t, WithMetrics(m))
	ctx := context.Background()

	first, err := svc.CreateLocalSession(ctx, "")
	if err != nil {
		t.Fatalf("CreateLocalSession failed: %v", err)
	}
	if first.User.ID != testDefaults.UserID {
		t.Errorf("User.ID = %q, want default", first.User.ID)
	}
	if !strings.HasPrefix(first.AccessToken, store.AccessTokenPrefix) {
		t.Errorf("AccessToken = %q", first.AccessToken)
	}
	if !strings.HasPrefix(first.RefreshToken, store.RefreshTokenPrefix) {
		t.Errorf("RefreshToken = %q", first.RefreshToken)
	}
	if got := first.Session.ExpiresAt.Sub(first.Session.CreatedAt); got != 24*time.Hour {
		t.Errorf("session lifetime = %v, want 24h", got)
	}

	second, err := svc.CreateLocalSession(ctx, "")
	if err != nil {
		t.Fatalf("CreateLocalSession failed: %v", err)
	}
	if second.AccessToken == first.AccessToken {
		t.Error("each call must mint a new session")
	}
	if st.SessionCount() != 2 {
		t.Errorf("SessionCount = %d, want 2", st.SessionCount())
	}
	if got := testutil.ToFloat64(m.SessionsCreated); got != 2 {
		t.Errorf("sessions metric = %v, want 2", got)
	}
}

func TestCreateLocalSession_CreatesUnknownUser(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	bundle, err := svc.CreateLocalSession(ctx, "new-user")
	if err != nil {
		t.Fatalf("CreateLocalSession failed: %v", err)
	}
	if bundle.User.ID != "new-user" {
		t.Errorf("User.ID = %q", bundle.User.ID)
	}
	if _, err := st.GetUser(ctx, "new-user"); err != nil {
		t.Errorf("user was not persisted: %v", err)
	}
}

func TestRefreshToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	bundle, err := svc.RefreshToken(ctx, store.RefreshTokenPrefix+"never-issued")
	if err != nil {
		t.Fatalf("RefreshToken failed: %v", err)
	}
	if bundle == nil {
		t.Fatal("expected a new session for a refresh-prefixed token")
	}
	if bundle.User.ID != testDefaults.UserID {
		t.Errorf("User.ID = %q, want default", bundle.User.ID)
	}

	for _, token := range []string{"", "garbage", store.AccessTokenPrefix + "x"} {
		bundle, err := svc.RefreshToken(ctx, token)
		if err != nil {
			t.Fatalf("RefreshToken(%q) error = %v", token, err)
		}
		if bundle != nil {
			t.Errorf("RefreshToken(%q) = %v, want nil", token, bundle)
		}
	}
}

func TestVerifyToken(t *testing.T) {
	now := time.Now()
	issuer, err := NewTokenIssuer(testSecret, "localbase", time.Hour, WithIssuerClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewTokenIssuer() error = %v", err)
	}
	svc := NewService(store.NewMockStore(), issuer, testDefaults, nil)

	token, err := issuer.Generate("user-1", "")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	claims, ok := svc.VerifyToken(token)
	if !ok || claims.UserID != "user-1" {
		t.Fatalf("VerifyToken() = %v, %v", claims, ok)
	}

	now = now.Add(2 * time.Hour)
	if claims, ok := svc.VerifyToken(token); ok || claims != nil {
		t.Errorf("VerifyToken() after expiry = %v, %v; want nil, false", claims, ok)
	}
}

func TestAccountIDFromThread(t *testing.T) {
	svc, _ := newTestService(t)
	if got := svc.AccountIDFromThread(context.Background(), "any-thread"); got != testDefaults.ProjectID {
		t.Errorf("AccountIDFromThread() = %q, want %q", got, testDefaults.ProjectID)
	}
}
