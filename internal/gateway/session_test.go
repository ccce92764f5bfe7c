// ABOUTME: Tests for the session endpoints and the request user middleware
// ABOUTME: Covers default and named sessions, refresh, and token resolution on /auth/me

package gateway

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/localbase/internal/auth"
	"github.com/2389/localbase/internal/store"
)

func createSession(t *testing.T, env *testEnv, userID string) SessionResponse {
	t.Helper()
	var body any
	if userID != "" {
		body = CreateSessionRequest{UserID: userID}
	}
	resp := env.do(t, http.MethodPost, "/auth/session", "", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[SessionResponse](t, resp)
}

func TestCreateSession_DefaultUser(t *testing.T) {
	env := newTestEnv(t)

	sess := createSession(t, env, "")
	require.NotNil(t, sess.AuthResponse)
	assert.Equal(t, testDefaults.UserID, sess.User.ID)
	assert.Equal(t, testDefaults.UserEmail, sess.User.Email)
	assert.Equal(t, "bearer", sess.TokenType)
	assert.NotEmpty(t, sess.AccessToken)
	assert.True(t, strings.HasPrefix(sess.SessionToken, store.AccessTokenPrefix))
	assert.True(t, strings.HasPrefix(sess.RefreshToken, store.RefreshTokenPrefix))
	assert.False(t, sess.ExpiresAt.IsZero())
}

func TestCreateSession_NamedUser(t *testing.T) {
	env := newTestEnv(t)

	sess := createSession(t, env, "alice")
	assert.Equal(t, "alice", sess.User.ID)
	assert.Empty(t, sess.User.Email)

	// Both token forms resolve to the new user
	for _, token := range []string{sess.SessionToken, sess.AccessToken} {
		resp := env.do(t, http.MethodGet, "/auth/me", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		me := decodeBody[auth.UserInfo](t, resp)
		assert.Equal(t, "alice", me.ID)
	}
}

func TestCreateSession_InvalidBody(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/auth/session", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRefreshSession(t *testing.T) {
	env := newTestEnv(t)

	t.Run("prefixed token mints a default session", func(t *testing.T) {
		sess := createSession(t, env, "alice")

		resp := env.do(t, http.MethodPost, "/auth/refresh", "", RefreshSessionRequest{RefreshToken: sess.RefreshToken})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		refreshed := decodeBody[SessionResponse](t, resp)
		assert.Equal(t, testDefaults.UserID, refreshed.User.ID)
		assert.NotEqual(t, sess.SessionToken, refreshed.SessionToken)
	})

	t.Run("other values are rejected", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/auth/refresh", "", RefreshSessionRequest{RefreshToken: "garbage"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("missing body", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/auth/refresh", "", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestMe_FallsBackToDefaultUser(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name  string
		token string
	}{
		{"no token", ""},
		{"unknown session", store.AccessTokenPrefix + "missing"},
		{"bad signature", "not.a.jwt"},
		{"mock token", auth.MockToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodGet, "/auth/me", tt.token, nil)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			me := decodeBody[auth.UserInfo](t, resp)
			assert.Equal(t, testDefaults.UserID, me.ID)
		})
	}
}
