// ABOUTME: Tests for Router that resolves thread ids for the requesting user
// ABOUTME: Covers routing success, missing thread, foreign owner and store failures

package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/localbase/internal/store"
)

// Unit Tests

func TestRouter_Route_Success(t *testing.T) {
	threads := store.NewMockStore()
	require.NoError(t, threads.Initialize(context.Background(), testDefaults))
	th := &store.Thread{ProjectID: testDefaults.ProjectID, UserID: testDefaults.UserID}
	require.NoError(t, threads.CreateThread(context.Background(), th))

	router := NewRouter(threads)

	got, err := router.Route(context.Background(), th.ID, testDefaults.UserID)
	require.NoError(t, err)
	assert.Equal(t, th.ID, got.ID)
}

func TestRouter_Route_NoThread(t *testing.T) {
	router := NewRouter(store.NewMockStore())

	_, err := router.Route(context.Background(), "nonexistent", testDefaults.UserID)
	assert.ErrorIs(t, err, ErrNoThread)
}

func TestRouter_Route_NotOwner(t *testing.T) {
	threads := store.NewMockStore()
	require.NoError(t, threads.Initialize(context.Background(), testDefaults))
	th := &store.Thread{ProjectID: testDefaults.ProjectID, UserID: testDefaults.UserID}
	require.NoError(t, threads.CreateThread(context.Background(), th))

	router := NewRouter(threads)

	_, err := router.Route(context.Background(), th.ID, "someone-else")
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestRouter_Route_StoreError(t *testing.T) {
	threads := store.NewMockStore()
	threads.Err = errors.New("database connection failed")

	router := NewRouter(threads)

	_, err := router.Route(context.Background(), "t1", testDefaults.UserID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoThread)
	assert.NotErrorIs(t, err, ErrNotOwner)
	assert.Contains(t, err.Error(), "lookup thread")
}

// End-to-end with real SQLite

func TestRouter_Route_SQLite(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, testDefaults))

	th := &store.Thread{ProjectID: testDefaults.ProjectID, UserID: testDefaults.UserID, Title: "routed"}
	require.NoError(t, s.CreateThread(ctx, th))

	router := NewRouter(s)

	got, err := router.Route(ctx, th.ID, testDefaults.UserID)
	require.NoError(t, err)
	assert.Equal(t, "routed", got.Title)

	_, err = router.Route(ctx, "missing", testDefaults.UserID)
	assert.ErrorIs(t, err, ErrNoThread)
}
