// ABOUTME: Router resolving a thread id for the requesting user
// ABOUTME: Separates missing threads from threads owned by someone else

package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/localbase/internal/store"
)

// Router errors
var (
	// ErrNoThread means no thread exists with this id
	ErrNoThread = errors.New("thread not found")

	// ErrNotOwner means the thread exists but belongs to another user
	ErrNotOwner = errors.New("thread belongs to another user")
)

// ThreadStore provides thread lookups
type ThreadStore interface {
	GetThread(ctx context.Context, id string) (*store.Thread, error)
}

// Router resolves thread ids for thread-scoped routes
type Router struct {
	threads ThreadStore
}

// NewRouter creates a new Router over the given thread store
func NewRouter(threads ThreadStore) *Router {
	return &Router{threads: threads}
}

// Route returns the thread if it exists and is owned by userID.
// Returns ErrNoThread if the thread does not exist.
// Returns ErrNotOwner if another user owns it.
func (r *Router) Route(ctx context.Context, threadID, userID string) (*store.Thread, error) {
	thread, err := r.threads.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoThread
	}
	if err != nil {
		return nil, fmt.Errorf("lookup thread: %w", err)
	}

	if thread.UserID != userID {
		return nil, ErrNotOwner
	}
	return thread, nil
}
