// ABOUTME: SSE endpoint pushing newly stored thread messages to watching clients
// ABOUTME: Backed by the conversation broadcaster with periodic keepalive comments

package gateway

import (
	"fmt"
	"net/http"
	"time"
)

// keepaliveInterval spaces SSE comments that stop proxies from timing out idle streams
const keepaliveInterval = 15 * time.Second

// handleThreadEvents handles GET /api/threads/{id}/events. Each stored message
// on the thread is sent as a "message" event until the client disconnects.
func (g *Gateway) handleThreadEvents(w http.ResponseWriter, r *http.Request) {
	thread, ok := g.resolveThread(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	ch, subID := g.shim.Broadcaster.Subscribe(ctx, thread.ID)
	defer g.shim.Broadcaster.Unsubscribe(thread.ID, subID)

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	g.writeSSEEvent(w, "ready", map[string]string{"thread_id": thread.ID})
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			g.writeSSEEvent(w, "message", newMessageResponse(msg))
			flusher.Flush()
		}
	}
}
