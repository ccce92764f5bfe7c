// Package gateway serves the localbase shim over HTTP.
//
// # Overview
//
// The gateway owns the HTTP server and the idempotency cache. Everything else
// (store, auth, model client, conversation service) comes from a *shim.Shim,
// which the gateway closes on Shutdown.
//
// # HTTP API
//
// Health and sessions:
//
//   - GET /health - Liveness check
//   - GET /health/ready - Store ping and inference server reachability
//   - POST /auth/session - Mint a local session (optional {"user_id"})
//   - POST /auth/refresh - Exchange a local_refresh_ token for a new session
//   - GET /auth/me - The resolved request user
//
// Threads (every route resolves the request user through auth.HTTPMiddleware,
// which falls back to the default user rather than rejecting):
//
//   - GET /api/threads - Query shim listing (?select, ?limit, ?order)
//   - POST /api/threads - Create a thread
//   - GET|POST /api/threads/{id}/messages - History, or append without the model
//   - GET /api/threads/{id}/runs - Agent runs
//   - POST /api/threads/{id}/chat - One turn, JSON or SSE
//   - GET /api/threads/{id}/events - Live stored messages
//
// OpenAI-compatible pass-through:
//
//   - POST /v1/chat/completions
//   - GET /v1/models
//
// A thread that belongs to another user answers 403; a missing one 404.
//
// # Chat Streaming
//
// With "stream": true, a chat turn answers as Server-Sent Events:
//
//	event: started
//	data: {"thread_id": "..."}
//
//	event: delta
//	data: {"content": "Hel"}
//
//	event: done
//	data: {"run_id": "...", "message_id": "...", "content": "Hello"}
//
// A failure after the run is recorded ends with an error event carrying the
// run id. Failures before that answer as plain JSON.
//
// # Idempotency
//
// POST requests that write carry an optional Idempotency-Key header. Keys are
// scoped to user, method and path. A finished 2xx reply is replayed with
// Idempotent-Replayed: true; a duplicate of a running request gets 409.
// Streams are never replayed, so a repeated stream key always gets 409.
//
// # Lifecycle
//
//	sh, err := shim.New(ctx, cfg, logger)
//	gw := gateway.New(cfg, sh, logger)
//	err = gw.Run(ctx) // returns after ctx is cancelled and shutdown completes
//
// Shutdown cancels the base context of every request first, so open SSE
// streams end instead of holding the server past its timeout.
package gateway
