// Package conversation runs chat turns against a thread.
//
// # Service
//
// The Service sits between the HTTP handlers and the store and completion
// proxy. A turn follows a record-first order:
//
//  1. Load the thread and its history
//  2. Store the user message and publish it
//  3. Open an agent run in the "running" state
//  4. Call the model, single-shot or streaming
//  5. Store the assistant message and publish it
//  6. Mark the run completed, or failed with the error text
//
// Writes after the model call use a detached context, so a client that
// disconnects mid-stream still leaves a complete record.
//
// A fallback completion from the proxy is stored like any other reply, but
// its run is marked failed with the diagnostic as the error message.
//
// # Broadcaster
//
// The Broadcaster fans stored messages out to subscribers of a thread:
//
//	ch, subID := broadcaster.Subscribe(ctx, threadID)
//	for msg := range ch { ... }
//
// Delivery is non-blocking. A subscriber whose buffer is full misses the
// message; the store remains the source of truth.
package conversation
