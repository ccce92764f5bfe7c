// Package llm is the completion proxy to a local OpenAI-compatible inference
// server such as llama.cpp or vLLM.
//
// # Requests
//
// Zero-valued request fields take the configured defaults (model, temperature,
// max tokens). A request without messages sends a single "Hello" user message.
// Nothing is retried.
//
// # Failures
//
// MakeCompletion never returns an error. When the server is unreachable, answers
// non-200 or returns an undecodable body, the caller receives a fallback
// completion whose single choice carries a diagnostic message, finish_reason
// "error" and zero usage. Use IsFallback to detect it.
//
// Stream reports setup failures as errors before any data is read. Once open,
// Recv yields the text of each frame whose first choice has a delta.content key,
// skips malformed frames, and returns io.EOF on "data: [DONE]" or end of body.
//
// # Lifecycle
//
// The underlying resty client is built on first use and shared by every call.
// Close releases its idle connections; the next call builds a new one.
package llm
