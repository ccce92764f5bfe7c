// ABOUTME: HTTP API handlers for threads, messages, agent runs and chat
// ABOUTME: Chat answers as JSON or, when stream is set, as SSE delta/done/error events

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/localbase/internal/auth"
	"github.com/2389/localbase/internal/conversation"
	"github.com/2389/localbase/internal/dedupe"
	"github.com/2389/localbase/internal/query"
	"github.com/2389/localbase/internal/store"
)

// IdempotencyHeader names the request header carrying a client-chosen retry key
const IdempotencyHeader = "Idempotency-Key"

// ThreadResponse is the JSON view of a thread.
type ThreadResponse struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	UserID    string         `json:"user_id"`
	Title     string         `json:"title"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  store.Metadata `json:"metadata"`
}

// MessageResponse is the JSON view of a message.
type MessageResponse struct {
	ID           string         `json:"id"`
	ThreadID     string         `json:"thread_id"`
	Type         string         `json:"type"`
	Content      string         `json:"content"`
	IsLLMMessage bool           `json:"is_llm_message"`
	CreatedAt    time.Time      `json:"created_at"`
	Metadata     store.Metadata `json:"metadata"`
}

// RunResponse is the JSON view of an agent run.
type RunResponse struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"thread_id"`
	Status       string    `json:"status"`
	ModelName    string    `json:"model_name,omitempty"`
	ErrorMessage *string   `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ThreadMessagesResponse is the JSON response for GET /api/threads/{id}/messages.
type ThreadMessagesResponse struct {
	ThreadID string            `json:"thread_id"`
	Messages []MessageResponse `json:"messages"`
}

// ThreadRunsResponse is the JSON response for GET /api/threads/{id}/runs.
type ThreadRunsResponse struct {
	ThreadID string        `json:"thread_id"`
	Runs     []RunResponse `json:"runs"`
}

// CreateThreadRequest is the JSON body for POST /api/threads.
type CreateThreadRequest struct {
	Title     string `json:"title,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

// AddMessageRequest is the JSON body for POST /api/threads/{id}/messages.
type AddMessageRequest struct {
	Type         string         `json:"type,omitempty"`
	Content      string         `json:"content"`
	IsLLMMessage *bool          `json:"is_llm_message,omitempty"`
	Metadata     store.Metadata `json:"metadata,omitempty"`
}

// ChatRequest is the JSON body for POST /api/threads/{id}/chat.
type ChatRequest struct {
	Content     string         `json:"content"`
	Model       string         `json:"model,omitempty"`
	Temperature float32        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	Metadata    store.Metadata `json:"metadata,omitempty"`
}

// ChatResponse is the JSON response for a non-streaming chat turn.
type ChatResponse struct {
	ThreadID         string           `json:"thread_id"`
	Run              RunResponse      `json:"run"`
	UserMessage      MessageResponse  `json:"user_message"`
	AssistantMessage *MessageResponse `json:"assistant_message"`
}

func newThreadResponse(t *store.Thread) ThreadResponse {
	return ThreadResponse{
		ID:        t.ID,
		ProjectID: t.ProjectID,
		UserID:    t.UserID,
		Title:     t.Title,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
		Metadata:  nonNilMetadata(t.Metadata),
	}
}

func newMessageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:           m.ID,
		ThreadID:     m.ThreadID,
		Type:         m.Type,
		Content:      m.Content,
		IsLLMMessage: m.IsLLMMessage,
		CreatedAt:    m.CreatedAt,
		Metadata:     nonNilMetadata(m.Metadata),
	}
}

func newRunResponse(r *store.AgentRun) RunResponse {
	return RunResponse{
		ID:           r.ID,
		ThreadID:     r.ThreadID,
		Status:       r.Status,
		ModelName:    r.ModelName,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func nonNilMetadata(m store.Metadata) store.Metadata {
	if m == nil {
		return store.Metadata{}
	}
	return m
}

// handleListThreads handles GET /api/threads through the query shim.
// Supports ?select=, ?limit= and ?order=created_at.asc|created_at.desc.
func (g *Gateway) handleListThreads(w http.ResponseWriter, r *http.Request) {
	user := auth.MustUserFromContext(r.Context())
	q := r.URL.Query()

	fields := q.Get("select")
	if fields == "" {
		fields = "*"
	}
	b := g.shim.Table("threads").Select(fields).Eq("user_id", user.ID)

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		b = b.Limit(n)
	}
	if raw := q.Get("order"); raw != "" {
		field, dir, _ := strings.Cut(raw, ".")
		b = b.Order(field, dir != "asc")
	}

	res := b.Execute(r.Context())
	if res.Error != nil {
		g.logger.Error("failed to list threads", "error", res.Error, "user_id", user.ID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	data := res.Data
	if data == nil {
		data = []query.Row{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

// handleCreateThread handles POST /api/threads.
// The project defaults to the account that owns the request's threads.
func (g *Gateway) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	user := auth.MustUserFromContext(r.Context())

	var req CreateThreadRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ProjectID == "" {
		req.ProjectID = g.shim.Auth.AccountIDFromThread(r.Context(), "")
	}

	thread, err := g.shim.Conversations.EnsureThread(r.Context(), user.ID, req.ProjectID, req.Title)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to create thread", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusCreated, newThreadResponse(thread))
}

// resolveThread routes the {id} path value for the request's user and writes
// the error response when it cannot.
func (g *Gateway) resolveThread(w http.ResponseWriter, r *http.Request) (*store.Thread, bool) {
	user := auth.MustUserFromContext(r.Context())

	thread, err := g.router.Route(r.Context(), r.PathValue("id"), user.ID)
	switch {
	case errors.Is(err, ErrNoThread):
		g.sendJSONError(w, http.StatusNotFound, "thread not found")
		return nil, false
	case errors.Is(err, ErrNotOwner):
		g.sendJSONError(w, http.StatusForbidden, "thread belongs to another user")
		return nil, false
	case err != nil:
		g.logger.Error("failed to resolve thread", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return thread, true
}

// handleListMessages handles GET /api/threads/{id}/messages.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	thread, ok := g.resolveThread(w, r)
	if !ok {
		return
	}

	msgs, err := g.shim.Conversations.GetHistory(r.Context(), thread.ID)
	if err != nil {
		g.logger.Error("failed to get thread messages", "error", err, "thread_id", thread.ID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, newMessageResponse(m))
	}
	g.writeJSON(w, http.StatusOK, ThreadMessagesResponse{ThreadID: thread.ID, Messages: out})
}

// handleAddMessage handles POST /api/threads/{id}/messages. The message is
// stored without calling the model. Type defaults to "user".
func (g *Gateway) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	thread, ok := g.resolveThread(w, r)
	if !ok {
		return
	}

	var req AddMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Type == "" {
		req.Type = store.MessageTypeUser
	}
	isLLM := true
	if req.IsLLMMessage != nil {
		isLLM = *req.IsLLMMessage
	}

	g.withIdempotency(w, r, func() (int, any) {
		msg := &store.Message{
			ThreadID:     thread.ID,
			Type:         req.Type,
			Content:      req.Content,
			IsLLMMessage: isLLM,
			Metadata:     req.Metadata,
		}
		if err := g.shim.Conversations.AddMessage(r.Context(), msg); err != nil {
			g.logger.Error("failed to add message", "error", err, "thread_id", thread.ID)
			return http.StatusInternalServerError, map[string]string{"error": "internal server error"}
		}
		return http.StatusCreated, newMessageResponse(msg)
	})
}

// handleListRuns handles GET /api/threads/{id}/runs.
func (g *Gateway) handleListRuns(w http.ResponseWriter, r *http.Request) {
	thread, ok := g.resolveThread(w, r)
	if !ok {
		return
	}

	runs, err := g.shim.Conversations.ListRuns(r.Context(), thread.ID)
	if err != nil {
		g.logger.Error("failed to list agent runs", "error", err, "thread_id", thread.ID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, newRunResponse(run))
	}
	g.writeJSON(w, http.StatusOK, ThreadRunsResponse{ThreadID: thread.ID, Runs: out})
}

// handleChat handles POST /api/threads/{id}/chat.
//
// Responsibilities:
//  1. Resolve the thread for the requesting user
//  2. Parse and validate the JSON body
//  3. Run the turn through the conversation service, which records everything
//  4. Answer as JSON, or stream SSE events when stream is set
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	thread, ok := g.resolveThread(w, r)
	if !ok {
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	}

	sendReq := conversation.SendRequest{
		ThreadID:    thread.ID,
		Content:     req.Content,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Metadata:    req.Metadata,
	}

	if req.Stream {
		g.streamChat(w, r, sendReq)
		return
	}

	g.withIdempotency(w, r, func() (int, any) {
		resp, err := g.shim.Conversations.Send(r.Context(), sendReq)
		if err != nil {
			return g.chatError(err, thread.ID)
		}
		return http.StatusOK, newChatResponse(resp)
	})
}

func newChatResponse(resp *conversation.SendResponse) ChatResponse {
	out := ChatResponse{
		ThreadID:    resp.ThreadID,
		Run:         newRunResponse(resp.Run),
		UserMessage: newMessageResponse(resp.UserMessage),
	}
	if resp.AssistantMessage != nil {
		m := newMessageResponse(resp.AssistantMessage)
		out.AssistantMessage = &m
	}
	return out
}

// chatError maps a conversation error to a status and body
func (g *Gateway) chatError(err error, threadID string) (int, any) {
	switch {
	case errors.Is(err, conversation.ErrEmptyContent):
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, map[string]string{"error": "thread not found"}
	default:
		g.logger.Error("chat turn failed", "error", err, "thread_id", threadID)
		return http.StatusInternalServerError, map[string]string{"error": "internal server error"}
	}
}

// streamChat runs a streaming turn. SSE headers are sent once the first delta
// arrives or the turn ends with a run recorded; earlier failures answer as JSON.
func (g *Gateway) streamChat(w http.ResponseWriter, r *http.Request, req conversation.SendRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	key, reserved := g.reserveStream(w, r)
	if !reserved {
		return
	}

	started := false
	start := func() {
		if started {
			return
		}
		started = true
		setSSEHeaders(w)
		w.WriteHeader(http.StatusOK)
		g.writeSSEEvent(w, "started", map[string]string{"thread_id": req.ThreadID})
	}

	resp, err := g.shim.Conversations.Stream(r.Context(), req, func(delta string) error {
		start()
		g.writeSSEEvent(w, "delta", map[string]string{"content": delta})
		flusher.Flush()
		return r.Context().Err()
	})

	if resp == nil {
		g.releaseKey(key)
		status, body := g.chatError(err, req.ThreadID)
		g.writeJSON(w, status, body)
		return
	}
	g.completeKey(key, nil)

	start()
	if err != nil {
		g.writeSSEEvent(w, "error", map[string]string{
			"error":  err.Error(),
			"run_id": resp.Run.ID,
		})
		flusher.Flush()
		return
	}

	done := map[string]string{"run_id": resp.Run.ID}
	if resp.AssistantMessage != nil {
		done["message_id"] = resp.AssistantMessage.ID
		done["content"] = resp.AssistantMessage.Content
	}
	g.writeSSEEvent(w, "done", done)
	flusher.Flush()
}

// cachedReply is a finished JSON response kept for idempotent replay
type cachedReply struct {
	status int
	body   []byte
}

// idempotencyKey scopes the client's key to the user and route
func idempotencyKey(r *http.Request) string {
	key := r.Header.Get(IdempotencyHeader)
	if key == "" {
		return ""
	}
	user := auth.MustUserFromContext(r.Context())
	return fmt.Sprintf("%s:%s:%s:%s", user.ID, r.Method, r.URL.Path, key)
}

// withIdempotency runs fn at most once per Idempotency-Key. A finished reply is
// replayed; a duplicate arriving while the first is running gets 409. Replies
// other than 2xx are not cached so the client can retry.
func (g *Gateway) withIdempotency(w http.ResponseWriter, r *http.Request, fn func() (int, any)) {
	key := idempotencyKey(r)
	if key == "" {
		status, body := fn()
		g.writeJSON(w, status, body)
		return
	}

	prev, state := g.replies.Reserve(key)
	switch state {
	case dedupe.Done:
		if prev == nil {
			g.sendJSONError(w, http.StatusConflict, "request already processed")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(prev.status)
		_, _ = w.Write(prev.body)
		return
	case dedupe.InFlight:
		g.sendJSONError(w, http.StatusConflict, "request already in progress")
		return
	}

	status, body := fn()
	data, err := json.Marshal(body)
	if err != nil || status < 200 || status >= 300 {
		g.replies.Release(key)
	} else {
		g.replies.Complete(key, &cachedReply{status: status, body: append(data, '\n')})
	}
	g.writeJSON(w, status, body)
}

// reserveStream claims the Idempotency-Key for a streaming request. A stream
// cannot be replayed, so any duplicate is rejected.
func (g *Gateway) reserveStream(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := idempotencyKey(r)
	if key == "" {
		return "", true
	}
	if _, state := g.replies.Reserve(key); state != dedupe.Reserved {
		g.sendJSONError(w, http.StatusConflict, "request already processed")
		return "", false
	}
	return key, true
}

func (g *Gateway) releaseKey(key string) {
	if key != "" {
		g.replies.Release(key)
	}
}

func (g *Gateway) completeKey(key string, reply *cachedReply) {
	if key != "" {
		g.replies.Complete(key, reply)
	}
}

// decodeOptionalJSON decodes the body into v; an empty body leaves v unchanged.
func decodeOptionalJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// setSSEHeaders prepares a response for server-sent events
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
