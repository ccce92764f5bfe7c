// ABOUTME: Conversation service persisting user messages, agent runs and completions
// ABOUTME: Record first, then act: the user message and run exist before the model is called

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/2389/localbase/internal/llm"
	"github.com/2389/localbase/internal/store"
)

// persistTimeout bounds writes made after the model call, which run detached
// from the request context so a disconnect does not lose the reply.
const persistTimeout = 5 * time.Second

// ErrEmptyContent is returned for a turn without any text
var ErrEmptyContent = errors.New("content is required")

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetProject(ctx context.Context, id string) (*store.Project, error)
	CreateThread(ctx context.Context, thread *store.Thread) error
	GetThread(ctx context.Context, id string) (*store.Thread, error)
	AddMessage(ctx context.Context, msg *store.Message) error
	GetThreadMessages(ctx context.Context, threadID string) ([]*store.Message, error)
	CreateAgentRun(ctx context.Context, run *store.AgentRun) error
	UpdateAgentRunStatus(ctx context.Context, id, status string, errorMessage *string) error
	ListThreadAgentRuns(ctx context.Context, threadID string) ([]*store.AgentRun, error)
}

// Completer defines what the service needs from the completion proxy
type Completer interface {
	DefaultModel() string
	MakeCompletion(ctx context.Context, req llm.CompletionRequest) *openai.ChatCompletionResponse
	Stream(ctx context.Context, req llm.CompletionRequest) (*llm.Stream, error)
}

// Service runs user turns against the model and records every step
type Service struct {
	store       ConversationStore
	completer   Completer
	broadcaster *Broadcaster
	logger      *slog.Logger
}

// New creates a conversation service. broadcaster may be nil.
func New(st ConversationStore, completer Completer, broadcaster *Broadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       st,
		completer:   completer,
		broadcaster: broadcaster,
		logger:      logger.With("component", "conversation"),
	}
}

// SendRequest is one user turn
type SendRequest struct {
	ThreadID    string
	Content     string
	Model       string
	Temperature float32
	MaxTokens   int
	Metadata    store.Metadata
}

// SendResponse is the outcome of a turn. Completion is only set by Send.
type SendResponse struct {
	ThreadID         string
	UserMessage      *store.Message
	AssistantMessage *store.Message
	Run              *store.AgentRun
	Completion       *openai.ChatCompletionResponse
}

// EnsureThread creates a thread after checking that the user and project exist.
func (s *Service) EnsureThread(ctx context.Context, userID, projectID, title string) (*store.Thread, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("user %q: %w", userID, err)
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, fmt.Errorf("project %q: %w", projectID, err)
	}

	thread := &store.Thread{ProjectID: projectID, UserID: userID, Title: title}
	if err := s.store.CreateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("creating thread: %w", err)
	}
	s.logger.Debug("thread created", "thread_id", thread.ID, "user_id", userID)
	return thread, nil
}

// AddMessage appends a message without calling the model
func (s *Service) AddMessage(ctx context.Context, msg *store.Message) error {
	if err := s.store.AddMessage(ctx, msg); err != nil {
		return err
	}
	s.publish(msg)
	return nil
}

// GetHistory returns a thread's messages, oldest first
func (s *Service) GetHistory(ctx context.Context, threadID string) ([]*store.Message, error) {
	return s.store.GetThreadMessages(ctx, threadID)
}

// ListRuns returns a thread's agent runs, oldest first
func (s *Service) ListRuns(ctx context.Context, threadID string) ([]*store.AgentRun, error) {
	return s.store.ListThreadAgentRuns(ctx, threadID)
}

// turn holds the records created before the model is called
type turn struct {
	thread   *store.Thread
	user     *store.Message
	run      *store.AgentRun
	request  llm.CompletionRequest
	response *SendResponse
}

// begin validates the thread, records the user message and opens an agent run.
func (s *Service) begin(ctx context.Context, req SendRequest) (*turn, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyContent
	}

	thread, err := s.store.GetThread(ctx, req.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("thread %q: %w", req.ThreadID, err)
	}

	history, err := s.store.GetThreadMessages(ctx, thread.ID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	userMsg := &store.Message{
		ThreadID:     thread.ID,
		Type:         store.MessageTypeUser,
		Content:      req.Content,
		IsLLMMessage: true,
		Metadata:     req.Metadata,
	}
	if err := s.store.AddMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("recording user message: %w", err)
	}
	s.publish(userMsg)

	model := req.Model
	if model == "" {
		model = s.completer.DefaultModel()
	}
	run := &store.AgentRun{ThreadID: thread.ID, ModelName: model}
	if err := s.store.CreateAgentRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating agent run: %w", err)
	}

	s.logger.Debug("turn started", "thread_id", thread.ID, "run_id", run.ID, "model", model)

	return &turn{
		thread: thread,
		user:   userMsg,
		run:    run,
		request: llm.CompletionRequest{
			Model:       model,
			Messages:    append(ChatHistory(history), openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Content}),
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		},
		response: &SendResponse{ThreadID: thread.ID, UserMessage: userMsg, Run: run},
	}, nil
}

// Send runs a single-shot turn. A fallback completion still stores the assistant
// message but marks the run failed with the diagnostic as its error.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	t, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}

	completion := s.completer.MakeCompletion(ctx, t.request)
	t.response.Completion = completion

	var content string
	var finish openai.FinishReason
	var usage openai.Usage
	if completion != nil && len(completion.Choices) > 0 {
		content = completion.Choices[0].Message.Content
		finish = completion.Choices[0].FinishReason
		usage = completion.Usage
	}

	pctx, cancel := detached(ctx)
	defer cancel()

	meta := store.Metadata{
		"run_id":        t.run.ID,
		"model":         t.request.Model,
		"finish_reason": string(finish),
		"usage": map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
	}
	assistant, err := s.recordAssistant(pctx, t, content, meta)
	if err != nil {
		s.finishRun(pctx, t.run, err.Error())
		return t.response, err
	}
	t.response.AssistantMessage = assistant

	switch {
	case completion == nil || len(completion.Choices) == 0:
		s.finishRun(pctx, t.run, "empty completion")
	case llm.IsFallback(completion):
		s.finishRun(pctx, t.run, content)
	default:
		s.finishRun(pctx, t.run, "")
	}
	return t.response, nil
}

// Stream runs a streaming turn, calling onDelta for each content delta. The
// joined text is stored when the stream ends. A setup failure, read failure or
// onDelta error marks the run failed and is returned.
func (s *Service) Stream(ctx context.Context, req SendRequest, onDelta func(string) error) (*SendResponse, error) {
	t, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}

	stream, err := s.completer.Stream(ctx, t.request)
	if err != nil {
		pctx, cancel := detached(ctx)
		defer cancel()
		s.finishRun(pctx, t.run, err.Error())
		return t.response, fmt.Errorf("opening stream: %w", err)
	}

	var b strings.Builder
	var streamErr error
	for delta, err := range stream.Deltas() {
		if err != nil {
			streamErr = err
			break
		}
		b.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				streamErr = fmt.Errorf("delivering delta: %w", err)
				break
			}
		}
	}

	pctx, cancel := detached(ctx)
	defer cancel()

	meta := store.Metadata{"run_id": t.run.ID, "model": t.request.Model, "streamed": true}
	if streamErr != nil {
		meta["partial"] = true
	}
	assistant, err := s.recordAssistant(pctx, t, b.String(), meta)
	if err != nil {
		s.finishRun(pctx, t.run, err.Error())
		return t.response, err
	}
	t.response.AssistantMessage = assistant

	if streamErr != nil {
		s.finishRun(pctx, t.run, streamErr.Error())
		return t.response, streamErr
	}
	s.finishRun(pctx, t.run, "")
	return t.response, nil
}

func (s *Service) recordAssistant(ctx context.Context, t *turn, content string, meta store.Metadata) (*store.Message, error) {
	msg := &store.Message{
		ThreadID:     t.thread.ID,
		Type:         store.MessageTypeAssistant,
		Content:      content,
		IsLLMMessage: true,
		Metadata:     meta,
	}
	if err := s.store.AddMessage(ctx, msg); err != nil {
		s.logger.Error("failed to record assistant message", "error", err, "thread_id", t.thread.ID, "run_id", t.run.ID)
		return nil, fmt.Errorf("recording assistant message: %w", err)
	}
	s.publish(msg)
	return msg, nil
}

// finishRun marks the run completed, or failed when errMsg is non-empty.
// A status update failure is logged; the turn's outcome is already stored.
func (s *Service) finishRun(ctx context.Context, run *store.AgentRun, errMsg string) {
	status := store.RunStatusCompleted
	var errPtr *string
	if errMsg != "" {
		status = store.RunStatusFailed
		errPtr = &errMsg
	}

	if err := s.store.UpdateAgentRunStatus(ctx, run.ID, status, errPtr); err != nil {
		s.logger.Error("failed to update agent run", "error", err, "run_id", run.ID, "status", status)
		return
	}
	run.Status = status
	run.ErrorMessage = errPtr

	if status == store.RunStatusFailed {
		s.logger.Warn("agent run failed", "run_id", run.ID, "thread_id", run.ThreadID, "error", errMsg)
	} else {
		s.logger.Debug("agent run completed", "run_id", run.ID, "thread_id", run.ThreadID)
	}
}

func (s *Service) publish(msg *store.Message) {
	if s.broadcaster != nil {
		s.broadcaster.Publish(msg)
	}
}

// detached returns a context that survives cancellation of ctx for final writes
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// ChatHistory maps stored messages onto chat messages for the model. Only
// messages flagged for the model with a known role are included.
func ChatHistory(msgs []*store.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	for _, m := range msgs {
		if !m.IsLLMMessage {
			continue
		}
		var role string
		switch m.Type {
		case store.MessageTypeUser:
			role = openai.ChatMessageRoleUser
		case store.MessageTypeAssistant:
			role = openai.ChatMessageRoleAssistant
		case store.MessageTypeSystem:
			role = openai.ChatMessageRoleSystem
		default:
			continue
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}
