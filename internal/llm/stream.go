// ABOUTME: Streaming chat completions parsed from server-sent events
// ABOUTME: Yields content deltas until [DONE]; malformed frames are skipped

package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/localbase/internal/metrics"
)

// Stream reads content deltas from an open completion stream. The stream owns the
// response body until Close. Recv must not be called concurrently; Close may be
// called from any goroutine to abort a blocked Recv.
type Stream struct {
	body    io.ReadCloser
	reader  *bufio.Reader
	cancel  context.CancelFunc
	logger  *slog.Logger
	metrics *metrics.Metrics
	start   time.Time
	now     func() time.Time

	done      bool
	failed    bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// streamChunk keeps delta as raw fields so a present-but-empty content key can be
// told apart from an absent one.
type streamChunk struct {
	Choices []struct {
		Delta map[string]json.RawMessage `json:"delta"`
	} `json:"choices"`
}

// Stream opens a streaming completion. A non-200 status or transport failure is
// returned before any data is read.
func (c *Client) Stream(ctx context.Context, req CompletionRequest) (*Stream, error) {
	body := c.buildRequest(req, true)
	start := c.now()

	sctx, cancel := c.withTimeout(ctx, c.cfg.RequestTimeout)
	resp, err := c.client().R().
		SetContext(sctx).
		SetBody(body).
		SetHeader("Accept", "text/event-stream").
		SetDoNotParseResponse(true).
		Post("/chat/completions")
	if err != nil {
		cancel()
		c.metrics.RecordCompletion(metrics.ModeStream, metrics.OutcomeError, c.now().Sub(start))
		return nil, fmt.Errorf("opening stream: %w", err)
	}

	raw := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(raw, 4096))
		raw.Close()
		cancel()
		c.metrics.RecordCompletion(metrics.ModeStream, metrics.OutcomeError, c.now().Sub(start))
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrUnexpectedStatus, resp.StatusCode(), strings.TrimSpace(string(msg)))
	}

	c.logger.Debug("stream opened", "model", body.Model)
	return &Stream{
		body:    raw,
		reader:  bufio.NewReader(raw),
		cancel:  cancel,
		logger:  c.logger,
		metrics: c.metrics,
		start:   start,
		now:     c.now,
	}, nil
}

// Recv returns the next content delta. It returns io.EOF after [DONE], at the end
// of the body, or once the stream is closed.
func (s *Stream) Recv() (string, error) {
	for {
		if s.done || s.closed.Load() {
			return "", io.EOF
		}

		line, err := s.reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) || s.closed.Load() {
				s.done = true
				return "", io.EOF
			}
			s.failed = true
			return "", fmt.Errorf("reading stream: %w", err)
		}
		if err != nil {
			// Final line without a trailing newline; the next read reports EOF.
			s.done = true
		}

		line = strings.TrimSpace(line)

		// Skip empty lines, comments and non-data fields
		if !strings.HasPrefix(line, "data:") {
			if s.done {
				return "", io.EOF
			}
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		if data == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		content, ok := s.parseDelta(data)
		if ok {
			return content, nil
		}
		if s.done {
			return "", io.EOF
		}
	}
}

func (s *Stream) parseDelta(data string) (string, bool) {
	var chunk streamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		s.logger.Debug("skipping malformed stream frame", "error", err)
		return "", false
	}
	if len(chunk.Choices) == 0 {
		return "", false
	}
	raw, ok := chunk.Choices[0].Delta["content"]
	if !ok {
		return "", false
	}
	var content *string
	if err := json.Unmarshal(raw, &content); err != nil {
		s.logger.Debug("skipping non-text delta content", "error", err)
		return "", false
	}
	if content == nil {
		return "", true
	}
	return *content, true
}

// Close releases the connection. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.body.Close()
		s.cancel()

		outcome := metrics.OutcomeOK
		if s.failed {
			outcome = metrics.OutcomeError
		}
		s.metrics.RecordCompletion(metrics.ModeStream, outcome, s.now().Sub(s.start))
	})
	return err
}

// Deltas iterates the stream and closes it on every exit path, including an
// early break by the caller. A read error is yielded once as the final element.
func (s *Stream) Deltas() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer s.Close()
		for {
			delta, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(delta, nil) {
				return
			}
		}
	}
}

// Collect drains the stream into a single string and closes it
func (s *Stream) Collect() (string, error) {
	var b strings.Builder
	for delta, err := range s.Deltas() {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(delta)
	}
	return b.String(), nil
}
