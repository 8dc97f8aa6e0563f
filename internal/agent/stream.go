package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// PromptStream sends content to a session and returns the resulting event
// stream. The protocol is two-phase: the SSE subscription at /event is
// opened first so the prompt's own lifecycle events are observable, then the
// prompt is POSTed to /session/{id}/prompt_async concurrently with the read.
//
// The returned channel is closed when the stream terminates. The whole
// exchange is bounded by PromptStreamTimeout; cancelling ctx tears down both
// the SSE read and the POST.
func (c *Client) PromptStream(ctx context.Context, sessionID, content string, opts PromptOptions) (<-chan StreamEvent, error) {
	streamCtx, cancel := context.WithTimeout(ctx, PromptStreamTimeout)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	// Auth only: a content type on the subscription confuses some servers.
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open event stream: status %d", resp.StatusCode)
	}

	// The SSE read is live; fire the prompt. A POST failure cancels the
	// stream and is surfaced as the stream's error event.
	postErr := make(chan error, 1)
	go func() {
		if err := c.postPrompt(streamCtx, sessionID, content, opts); err != nil {
			postErr <- err
			cancel()
		}
	}()

	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		defer cancel()
		defer resp.Body.Close()

		reader := newStreamReader(sessionID)
		runErr := reader.run(resp.Body, func(ev StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-streamCtx.Done():
				return false
			}
		})
		if runErr == nil && streamCtx.Err() == nil {
			return // clean terminal: done or session.error already emitted
		}

		// The read died. Report the most specific cause we have.
		select {
		case err := <-postErr:
			events <- StreamEvent{Type: EventError, Text: err.Error()}
			return
		default:
		}
		switch {
		case errors.Is(streamCtx.Err(), context.DeadlineExceeded):
			events <- StreamEvent{Type: EventError, Text: "prompt stream deadline exceeded"}
		case streamCtx.Err() != nil:
			// Consumer cancelled; nothing to report.
		case runErr != nil:
			events <- StreamEvent{Type: EventError, Text: runErr.Error()}
		}
	}()

	return events, nil
}

// postPrompt issues the prompt_async call for an already-open event stream.
func (c *Client) postPrompt(ctx context.Context, sessionID, content string, opts PromptOptions) error {
	parts := make([]any, 0, 1+len(opts.FileParts))
	parts = append(parts, map[string]string{"type": "text", "text": content})
	for _, fp := range opts.FileParts {
		parts = append(parts, fp)
	}

	body := map[string]any{"parts": parts}
	if opts.AgentName != "" {
		body["agent"] = opts.AgentName
	}
	if opts.Model != nil {
		body["model"] = opts.Model
	}

	resp, err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/prompt_async", body)
	if err != nil {
		return fmt.Errorf("post prompt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post prompt: status %d", resp.StatusCode)
	}
	return nil
}
