package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/connect3/backend/pkg/logger"
	"github.com/connect3/backend/pkg/retry"
)

// ToolCall describes a tool invocation surfaced by the model mid-stream.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// StreamDelta is one increment of a streamed completion. Exactly one of
// Content, Reasoning, ToolCall or Err is set. Err is always the last delta.
type StreamDelta struct {
	Content   string
	Reasoning string
	ToolCall  *ToolCall
	Err       error
}

// Stream starts a streamed completion. Opening the stream is retried under the
// provider policy; once tokens flow, failures are delivered as a final Err delta.
// The channel is closed when the stream ends or ctx is cancelled.
func (c *Client) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamDelta, error) {
	chatReq := c.buildRequest(req, c.model)
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	var stream *openai.ChatCompletionStream
	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			s, err := c.client.CreateChatCompletionStream(ctx, chatReq)
			if err != nil {
				return fmt.Errorf("failed to open completion stream: %w", err)
			}
			stream = s
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	out := make(chan StreamDelta, 32)
	go func() {
		defer close(out)
		defer stream.Close()

		send := func(d StreamDelta) bool {
			select {
			case out <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		seenTools := make(map[string]struct{})
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				send(StreamDelta{Err: fmt.Errorf("stream interrupted: %w", err)})
				return
			}

			if resp.Usage != nil {
				recordUsage(chatReq.Model, *resp.Usage)
			}

			for _, choice := range resp.Choices {
				delta := choice.Delta
				if delta.ReasoningContent != "" && !send(StreamDelta{Reasoning: delta.ReasoningContent}) {
					return
				}
				for _, tc := range delta.ToolCalls {
					if tc.ID == "" || tc.Function.Name == "" {
						continue
					}
					if _, ok := seenTools[tc.ID]; ok {
						continue
					}
					seenTools[tc.ID] = struct{}{}
					if !send(StreamDelta{ToolCall: &ToolCall{ID: tc.ID, Name: tc.Function.Name}}) {
						return
					}
				}
				if delta.Content != "" && !send(StreamDelta{Content: delta.Content}) {
					return
				}
				if choice.FinishReason == openai.FinishReasonLength {
					logger.Warn("Completion stream truncated at token limit", zap.String("model", chatReq.Model))
				}
			}
		}
	}()

	return out, nil
}
