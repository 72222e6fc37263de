// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API via github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"io"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"deskagent/internal/agent/model"
)

// MessagesClient captures the subset of the Anthropic SDK client used by the
// adapter. It is satisfied by *sdk.MessageService so callers can pass either
// a real client or a stub in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures the Anthropic adapter.
type Options struct {
	// Client is the Messages sub-client. When nil, New builds one from APIKey.
	Client MessagesClient
	// APIKey authenticates with the Anthropic API; used only when Client is nil.
	APIKey string
	// DefaultModel is used when a Request does not set Model.
	DefaultModel string
	// MaxTokens is the completion cap sent with every request.
	MaxTokens int64
}

// Client implements model.Client on top of Anthropic Claude Messages.
type Client struct {
	msg      MessagesClient
	model    string
	maxToken int64
}

// New builds an Anthropic-backed model client.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.DefaultModel) == "" {
		return nil, model.NewError(model.ErrorKindConfig, "anthropic", "default model is required", false, nil)
	}
	msg := opts.Client
	if msg == nil {
		if strings.TrimSpace(opts.APIKey) == "" {
			return nil, model.NewError(model.ErrorKindConfig, "anthropic", "api key is required", false, nil)
		}
		sdkClient := sdk.NewClient(option.WithAPIKey(opts.APIKey))
		msg = sdkClient.Messages
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{msg: msg, model: opts.DefaultModel, maxToken: maxTokens}, nil
}

// Complete performs a non-streaming Messages call.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, model.NewError(model.ErrorKindUpstream, "anthropic", err.Error(), false, err)
	}
	return translateResponse(resp), nil
}

// Stream performs a streaming Messages call.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	s := c.msg.NewStreaming(ctx, params)
	return &streamer{inner: s}, nil
}

func (c *Client) buildParams(req *model.Request) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, model.NewError(model.ErrorKindConfig, "anthropic", "messages are required", false, nil)
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	var system string
	messages := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			if system != "" {
				system += "\n"
			}
			system += m.Content
		case model.RoleAssistant:
			messages = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: c.maxToken,
		Messages:  messages,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	return params, nil
}

func translateResponse(resp *sdk.Message) *model.Response {
	var text strings.Builder
	for _, block := range resp.Content {
		if tb := block.AsText(); tb.Text != "" {
			text.WriteString(tb.Text)
		}
	}
	return &model.Response{
		Content: text.String(),
		Usage: model.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			CachedTokens:     int(resp.Usage.CacheReadInputTokens),
		},
	}
}

// streamer adapts the Anthropic SSE stream to model.Streamer, translating
// content_block_delta text events into ChunkText and the final
// message_delta usage into ChunkUsage.
type streamer struct {
	inner *ssestream.Stream[sdk.MessageStreamEventUnion]
	usage model.Usage
	done  bool
}

func (s *streamer) Recv() (model.Chunk, error) {
	for s.inner.Next() {
		event := s.inner.Current()
		switch variant := event.AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			if delta := variant.Delta.AsAny(); delta != nil {
				if textDelta, ok := delta.(sdk.TextDelta); ok {
					return model.Chunk{Type: model.ChunkText, Text: textDelta.Text}, nil
				}
			}
		case sdk.MessageDeltaEvent:
			s.usage.CompletionTokens = int(variant.Usage.OutputTokens)
			return model.Chunk{Type: model.ChunkUsage, Usage: s.usage}, nil
		case sdk.MessageStopEvent:
			s.done = true
			return model.Chunk{Type: model.ChunkStop}, nil
		}
	}
	if err := s.inner.Err(); err != nil {
		return model.Chunk{}, model.NewError(model.ErrorKindTransport, "anthropic", err.Error(), true, err)
	}
	return model.Chunk{}, io.EOF
}

func (s *streamer) Close() error {
	return s.inner.Close()
}
