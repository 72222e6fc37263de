// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API via github.com/openai/openai-go.
package openai

import (
	"context"
	"errors"
	"strings"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"deskagent/internal/agent/model"
)

// ChatClient captures the subset of the openai-go client used by the
// adapter, so tests can substitute a stub without hitting the network.
type ChatClient interface {
	New(ctx context.Context, params openaisdk.ChatCompletionNewParams) (*openaisdk.ChatCompletion, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	// Client is the chat-completions sub-client. When nil, New builds one
	// from APIKey.
	Client ChatClient
	// APIKey authenticates with the OpenAI API; used only when Client is nil.
	APIKey string
	// DefaultModel is used when a Request does not set Model.
	DefaultModel string
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat  ChatClient
	model string
}

// New builds an OpenAI-backed model client.
func New(opts Options) (*Client, error) {
	modelID := strings.TrimSpace(opts.DefaultModel)
	if modelID == "" {
		return nil, model.NewError(model.ErrorKindConfig, "openai", "default model is required", false, nil)
	}
	chat := opts.Client
	if chat == nil {
		if strings.TrimSpace(opts.APIKey) == "" {
			return nil, model.NewError(model.ErrorKindConfig, "openai", "api key is required", false, nil)
		}
		sdk := openaisdk.NewClient(option.WithAPIKey(opts.APIKey))
		chat = chatCompletionsAdapter{inner: sdk.Chat.Completions}
	}
	return &Client{chat: chat, model: modelID}, nil
}

// chatCompletionsAdapter narrows the generated SDK's completions service to
// the ChatClient interface.
type chatCompletionsAdapter struct {
	inner interface {
		New(ctx context.Context, params openaisdk.ChatCompletionNewParams, opts ...option.RequestOption) (*openaisdk.ChatCompletion, error)
	}
}

func (a chatCompletionsAdapter) New(ctx context.Context, params openaisdk.ChatCompletionNewParams) (*openaisdk.ChatCompletion, error) {
	return a.inner.New(ctx, params)
}

// Complete performs a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if len(req.Messages) == 0 {
		return nil, model.NewError(model.ErrorKindConfig, "openai", "messages are required", false, nil)
	}
	params := c.buildParams(req)
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, translateError(err)
	}
	return translateResponse(resp), nil
}

// Stream is not supported by this adapter: it always returns an error (a
// config error when req has no messages).
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if len(req.Messages) == 0 {
		return nil, model.NewError(model.ErrorKindConfig, "openai", "messages are required", false, nil)
	}
	// The narrow ChatClient interface this adapter is built on does not
	// expose the SDK's streaming method, and no streamer is implemented here.
	return nil, errors.New("openai: streaming requires a concrete SDK client, not the test ChatClient seam")
}

func (c *Client) buildParams(req *model.Request) openaisdk.ChatCompletionNewParams {
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			messages = append(messages, openaisdk.SystemMessage(m.Content))
		case model.RoleAssistant:
			messages = append(messages, openaisdk.AssistantMessage(m.Content))
		default:
			messages = append(messages, openaisdk.UserMessage(m.Content))
		}
	}
	return openaisdk.ChatCompletionNewParams{
		Model:    modelID,
		Messages: messages,
	}
}

func translateResponse(resp *openaisdk.ChatCompletion) *model.Response {
	var content string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	return &model.Response{
		Content: content,
		Usage: model.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}
}

func translateError(err error) error {
	return model.NewError(model.ErrorKindUpstream, "openai", err.Error(), false, err)
}
