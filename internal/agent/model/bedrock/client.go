// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API via github.com/aws/aws-sdk-go-v2/service/bedrockruntime.
package bedrock

import (
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"deskagent/internal/agent/model"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client used by
// the adapter. It is satisfied by *bedrockruntime.Client so callers can pass
// either the real client or a stub in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Options configures the Bedrock adapter.
type Options struct {
	// Runtime provides access to the Bedrock runtime. Required.
	Runtime RuntimeClient
	// DefaultModel is the Bedrock model/inference-profile identifier used
	// when a Request does not set Model.
	DefaultModel string
	// MaxTokens is the completion cap sent with every request. When zero,
	// Bedrock's own default applies.
	MaxTokens int32
}

// Client implements model.Client on top of the AWS Bedrock Converse API.
type Client struct {
	runtime  RuntimeClient
	model    string
	maxToken int32
}

// New builds a Bedrock-backed model client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, model.NewError(model.ErrorKindConfig, "bedrock", "runtime client is required", false, nil)
	}
	if strings.TrimSpace(opts.DefaultModel) == "" {
		return nil, model.NewError(model.ErrorKindConfig, "bedrock", "default model is required", false, nil)
	}
	return &Client{runtime: opts.Runtime, model: opts.DefaultModel, maxToken: opts.MaxTokens}, nil
}

// Complete performs a non-streaming Converse call.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	input, err := c.buildInput(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, model.NewError(model.ErrorKindUpstream, "bedrock", err.Error(), false, err)
	}
	return translateOutput(out), nil
}

// Stream performs a streaming ConverseStream call.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	input, err := c.buildInput(req)
	if err != nil {
		return nil, err
	}
	streamInput := &bedrockruntime.ConverseStreamInput{
		ModelId:    input.ModelId,
		Messages:   input.Messages,
		System:     input.System,
		InferenceConfig: input.InferenceConfig,
	}
	out, err := c.runtime.ConverseStream(ctx, streamInput)
	if err != nil {
		return nil, model.NewError(model.ErrorKindUpstream, "bedrock", err.Error(), false, err)
	}
	return &streamer{events: out.GetStream()}, nil
}

func (c *Client) buildInput(req *model.Request) (*bedrockruntime.ConverseInput, error) {
	if len(req.Messages) == 0 {
		return nil, model.NewError(model.ErrorKindConfig, "bedrock", "messages are required", false, nil)
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	var system []brtypes.SystemContentBlock
	messages := make([]brtypes.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		case model.RoleAssistant:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		default:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}
	var infConfig *brtypes.InferenceConfiguration
	if c.maxToken > 0 {
		infConfig = &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(c.maxToken)}
	}
	return &bedrockruntime.ConverseInput{
		ModelId:         aws.String(modelID),
		Messages:        messages,
		System:          system,
		InferenceConfig: infConfig,
	}, nil
}

func translateOutput(out *bedrockruntime.ConverseOutput) *model.Response {
	var text strings.Builder
	if msgOutput, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msgOutput.Value.Content {
			if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
				text.WriteString(tb.Value)
			}
		}
	}
	resp := &model.Response{Content: text.String()}
	if out.Usage != nil {
		resp.Usage = model.Usage{
			PromptTokens:     int(aws.ToInt32(out.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
		}
	}
	return resp
}

// streamer adapts the Bedrock ConverseStream event channel to model.Streamer.
type streamer struct {
	events *bedrockruntime.ConverseStreamEventStream
}

func (s *streamer) Recv() (model.Chunk, error) {
	event, ok := <-s.events.Events()
	if !ok {
		if err := s.events.Err(); err != nil {
			return model.Chunk{}, model.NewError(model.ErrorKindTransport, "bedrock", err.Error(), true, err)
		}
		return model.Chunk{}, io.EOF
	}
	switch v := event.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		if delta, ok := v.Value.Delta.(*brtypes.ContentBlockDeltaMemberText); ok {
			return model.Chunk{Type: model.ChunkText, Text: delta.Value}, nil
		}
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if v.Value.Usage != nil {
			return model.Chunk{Type: model.ChunkUsage, Usage: model.Usage{
				PromptTokens:     int(aws.ToInt32(v.Value.Usage.InputTokens)),
				CompletionTokens: int(aws.ToInt32(v.Value.Usage.OutputTokens)),
			}}, nil
		}
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		return model.Chunk{Type: model.ChunkStop}, nil
	}
	return model.Chunk{Type: model.ChunkText}, nil
}

func (s *streamer) Close() error {
	return s.events.Close()
}
