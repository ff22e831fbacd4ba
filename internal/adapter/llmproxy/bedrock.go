// Package llmproxy implements the optional completion-proxy worker: a
// thin domain.CompletionProvider backed by AWS Bedrock's Converse API, used
// only to synthesize one-shot replies or resumption summaries outside
// the core mailbox path. Never imported by the mailbox, registry,
// dispatcher, webhook, bridge, recorder, or convo packages.
package llmproxy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/pkoukk/tiktoken-go"
	"go.opentelemetry.io/otel/trace"

	"quackrelay/internal/domain"
	"quackrelay/internal/infra/tracer"
)

// converseAPI narrows the Bedrock runtime client down to the one method
// used here, so tests can supply a mock in place of a live client.
type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Provider implements domain.CompletionProvider via Bedrock's Converse
// API, truncating the prompt to the model's input budget before calling
// out.
type Provider struct {
	model        string
	client       converseAPI
	maxInputToks int
	encoding     *tiktoken.Tiktoken
	logger       *slog.Logger
}

// NewProvider creates a Bedrock-backed completion provider using the
// default AWS credential chain.
func NewProvider(ctx context.Context, region, model string, maxInputTokens int, logger *slog.Logger) (*Provider, error) {
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("llmproxy: load aws config: %w", err)
	}

	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("llmproxy: load token encoding: %w", err)
	}

	if maxInputTokens <= 0 {
		maxInputTokens = 4096
	}

	return &Provider{
		model:        model,
		client:       bedrockruntime.NewFromConfig(awsCfg),
		maxInputToks: maxInputTokens,
		encoding:     enc,
		logger:       logger,
	}, nil
}

func newProviderWithClient(model string, client converseAPI, maxInputTokens int, enc *tiktoken.Tiktoken, logger *slog.Logger) *Provider {
	return &Provider{model: model, client: client, maxInputToks: maxInputTokens, encoding: enc, logger: logger}
}

// Complete implements domain.CompletionProvider.
func (p *Provider) Complete(ctx context.Context, req domain.CompletionRequest) (domain.CompletionResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "llmproxy.complete",
		trace.WithAttributes(tracer.StringAttr("llmproxy.agent_id", req.AgentID)))
	defer span.End()

	prompt := p.truncate(req.Prompt)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(p.model),
		Messages: []types.Message{
			{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: prompt}},
			},
		},
		InferenceConfig: &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))},
	}
	if req.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(req.Temperature))
	}

	output, err := p.client.Converse(ctx, input)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.CompletionResponse{}, domain.NewDomainError("LLMProxy.Complete", domain.ErrTransient, err.Error())
	}

	resp := domain.CompletionResponse{}
	if outMsg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range outMsg.Value.Content {
			if text, ok := block.(*types.ContentBlockMemberText); ok {
				resp.Text += text.Value
			}
		}
	}
	if output.Usage != nil {
		resp.PromptTokens = int(aws.ToInt32(output.Usage.InputTokens))
		resp.CompletionTokens = int(aws.ToInt32(output.Usage.OutputTokens))
	}
	tracer.SetOK(span)
	return resp, nil
}

// truncate drops leading prompt content so the tail (the most recent,
// most relevant context) fits the provider's input token budget.
func (p *Provider) truncate(prompt string) string {
	tokens := p.encoding.Encode(prompt, nil, nil)
	if len(tokens) <= p.maxInputToks {
		return prompt
	}
	kept := tokens[len(tokens)-p.maxInputToks:]
	return p.encoding.Decode(kept)
}
