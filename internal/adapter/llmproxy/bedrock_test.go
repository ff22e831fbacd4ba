package llmproxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/pkoukk/tiktoken-go"
	"github.com/stretchr/testify/require"

	"quackrelay/internal/domain"
)

type mockConverseClient struct {
	converseFunc func(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

func (m *mockConverseClient) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	if m.converseFunc != nil {
		return m.converseFunc(ctx, params, optFns...)
	}
	return nil, fmt.Errorf("not implemented")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEncoding(t *testing.T) *tiktoken.Tiktoken {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	require.NoError(t, err)
	return enc
}

func TestProviderCompleteReturnsTextAndUsage(t *testing.T) {
	var received *bedrockruntime.ConverseInput
	mock := &mockConverseClient{
		converseFunc: func(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
			received = params
			return &bedrockruntime.ConverseOutput{
				Output: &types.ConverseOutputMemberMessage{
					Value: types.Message{
						Role:    types.ConversationRoleAssistant,
						Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: "hello there"}},
					},
				},
				Usage: &types.TokenUsage{InputTokens: aws.Int32(12), OutputTokens: aws.Int32(3)},
			}, nil
		},
	}

	provider := newProviderWithClient("anthropic.claude-3-5-sonnet", mock, 4096, testEncoding(t), testLogger())

	resp, err := provider.Complete(context.Background(), domain.CompletionRequest{AgentID: "claude/web", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hello there", resp.Text)
	require.Equal(t, 12, resp.PromptTokens)
	require.Equal(t, 3, resp.CompletionTokens)
	require.NotNil(t, received)
}

func TestProviderCompleteWrapsTransportError(t *testing.T) {
	mock := &mockConverseClient{
		converseFunc: func(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
			return nil, fmt.Errorf("connection reset")
		},
	}
	provider := newProviderWithClient("anthropic.claude-3-5-sonnet", mock, 4096, testEncoding(t), testLogger())

	_, err := provider.Complete(context.Background(), domain.CompletionRequest{AgentID: "claude/web", Prompt: "hi"})
	require.Error(t, err)
}

func TestProviderTruncateKeepsTail(t *testing.T) {
	enc := testEncoding(t)
	provider := newProviderWithClient("m", &mockConverseClient{}, 4, enc, testLogger())

	long := strings.Repeat("word ", 50)
	truncated := provider.truncate(long)

	require.LessOrEqual(t, len(enc.Encode(truncated, nil, nil)), 4)
	require.True(t, strings.HasSuffix(strings.TrimSpace(long), strings.TrimSpace(truncated)))
}
