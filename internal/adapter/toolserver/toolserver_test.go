package toolserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"quackrelay/internal/domain"
	"quackrelay/internal/usecase/mailbox"
)

type fakeMailbox struct {
	sent map[string]domain.Message
}

func newFakeMailbox() *fakeMailbox { return &fakeMailbox{sent: map[string]domain.Message{}} }

func (f *fakeMailbox) Send(_ context.Context, in mailbox.SendInput) (domain.Message, error) {
	msg := domain.Message{ID: "m" + in.To, To: in.To, From: in.From, Task: in.Task, Status: domain.StatusPending, ReplyTo: in.ReplyTo}
	f.sent[msg.ID] = msg
	return msg, nil
}

func (f *fakeMailbox) CheckInbox(_ context.Context, path string, _, _ bool) (domain.Inbox, error) {
	return domain.Inbox{Path: path}, nil
}

func (f *fakeMailbox) GetMessage(_ context.Context, id string) (domain.Message, error) {
	msg, ok := f.sent[id]
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	return msg, nil
}

func (f *fakeMailbox) MarkRead(_ context.Context, id, _ string) (domain.Message, error) {
	msg := f.sent[id]
	msg.Status = domain.StatusRead
	f.sent[id] = msg
	return msg, nil
}

func (f *fakeMailbox) Complete(_ context.Context, id, _ string) (domain.Message, error) {
	msg := f.sent[id]
	msg.Status = domain.StatusCompleted
	f.sent[id] = msg
	return msg, nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func callRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func decodeResultText(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, result.IsError)
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(tc.Text), &body))
	return body
}

func TestHandleSendTranslatesToMailboxSend(t *testing.T) {
	mb := newFakeMailbox()
	srv, err := New(mb, testLogger())
	require.NoError(t, err)

	result, err := srv.handleSend(context.Background(), callRequest(map[string]any{
		"to": "replit/main", "from": "claude/dev", "task": "do it",
	}))
	require.NoError(t, err)
	body := decodeResultText(t, result)
	require.Equal(t, "replit/main", body["to"])
}

func TestHandleSendRejectsMissingRequiredArgs(t *testing.T) {
	mb := newFakeMailbox()
	srv, err := New(mb, testLogger())
	require.NoError(t, err)

	result, err := srv.handleSend(context.Background(), callRequest(map[string]any{"to": "replit/main"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestHandleReplyResolvesOriginalSender(t *testing.T) {
	mb := newFakeMailbox()
	srv, err := New(mb, testLogger())
	require.NoError(t, err)

	sent, err := srv.handleSend(context.Background(), callRequest(map[string]any{
		"to": "replit/main", "from": "claude/dev", "task": "original",
	}))
	require.NoError(t, err)
	original := decodeResultText(t, sent)
	originalID := original["id"].(string)

	replyResult, err := srv.handleReply(context.Background(), callRequest(map[string]any{
		"id": originalID, "task": "reply text",
	}))
	require.NoError(t, err)
	reply := decodeResultText(t, replyResult)
	require.Equal(t, "claude/dev", reply["to"])
	require.Equal(t, "replit/main", reply["from"])
	require.Equal(t, originalID, reply["replyTo"])
}
