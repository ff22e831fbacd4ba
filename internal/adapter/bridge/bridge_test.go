package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"quackrelay/internal/domain"
	"quackrelay/internal/usecase/mailbox"
)

type fakeMailbox struct {
	sent     []mailbox.SendInput
	approved []string
}

func (f *fakeMailbox) Send(_ context.Context, in mailbox.SendInput) (domain.Message, error) {
	f.sent = append(f.sent, in)
	return domain.Message{ID: "m1", To: in.To, From: in.From, Task: in.Task, Status: domain.StatusPending}, nil
}

func (f *fakeMailbox) Approve(_ context.Context, id, _ string) (domain.Message, error) {
	f.approved = append(f.approved, id)
	return domain.Message{ID: id, Status: domain.StatusApproved}, nil
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, domain.AuditEntry) error { return nil }

type noopRegistry struct{}

func (noopRegistry) Resolve(context.Context, string) (domain.Agent, error) {
	return domain.Agent{}, domain.ErrNotFound
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func startServer(t *testing.T, devBypass bool) (*fakeMailbox, *httptest.Server) {
	t.Helper()
	mbox := &fakeMailbox{}
	srv := New(mbox, noopAudit{}, noopRegistry{}, "shh", devBypass, testLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("/bridge/connect", srv.HandleConnect)
	mux.HandleFunc("/bridge/relay", srv.HandleRelay)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return mbox, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/bridge/connect"
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func TestAuthSuccessWithDevBypass(t *testing.T) {
	_, ts := startServer(t, true)
	ws := dial(t, ts)
	ctx := context.Background()

	var welcome domain.Frame
	require.NoError(t, wsjson.Read(ctx, ws, &welcome))
	require.Equal(t, domain.FrameWelcome, welcome.Type)

	payload, _ := json.Marshal(map[string]any{"agent_id": "claude/dev", "token": "anything"})
	require.NoError(t, wsjson.Write(ctx, ws, domain.Frame{Type: domain.FrameAuth, Payload: payload}))

	var resp domain.Frame
	require.NoError(t, wsjson.Read(ctx, ws, &resp))
	require.Equal(t, domain.FrameAuthSuccess, resp.Type)
}

func TestAuthRejectsBadToken(t *testing.T) {
	_, ts := startServer(t, false)
	ws := dial(t, ts)
	ctx := context.Background()

	var welcome domain.Frame
	require.NoError(t, wsjson.Read(ctx, ws, &welcome))

	payload, _ := json.Marshal(map[string]any{"agent_id": "claude/dev", "token": "wrong"})
	require.NoError(t, wsjson.Write(ctx, ws, domain.Frame{Type: domain.FrameAuth, Payload: payload}))

	var resp domain.Frame
	require.NoError(t, wsjson.Read(ctx, ws, &resp))
	require.Equal(t, domain.FrameError, resp.Type)
}

func TestPingPong(t *testing.T) {
	_, ts := startServer(t, true)
	ws := dial(t, ts)
	ctx := context.Background()

	var welcome domain.Frame
	require.NoError(t, wsjson.Read(ctx, ws, &welcome))
	payload, _ := json.Marshal(map[string]any{"agent_id": "claude/dev", "token": "x"})
	require.NoError(t, wsjson.Write(ctx, ws, domain.Frame{Type: domain.FrameAuth, Payload: payload}))
	var authResp domain.Frame
	require.NoError(t, wsjson.Read(ctx, ws, &authResp))

	require.NoError(t, wsjson.Write(ctx, ws, domain.Frame{Type: domain.FramePing}))
	var pong domain.Frame
	require.NoError(t, wsjson.Read(ctx, ws, &pong))
	require.Equal(t, domain.FramePong, pong.Type)
}

func TestOfflineMessageFallsBackToMailbox(t *testing.T) {
	mbox, ts := startServer(t, true)
	ws := dial(t, ts)
	ctx := context.Background()

	var welcome domain.Frame
	require.NoError(t, wsjson.Read(ctx, ws, &welcome))
	auth, _ := json.Marshal(map[string]any{"agent_id": "replit/dev", "token": "x"})
	require.NoError(t, wsjson.Write(ctx, ws, domain.Frame{Type: domain.FrameAuth, Payload: auth}))
	var authResp domain.Frame
	require.NoError(t, wsjson.Read(ctx, ws, &authResp))

	payload, _ := json.Marshal(map[string]any{"to": "claude/web", "content": "hi"})
	require.NoError(t, wsjson.Write(ctx, ws, domain.Frame{Type: domain.FrameMessage, Payload: payload}))

	var ack domain.Frame
	require.NoError(t, wsjson.Read(ctx, ws, &ack))
	require.Equal(t, domain.FrameMessageSent, ack.Type)
	var ackBody map[string]any
	require.NoError(t, json.Unmarshal(ack.Payload, &ackBody))
	require.Equal(t, false, ackBody["delivered"])

	require.Len(t, mbox.sent, 1)
	sent := mbox.sent[0]
	require.Equal(t, "claude/web", sent.To)
	require.Equal(t, "replit/dev", sent.From)
	require.ElementsMatch(t, []string{"bridge", "websocket", "auto-approved"}, sent.Tags)
	require.True(t, sent.ProjectImplied)
	require.Equal(t, []string{"m1"}, mbox.approved)
}

func TestRelayHandlerSendsAndApproves(t *testing.T) {
	_, ts := startServer(t, true)
	resp, err := http.Get(ts.URL + "/bridge/relay?" + url.Values{
		"from": {"claude/dev"},
		"to":   {"replit/main"},
		"task": {"do the thing"},
	}.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, true, body["success"])
	require.Equal(t, "m1", body["message_id"])
}

func TestRelayHandlerRequiresParams(t *testing.T) {
	_, ts := startServer(t, true)
	resp, err := http.Get(ts.URL + "/bridge/relay?from=claude/dev")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
