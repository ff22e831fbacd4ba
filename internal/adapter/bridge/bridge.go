// Package bridge implements the Real-time Bridge: a
// long-lived bidirectional websocket session layer on `/bridge/connect`,
// plus the GET-only `/bridge/relay` HTTP fallback that shares its
// delivery path with the bridge's own mailbox fallback.
package bridge

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	mathrand "math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"quackrelay/internal/domain"
	"quackrelay/internal/infra/tracer"
	"quackrelay/internal/usecase/mailbox"
)

// ProtocolVersion is advertised in the welcome frame.
const ProtocolVersion = 1

// HeartbeatInterval is how often the sweep reaps closed sockets.
const HeartbeatInterval = 30 * time.Second

// TokenLength is the truncated hex length of a validated auth token.
const TokenLength = 32

// MailboxPort is the subset of mailbox.Service the bridge drives for its
// mailbox fallback and GET-only relay.
type MailboxPort interface {
	Send(ctx context.Context, in mailbox.SendInput) (domain.Message, error)
	Approve(ctx context.Context, id, actor string) (domain.Message, error)
}

// AuditLogger records the bridge's own audit entries (relay, approve).
type AuditLogger interface {
	Record(ctx context.Context, entry domain.AuditEntry) error
}

// Registry looks up known agents so conversational root destinations can
// be coalesced for the mailbox fallback.
type Registry interface {
	Resolve(ctx context.Context, id string) (domain.Agent, error)
}

// conn tracks one authenticated or pending websocket connection.
type conn struct {
	ws            *websocket.Conn
	sendCh        chan domain.Frame
	done          chan struct{}
	closeOnce     sync.Once
	authenticated bool
	agentID       string
	capabilities  []string
	lastSeen      time.Time
	subscribedTo  map[string]bool
	mu            sync.Mutex
}

func (c *conn) send(f domain.Frame) {
	select {
	case c.sendCh <- f:
	default:
	}
}

func (c *conn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *conn) subscribe(channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		c.subscribedTo[ch] = true
	}
}

func (c *conn) subscribedToChannel(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribedTo[channel]
}

// Server implements the bridge connection registry and relay endpoint.
type Server struct {
	mailbox     MailboxPort
	audit       AuditLogger
	registry    Registry
	logger      *slog.Logger
	tokenSecret string
	devBypass   bool

	mu          sync.Mutex
	connections map[string]*conn // agentID -> conn

	idMu    sync.Mutex
	entropy *mathrand.Rand
}

// New creates a bridge Server. tokenSecret is the shared HMAC secret
// used to validate auth tokens; devBypass
// accepts any token when set, for local development.
func New(mailboxSvc MailboxPort, audit AuditLogger, registry Registry, tokenSecret string, devBypass bool, logger *slog.Logger) *Server {
	return &Server{
		mailbox:     mailboxSvc,
		audit:       audit,
		registry:    registry,
		logger:      logger,
		tokenSecret: tokenSecret,
		devBypass:   devBypass,
		connections: map[string]*conn{},
		entropy:     mathrand.New(mathrand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Server) newID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// HandleConnect upgrades the request to a websocket and runs the
// connection lifecycle until it closes.
func (s *Server) HandleConnect(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("bridge: accept failed", "error", err)
		return
	}

	c := &conn{
		ws:           ws,
		sendCh:       make(chan domain.Frame, 64),
		done:         make(chan struct{}),
		subscribedTo: map[string]bool{},
	}

	go s.writeLoop(c)

	welcome, _ := json.Marshal(map[string]any{"protocol_version": ProtocolVersion})
	c.send(domain.Frame{Type: domain.FrameWelcome, Payload: welcome})

	s.readLoop(r.Context(), c)

	c.closeOnce.Do(func() { close(c.done) })
	s.removeConnection(c)
	ws.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) writeLoop(c *conn) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, c.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, c *conn) {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		var frame domain.Frame
		if err := wsjson.Read(ctx, c.ws, &frame); err != nil {
			return
		}

		if !c.authenticated && frame.Type != domain.FrameAuth {
			c.send(errorFrame("unauthenticated: expected auth frame"))
			continue
		}

		s.handleFrame(ctx, c, frame)
	}
}

func (s *Server) handleFrame(ctx context.Context, c *conn, frame domain.Frame) {
	ctx, span := tracer.StartSpan(ctx, "bridge.frame",
		trace.WithAttributes(tracer.StringAttr("frame.type", string(frame.Type)), tracer.StringAttr("agent.id", c.agentID)))
	defer span.End()

	switch frame.Type {
	case domain.FrameAuth:
		s.handleAuth(ctx, c, frame)
	case domain.FramePing:
		c.touch()
		c.send(domain.Frame{Type: domain.FramePong})
	case domain.FrameMessage:
		s.handleMessage(ctx, c, frame)
	case domain.FrameCommand:
		s.handleCommand(c, frame)
	case domain.FrameResponse:
		s.handleResponse(c, frame)
	case domain.FrameBroadcast:
		s.handleBroadcast(c, frame)
	case domain.FrameSubscribe:
		s.handleSubscribe(c, frame)
	case domain.FrameListAgents:
		s.handleListAgents(c, frame)
	default:
		c.send(errorFrame("unknown frame type"))
	}
}

type authPayload struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities,omitempty"`
	Token        string   `json:"token"`
}

func (s *Server) handleAuth(_ context.Context, c *conn, frame domain.Frame) {
	var p authPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		c.send(errorFrame("malformed auth payload"))
		return
	}
	if !validAgentID(p.AgentID) {
		c.send(errorFrame("agent_id must be platform/name"))
		return
	}
	if !s.validToken(p.AgentID, p.Token) {
		c.send(errorFrame("invalid token"))
		return
	}

	c.agentID = p.AgentID
	c.capabilities = p.Capabilities
	c.authenticated = true
	c.touch()

	s.mu.Lock()
	if prior, ok := s.connections[p.AgentID]; ok {
		prior.send(domain.Frame{Type: domain.FrameError, Error: "replaced by a new connection"})
		prior.closeOnce.Do(func() { close(prior.done) })
		prior.ws.Close(websocket.StatusNormalClosure, "replaced")
	}
	s.connections[p.AgentID] = c
	online := s.onlineAgentIDsLocked()
	s.mu.Unlock()

	s.broadcastPresence(p.AgentID, "online")

	payload, _ := json.Marshal(map[string]any{"agent_id": p.AgentID, "online_agents": online})
	c.send(domain.Frame{Type: domain.FrameAuthSuccess, Payload: payload})
}

func validAgentID(id string) bool {
	parts := strings.Split(id, "/")
	if len(parts) != 2 {
		return false
	}
	return parts[0] != "" && parts[1] != ""
}

// validToken checks agentID's auth frame token against the HMAC derived
// from the shared secret, unless devBypass is set.
func (s *Server) validToken(agentID, token string) bool {
	if s.devBypass {
		return true
	}
	if s.tokenSecret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.tokenSecret))
	mac.Write([]byte(agentID))
	expected := hex.EncodeToString(mac.Sum(nil))
	if len(expected) > TokenLength {
		expected = expected[:TokenLength]
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1
}

type messagePayload struct {
	To       string          `json:"to"`
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) handleMessage(ctx context.Context, c *conn, frame domain.Frame) {
	var p messagePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		c.send(errorFrame("malformed message payload"))
		return
	}

	if target, ok := s.lookup(p.To); ok {
		target.send(domain.Frame{Type: domain.FrameMessage, Payload: frame.Payload})
		ack, _ := json.Marshal(map[string]any{"delivered": true})
		c.send(domain.Frame{Type: domain.FrameMessageSent, Payload: ack})
		return
	}

	if err := s.mailboxFallback(ctx, c.agentID, p.To, p.Content); err != nil {
		s.logger.Warn("bridge: mailbox fallback failed", "to", p.To, "error", err)
	}
	ack, _ := json.Marshal(map[string]any{"delivered": false})
	c.send(domain.Frame{Type: domain.FrameMessageSent, Payload: ack})
}

// mailboxFallback delivers to an offline recipient through the mailbox
// store instead of a live socket: coalesce a conversational root
// destination's sub-path to the root, submit via mailbox send with the
// bridge's standard tags, then immediately approve.
func (s *Server) mailboxFallback(ctx context.Context, from, to, content string) error {
	dest := s.coalesceDestination(ctx, to)
	msg, err := s.mailbox.Send(ctx, mailbox.SendInput{
		From:           from,
		To:             dest,
		Task:           content,
		Tags:           []string{"bridge", "websocket", "auto-approved"},
		ProjectImplied: true,
	})
	if err != nil {
		return err
	}
	if msg.Status == domain.StatusPending {
		if _, err := s.mailbox.Approve(ctx, msg.ID, "quack-bridge"); err != nil {
			return err
		}
	}
	s.auditRecord(ctx, domain.ActionMessageApprove, msg.ID, "quack-bridge")
	return nil
}

func (s *Server) coalesceDestination(ctx context.Context, to string) string {
	normalized := mailbox.NormalizePath(to)
	parts := strings.Split(normalized, "/")
	if len(parts) < 2 || s.registry == nil {
		return normalized
	}
	agent, err := s.registry.Resolve(ctx, parts[0])
	if err != nil || agent.Category != domain.CategoryConversational {
		return normalized
	}
	return parts[0]
}

type commandPayload struct {
	To             string          `json:"to"`
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	AwaitResponse  bool            `json:"await_response,omitempty"`
	CommandID      string          `json:"command_id,omitempty"`
}

func (s *Server) handleCommand(c *conn, frame domain.Frame) {
	var p commandPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		c.send(errorFrame("malformed command payload"))
		return
	}
	target, ok := s.lookup(p.To)
	if !ok {
		c.send(domain.Frame{Type: domain.FrameCommandFailed})
		return
	}
	if p.CommandID == "" {
		p.CommandID = s.newID()
	}
	forwarded, _ := json.Marshal(p)
	target.send(domain.Frame{Type: domain.FrameCommand, Payload: forwarded})
	ack, _ := json.Marshal(map[string]any{"command_id": p.CommandID})
	c.send(domain.Frame{Type: domain.FrameCommandSent, Payload: ack})
}

type responsePayload struct {
	CommandID string          `json:"command_id"`
	To        string          `json:"to"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (s *Server) handleResponse(c *conn, frame domain.Frame) {
	var p responsePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		c.send(errorFrame("malformed response payload"))
		return
	}
	target, ok := s.lookup(p.To)
	if !ok {
		c.send(domain.Frame{Type: domain.FrameResponseFailed})
		return
	}
	target.send(domain.Frame{Type: domain.FrameResponse, Payload: frame.Payload})
}

type broadcastPayload struct {
	Channel string          `json:"channel"`
	Content json.RawMessage `json:"content"`
}

func (s *Server) handleBroadcast(c *conn, frame domain.Frame) {
	var p broadcastPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		c.send(errorFrame("malformed broadcast payload"))
		return
	}
	s.mu.Lock()
	targets := make([]*conn, 0, len(s.connections))
	for _, other := range s.connections {
		if other != c && other.subscribedToChannel(p.Channel) {
			targets = append(targets, other)
		}
	}
	s.mu.Unlock()
	for _, t := range targets {
		t.send(domain.Frame{Type: domain.FrameBroadcast, Payload: frame.Payload})
	}
}

type subscribePayload struct {
	Channels []string `json:"channels"`
}

func (s *Server) handleSubscribe(c *conn, frame domain.Frame) {
	var p subscribePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		c.send(errorFrame("malformed subscribe payload"))
		return
	}
	c.subscribe(p.Channels)
	c.send(domain.Frame{Type: domain.FrameSubscribed})
}

type listAgentsFilter struct {
	Online     *bool  `json:"online,omitempty"`
	Platform   string `json:"platform,omitempty"`
	Capability string `json:"capability,omitempty"`
}

type listAgentsPayload struct {
	Filter listAgentsFilter `json:"filter,omitempty"`
}

type agentSummary struct {
	AgentID      string   `json:"agent_id"`
	Online       bool     `json:"online"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (s *Server) handleListAgents(c *conn, frame domain.Frame) {
	var p listAgentsPayload
	if len(frame.Payload) > 0 {
		_ = json.Unmarshal(frame.Payload, &p)
	}

	s.mu.Lock()
	var out []agentSummary
	for id, other := range s.connections {
		if p.Filter.Platform != "" && !strings.HasPrefix(id, p.Filter.Platform+"/") {
			continue
		}
		if p.Filter.Capability != "" && !containsString(other.capabilities, p.Filter.Capability) {
			continue
		}
		if p.Filter.Online != nil && *p.Filter.Online != true {
			continue
		}
		out = append(out, agentSummary{AgentID: id, Online: true, Capabilities: other.capabilities})
	}
	s.mu.Unlock()

	payload, _ := json.Marshal(out)
	c.send(domain.Frame{Type: domain.FrameListAgents, Payload: payload})
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func (s *Server) lookup(agentID string) (*conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[agentID]
	return c, ok
}

func (s *Server) onlineAgentIDsLocked() []string {
	ids := make([]string, 0, len(s.connections))
	for id := range s.connections {
		ids = append(ids, id)
	}
	return ids
}

// OnlineAgents returns the ids of every agent currently holding an
// authenticated websocket connection, for the `/bridge/agents` endpoint.
func (s *Server) OnlineAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlineAgentIDsLocked()
}

// Status summarizes the bridge's live connection state for the
// `/bridge/status` endpoint.
func (s *Server) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"connections":     len(s.connections),
		"onlineAgents":    s.onlineAgentIDsLocked(),
		"devBypass":       s.devBypass,
		"protocolVersion": ProtocolVersion,
	}
}

func (s *Server) removeConnection(c *conn) {
	if c.agentID == "" {
		return
	}
	s.mu.Lock()
	if current, ok := s.connections[c.agentID]; ok && current == c {
		delete(s.connections, c.agentID)
	}
	s.mu.Unlock()
	s.broadcastPresence(c.agentID, "offline")
}

func (s *Server) broadcastPresence(agentID, state string) {
	payload, _ := json.Marshal(map[string]any{"agent_id": agentID, "state": state})
	s.mu.Lock()
	targets := make([]*conn, 0, len(s.connections))
	for id, other := range s.connections {
		if id == agentID {
			continue
		}
		targets = append(targets, other)
	}
	s.mu.Unlock()
	for _, t := range targets {
		t.send(domain.Frame{Type: domain.FramePresence, Payload: payload})
	}
}

// SweepStale closes connections whose websocket is no longer open.
// Intended to be invoked by the scheduler at HeartbeatInterval.
func (s *Server) SweepStale(ctx context.Context) error {
	s.mu.Lock()
	stale := make([]*conn, 0)
	for _, c := range s.connections {
		if c.ws.Ping(ctx) != nil {
			stale = append(stale, c)
		}
	}
	s.mu.Unlock()
	for _, c := range stale {
		c.closeOnce.Do(func() { close(c.done) })
		s.removeConnection(c)
	}
	return nil
}

// Close sends a goodbye frame to every live connection and shuts the
// sockets, as part of core teardown. The goodbye goes through each
// connection's write loop (the socket's only writer) and is
// best-effort; the close handshake follows immediately.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.connections = map[string]*conn{}
	s.mu.Unlock()

	for _, c := range conns {
		c.send(domain.Frame{Type: domain.FrameGoodbye})
	}
	for _, c := range conns {
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		c.closeOnce.Do(func() { close(c.done) })
	}
}

func errorFrame(msg string) domain.Frame {
	return domain.Frame{Type: domain.FrameError, Error: msg}
}

func (s *Server) auditRecord(ctx context.Context, action domain.AuditAction, targetID, source string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, domain.AuditEntry{
		Timestamp:  time.Now(),
		Action:     action,
		Actor:      source,
		TargetType: "message",
		TargetID:   targetID,
		Source:     source,
	}); err != nil {
		s.logger.Warn("bridge: audit record failed", "error", err)
	}
}

// HandleRelay implements the GET-only `/bridge/relay` HTTP fallback:
// send then immediately approve, sharing the same delivery path as the
// bridge's own mailbox fallback.
func (s *Server) HandleRelay(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, task := q.Get("from"), q.Get("to"), q.Get("task")
	if from == "" || to == "" || task == "" {
		http.Error(w, "from, to, and task are required", http.StatusBadRequest)
		return
	}

	msg, err := s.mailbox.Send(r.Context(), mailbox.SendInput{
		From:           from,
		To:             to,
		Task:           task,
		Context:        q.Get("context"),
		Project:        q.Get("project"),
		ProjectName:    q.Get("project"),
		Priority:       domain.Priority(q.Get("priority")),
		ReplyTo:        q.Get("replyTo"),
		ProjectImplied: true,
	})
	if err != nil {
		writeRelayError(w, err)
		return
	}
	approved := msg
	if msg.Status == domain.StatusPending {
		approved, err = s.mailbox.Approve(r.Context(), msg.ID, "quack-bridge")
		if err != nil {
			writeRelayError(w, err)
			return
		}
	}
	s.auditRecord(r.Context(), domain.ActionBridgeRelay, approved.ID, "quack-bridge")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":    true,
		"message_id": approved.ID,
		"status":     approved.Status,
	})
}

func writeRelayError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if de, ok := err.(*domain.DomainError); ok {
		switch de.Err {
		case domain.ErrValidation:
			status = http.StatusBadRequest
		case domain.ErrNotFound:
			status = http.StatusNotFound
		case domain.ErrConflict:
			status = http.StatusConflict
		}
	}
	http.Error(w, err.Error(), status)
}
