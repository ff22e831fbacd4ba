// Package toolserver implements the protocol-adapter tool server: a
// streamed request/response transport exposing send, check,
// receive, complete, and reply as MCP tools, each validated against a
// JSON Schema before it is translated 1:1 into a mailbox operation.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kaptinlin/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"quackrelay/internal/domain"
	"quackrelay/internal/usecase/mailbox"
)

// MailboxPort is the subset of mailbox.Service the tool server drives.
// Every exposed tool translates 1:1 into one of these calls.
type MailboxPort interface {
	Send(ctx context.Context, in mailbox.SendInput) (domain.Message, error)
	CheckInbox(ctx context.Context, path string, includeTerminal, autoApproveOnCheck bool) (domain.Inbox, error)
	GetMessage(ctx context.Context, id string) (domain.Message, error)
	MarkRead(ctx context.Context, id, actor string) (domain.Message, error)
	Complete(ctx context.Context, id, actor string) (domain.Message, error)
}

// Server wraps an MCP server exposing the mailbox's five operations as
// tools.
type Server struct {
	mailbox MailboxPort
	logger  *slog.Logger
	mcp     *mcpserver.MCPServer
	schemas map[string]*jsonschema.Schema
}

// toolSchemas pairs each tool name with its JSON Schema parameter
// description.
var toolSchemas = map[string]string{
	"send": `{
		"type": "object",
		"properties": {
			"to": {"type": "string"},
			"from": {"type": "string"},
			"task": {"type": "string"},
			"context": {"type": "string"},
			"project": {"type": "string"},
			"priority": {"type": "string", "enum": ["low", "normal", "high", "urgent"]},
			"tags": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["to", "from", "task"]
	}`,
	"check": `{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"includeRead": {"type": "boolean"},
			"autoApprove": {"type": "boolean"}
		},
		"required": ["path"]
	}`,
	"receive": `{
		"type": "object",
		"properties": {"id": {"type": "string"}, "actor": {"type": "string"}},
		"required": ["id"]
	}`,
	"complete": `{
		"type": "object",
		"properties": {"id": {"type": "string"}, "actor": {"type": "string"}},
		"required": ["id"]
	}`,
	"reply": `{
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"task": {"type": "string"},
			"context": {"type": "string"}
		},
		"required": ["id", "task"]
	}`,
}

// New creates a toolserver Server and registers its five tools.
func New(mailboxSvc MailboxPort, logger *slog.Logger) (*Server, error) {
	s := &Server{
		mailbox: mailboxSvc,
		logger:  logger,
		mcp:     mcpserver.NewMCPServer("quackrelay", "1.0.0"),
		schemas: map[string]*jsonschema.Schema{},
	}

	compiler := jsonschema.NewCompiler()
	for name, raw := range toolSchemas {
		schema, err := compiler.Compile([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		s.schemas[name] = schema
	}

	s.mcp.AddTool(mcp.NewTool("send",
		mcp.WithDescription("Send a message to a destination inbox."),
		mcp.WithString("to", mcp.Required(), mcp.Description("destination inbox path")),
		mcp.WithString("from", mcp.Required(), mcp.Description("sender identifier")),
		mcp.WithString("task", mcp.Required(), mcp.Description("task text")),
		mcp.WithString("context", mcp.Description("optional context text")),
		mcp.WithString("project", mcp.Description("optional project metadata")),
		mcp.WithString("priority", mcp.Description("low, normal, high, or urgent")),
	), s.handleSend)

	s.mcp.AddTool(mcp.NewTool("check",
		mcp.WithDescription("Check an inbox for actionable messages."),
		mcp.WithString("path", mcp.Required(), mcp.Description("inbox path")),
		mcp.WithBoolean("includeRead", mcp.Description("include terminal-status messages")),
		mcp.WithBoolean("autoApprove", mcp.Description("auto-approve pending messages before returning")),
	), s.handleCheck)

	s.mcp.AddTool(mcp.NewTool("receive",
		mcp.WithDescription("Mark a message read and return its contents."),
		mcp.WithString("id", mcp.Required(), mcp.Description("message id")),
		mcp.WithString("actor", mcp.Description("caller identifier for audit")),
	), s.handleReceive)

	s.mcp.AddTool(mcp.NewTool("complete",
		mcp.WithDescription("Mark a message completed."),
		mcp.WithString("id", mcp.Required(), mcp.Description("message id")),
		mcp.WithString("actor", mcp.Description("caller identifier for audit")),
	), s.handleComplete)

	s.mcp.AddTool(mcp.NewTool("reply",
		mcp.WithDescription("Reply to a message, resolving its sender automatically."),
		mcp.WithString("id", mcp.Required(), mcp.Description("message id being replied to")),
		mcp.WithString("task", mcp.Required(), mcp.Description("reply task text")),
		mcp.WithString("context", mcp.Description("optional context text")),
	), s.handleReply)

	return s, nil
}

// Handler exposes the tool server over the streamable HTTP transport.
func (s *Server) Handler() *mcpserver.StreamableHTTPServer {
	return mcpserver.NewStreamableHTTPServer(s.mcp)
}

func (s *Server) validate(tool string, args map[string]any) error {
	schema, ok := s.schemas[tool]
	if !ok {
		return nil
	}
	result := schema.Validate(args)
	if !result.IsValid() {
		return fmt.Errorf("invalid arguments for %s", tool)
	}
	return nil
}

func arguments(request mcp.CallToolRequest) map[string]any {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return map[string]any{}
	}
	return args
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func (s *Server) handleSend(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	if err := s.validate("send", args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var tags []string
	if raw, ok := args["tags"].([]any); ok {
		for _, t := range raw {
			if tag, ok := t.(string); ok {
				tags = append(tags, tag)
			}
		}
	}
	msg, err := s.mailbox.Send(ctx, mailbox.SendInput{
		To:      stringArg(args, "to"),
		From:    stringArg(args, "from"),
		Task:    stringArg(args, "task"),
		Context: stringArg(args, "context"),
		Project: stringArg(args, "project"),
		Priority: domain.Priority(stringArg(args, "priority")),
		Tags:    tags,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return textResult(msg)
}

func (s *Server) handleCheck(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	if err := s.validate("check", args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	inbox, err := s.mailbox.CheckInbox(ctx, stringArg(args, "path"), boolArg(args, "includeRead"), boolArg(args, "autoApprove"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return textResult(inbox)
}

func (s *Server) handleReceive(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	if err := s.validate("receive", args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	actor := stringArg(args, "actor")
	if actor == "" {
		actor = "tool-server"
	}
	msg, err := s.mailbox.MarkRead(ctx, stringArg(args, "id"), actor)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return textResult(msg)
}

func (s *Server) handleComplete(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	if err := s.validate("complete", args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	actor := stringArg(args, "actor")
	if actor == "" {
		actor = "tool-server"
	}
	msg, err := s.mailbox.Complete(ctx, stringArg(args, "id"), actor)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return textResult(msg)
}

// handleReply looks up the original message to get its sender before
// calling send.
func (s *Server) handleReply(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	if err := s.validate("reply", args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	original, err := s.mailbox.GetMessage(ctx, stringArg(args, "id"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	msg, err := s.mailbox.Send(ctx, mailbox.SendInput{
		To:      original.From,
		From:    original.To,
		Task:    stringArg(args, "task"),
		Context: stringArg(args, "context"),
		ReplyTo: original.ID,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return textResult(msg)
}

func textResult(v any) (*mcp.CallToolResult, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}
