// Package mcpserver exposes the credential broker as MCP tools over stdio.
// The session is bound to a single token minted at startup; callers never
// see or pass the bearer value.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/keyward/internal/broker"
	"github.com/jkaninda/keyward/internal/gateway"
	"github.com/jkaninda/keyward/internal/usage"
)

// Broker is the subset of broker.Service the MCP tools call.
type Broker interface {
	ListProviders(ctx context.Context, req broker.Request) ([]broker.ProviderInfo, error)
	ListCredentials(ctx context.Context, req broker.Request) ([]string, error)
	GetCredential(ctx context.Context, req broker.Request, name string) (*broker.Credential, error)
	ReportUsage(ctx context.Context, req broker.Request, name string, units int64, agentID string) (usage.Record, error)
	Health(ctx context.Context) broker.Health
}

// Config configures the MCP server.
type Config struct {
	Name    string // Server name reported on initialize. Default: "keyward".
	Version string
	Token   string // Bearer value every tool call runs under.
	AgentID string // Default agent id for audit records.

	Stdin  io.Reader // Default: os.Stdin.
	Stdout io.Writer // Default: os.Stdout.
}

// Server is the MCP stdio gateway.
type Server struct {
	config Config
	broker Broker
	logger *slog.Logger
	mcp    *server.MCPServer

	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ gateway.Gateway = (*Server)(nil)

// New creates the MCP server with every broker tool registered.
func New(cfg Config, b Broker, logger *slog.Logger) *Server {
	if cfg.Name == "" {
		cfg.Name = "keyward"
	}
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	s := &Server{config: cfg, broker: b, logger: logger}
	s.mcp = server.NewMCPServer(cfg.Name, cfg.Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Scoped access to the credentials allowed by the loaded policy. "+
			"Request a credential only when a task needs it and report units consumed afterwards."),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying server for in-process clients.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// Start serves MCP over stdio until ctx is canceled or stdin closes.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(log.New(&slogWriter{logger: s.logger}, "", 0))

	s.logger.Info("mcp stdio server starting", slog.String("agent_id", s.config.AgentID))
	err := stdio.Listen(ctx, s.config.Stdin, s.config.Stdout)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Stop ends the stdio session.
func (s *Server) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("list_providers",
		mcp.WithDescription("List the credential providers keyward can recognize and validate."),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.listProviders)

	s.mcp.AddTool(mcp.NewTool("list_credentials",
		mcp.WithDescription("List credential names this session may request. Values are never returned."),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.listCredentials)

	s.mcp.AddTool(mcp.NewTool("get_credential",
		mcp.WithDescription("Fetch one credential value. Subject to policy scope, expiry, rate and use limits."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Credential name, e.g. OPENAI_API_KEY")),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
	), s.getCredential)

	s.mcp.AddTool(mcp.NewTool("report_usage",
		mcp.WithDescription("Record units (e.g. tokens) consumed through a credential."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Credential name")),
		mcp.WithNumber("tokens", mcp.Required(), mcp.Min(0), mcp.Description("Units consumed")),
		mcp.WithString("agent_id", mcp.Description("Reporting agent. Defaults to the session agent.")),
		mcp.WithDestructiveHintAnnotation(false),
	), s.reportUsage)

	s.mcp.AddTool(mcp.NewTool("health",
		mcp.WithDescription("Report broker liveness."),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.health)
}

func (s *Server) request() broker.Request {
	return broker.Request{Token: s.config.Token, AgentID: s.config.AgentID}
}

func (s *Server) listProviders(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	provs, err := s.broker.ListProviders(ctx, s.request())
	if err != nil {
		return s.fail(ctx, "list_providers", err)
	}
	return mcp.NewToolResultJSON(map[string]any{"providers": provs})
}

func (s *Server) listCredentials(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	names, err := s.broker.ListCredentials(ctx, s.request())
	if err != nil {
		return s.fail(ctx, "list_credentials", err)
	}
	return mcp.NewToolResultJSON(map[string]any{"credentials": names, "total": len(names)})
}

func (s *Server) getCredential(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cred, err := s.broker.GetCredential(ctx, s.request(), name)
	if err != nil {
		return s.fail(ctx, "get_credential", err)
	}
	return mcp.NewToolResultJSON(cred)
}

func (s *Server) reportUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	units, err := req.RequireFloat("tokens")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.broker.ReportUsage(ctx, s.request(), name, int64(units), req.GetString("agent_id", ""))
	if err != nil {
		return s.fail(ctx, "report_usage", err)
	}
	return mcp.NewToolResultJSON(map[string]string{"status": "recorded", "id": rec.ID})
}

func (s *Server) health(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(s.broker.Health(ctx))
}

// fail turns denials and bad input into tool errors the model can read.
// Anything else is an internal failure and is logged, not echoed.
func (s *Server) fail(ctx context.Context, tool string, err error) (*mcp.CallToolResult, error) {
	var d *broker.Denial
	switch {
	case errors.As(err, &d):
		msg := fmt.Sprintf("denied (%s): %s", d.Reason, d.Error())
		if d.Reason == broker.ReasonRateLimited {
			msg += fmt.Sprintf("; retry after %s", d.RetryAfter)
		}
		return mcp.NewToolResultError(msg), nil
	case errors.Is(err, usage.ErrInvalidUnits):
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.logger.ErrorContext(ctx, "mcp tool failed",
		slog.String("tool", tool),
		slog.String("error", err.Error()),
	)
	return mcp.NewToolResultError("internal error"), nil
}

// slogWriter adapts the stdio server's *log.Logger to slog.
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	w.logger.Warn("mcp stdio", slog.String("message", string(p)))
	return len(p), nil
}
