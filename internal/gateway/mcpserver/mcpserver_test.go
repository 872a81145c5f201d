package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/keyward/internal/audit"
	"github.com/jkaninda/keyward/internal/broker"
	"github.com/jkaninda/keyward/internal/policy"
	"github.com/jkaninda/keyward/internal/secrets"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	srv    *Server
	client *client.Client
	audit  *audit.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	envPath := filepath.Join(t.TempDir(), ".env")
	env := "OPENAI_API_KEY=sk-openai\nGITHUB_TOKEN=ghp_github\nAWS_SECRET=hidden\n"
	if err := os.WriteFile(envPath, []byte(env), 0o600); err != nil {
		t.Fatal(err)
	}
	src, err := secrets.OpenFile(envPath)
	if err != nil {
		t.Fatal(err)
	}
	doc, err := policy.Parse([]byte(`{"allowed": ["OPENAI_API_KEY", {"name": "GITHUB_TOKEN", "max_uses": 1}]}`))
	if err != nil {
		t.Fatal(err)
	}
	mem := &audit.Memory{}
	svc, err := broker.New(broker.Deps{Policy: doc, Source: src}, discardLogger(), broker.WithAudit(mem))
	if err != nil {
		t.Fatal(err)
	}
	tok, err := svc.IssueToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	srv := New(Config{Version: "test", Token: tok.Value, AgentID: "mcp-agent"}, svc, discardLogger())
	c, err := client.NewInProcessClient(srv.MCPServer())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "0.0.1"}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return &fixture{srv: srv, client: c, audit: mem}
}

func (f *fixture) call(t *testing.T, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := f.client.CallTool(context.Background(), req)
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content is %T, want text", res.Content[0])
	}
	return tc.Text
}

func TestListTools(t *testing.T) {
	f := newFixture(t)
	resp, err := f.client.ListTools(context.Background(), mcp.ListToolsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, tool := range resp.Tools {
		names = append(names, tool.Name)
	}
	slices.Sort(names)
	want := []string{"get_credential", "health", "list_credentials", "list_providers", "report_usage"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("tools mismatch (-want +got):\n%s", diff)
	}
}

func TestGetCredential(t *testing.T) {
	f := newFixture(t)
	res := f.call(t, "get_credential", map[string]any{"name": "OPENAI_API_KEY"})
	if res.IsError {
		t.Fatalf("unexpected error: %s", text(t, res))
	}
	var cred broker.Credential
	if err := json.Unmarshal([]byte(text(t, res)), &cred); err != nil {
		t.Fatal(err)
	}
	if cred.Value != "sk-openai" {
		t.Errorf("value = %q", cred.Value)
	}

	var agents []string
	for _, e := range f.audit.Events() {
		if e.Kind == audit.KindAccess {
			agents = append(agents, e.AgentID)
		}
	}
	if diff := cmp.Diff([]string{"mcp-agent"}, agents); diff != "" {
		t.Errorf("audit agents mismatch (-want +got):\n%s", diff)
	}
}

func TestGetCredential_Denied(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"out of scope", map[string]any{"name": "AWS_SECRET"}, "forbidden"},
		{"missing argument", map[string]any{}, "name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.call(t, "get_credential", tt.args)
			if !res.IsError {
				t.Fatal("expected tool error")
			}
			msg := text(t, res)
			if !strings.Contains(msg, tt.want) {
				t.Errorf("message %q does not mention %q", msg, tt.want)
			}
			if strings.Contains(msg, "hidden") {
				t.Error("denial leaked a secret value")
			}
		})
	}

	if res := f.call(t, "get_credential", map[string]any{"name": "GITHUB_TOKEN"}); res.IsError {
		t.Fatalf("first GITHUB_TOKEN: %s", text(t, res))
	}
	res := f.call(t, "get_credential", map[string]any{"name": "GITHUB_TOKEN"})
	if !res.IsError || !strings.Contains(text(t, res), "exhausted") {
		t.Errorf("second GITHUB_TOKEN should be exhausted, got %q", text(t, res))
	}
}

func TestListCredentials(t *testing.T) {
	f := newFixture(t)
	res := f.call(t, "list_credentials", nil)
	var body struct {
		Credentials []string `json:"credentials"`
		Total       int      `json:"total"`
	}
	if err := json.Unmarshal([]byte(text(t, res)), &body); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"OPENAI_API_KEY", "GITHUB_TOKEN"}, body.Credentials); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if body.Total != 2 {
		t.Errorf("total = %d", body.Total)
	}
}

func TestReportUsage(t *testing.T) {
	f := newFixture(t)
	res := f.call(t, "report_usage", map[string]any{"name": "OPENAI_API_KEY", "tokens": 512})
	if res.IsError {
		t.Fatalf("unexpected error: %s", text(t, res))
	}
	if !strings.Contains(text(t, res), `"status":"recorded"`) {
		t.Errorf("result = %s", text(t, res))
	}

	res = f.call(t, "report_usage", map[string]any{"name": "OPENAI_API_KEY", "tokens": -3})
	if !res.IsError {
		t.Error("negative units should fail")
	}
}

func TestProvidersAndHealth(t *testing.T) {
	f := newFixture(t)
	if res := f.call(t, "list_providers", nil); !strings.Contains(text(t, res), `"name":"openai"`) {
		t.Errorf("providers = %s", text(t, res))
	}
	var h broker.Health
	if err := json.Unmarshal([]byte(text(t, f.call(t, "health", nil))), &h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.ActiveTokens != 1 {
		t.Errorf("health = %+v", h)
	}
}

func TestListProviders_RejectsBadSessionToken(t *testing.T) {
	f := newFixture(t)
	f.srv.config.Token = "forged"
	res := f.call(t, "list_providers", nil)
	if !res.IsError || !strings.Contains(text(t, res), "unauthorized") {
		t.Fatalf("result = %s", text(t, res))
	}
	if strings.Contains(text(t, res), `"name":"openai"`) {
		t.Errorf("providers returned to an unauthenticated session")
	}
	if n := f.audit.Count(audit.KindListProviders); n != 1 {
		t.Errorf("list_providers events = %d, want 1", n)
	}
}

func TestStart_ReturnsOnEOF(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"t","version":"0"}}}` + "\n")
	srv := New(Config{Version: "test", Stdin: in, Stdout: &out}, nil, discardLogger())
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !strings.Contains(out.String(), `"name":"keyward"`) {
		t.Errorf("initialize response missing server name: %s", out.String())
	}
}
