package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/keyward/internal/gateway/mcpserver"
)

var mcpAgentID string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve broker tools over MCP stdio",
	Long: `Mcp runs an MCP server on stdin/stdout exposing list_providers,
list_credentials, get_credential, report_usage and health. The session
runs under one token minted at startup; logs go to stderr.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpAgentID, "agent-id", "", "agent id recorded in audit events (default KEYWARD_AGENT_ID or \"mcp\")")
}

func runMCP(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, true)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	svc, err := sc.buildBroker()
	if err != nil {
		return err
	}
	defer svc.Ledger().Wait()

	tok, err := issueSessionToken(ctx, svc)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	agentID := mcpAgentID
	if agentID == "" {
		agentID = goutils.Env("KEYWARD_AGENT_ID", "mcp")
	}
	srv := mcpserver.New(mcpserver.Config{
		Version: version,
		Token:   tok,
		AgentID: agentID,
	}, svc, logger)
	return srv.Start(ctx)
}
