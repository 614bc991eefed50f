// Package mcp exposes the scanner, the rate limiter and the audit ledger to
// agents as MCP tools over stdio.
package mcp

import (
	"context"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forgeai/forgeguard/internal/enforce"
	"github.com/forgeai/forgeguard/internal/ledger"
	"github.com/forgeai/forgeguard/internal/ratelimit"
	"github.com/forgeai/forgeguard/internal/threat"
)

// Options wires the server to running components.
type Options struct {
	Ledger  *ledger.Ledger
	Limiter *ratelimit.Limiter
	Scanner *threat.Scanner
	Guard   *enforce.Guard
	Logger  *slog.Logger
	Version string
}

// Server wraps the MCP SDK server.
type Server struct {
	mcpServer *mcpsdk.Server
	ledger    *ledger.Ledger
	limiter   *ratelimit.Limiter
	scanner   *threat.Scanner
	guard     *enforce.Guard
	logger    *slog.Logger
}

// New creates an MCP server with every forgeguard tool registered.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		ledger:  opts.Ledger,
		limiter: opts.Limiter,
		scanner: opts.Scanner,
		guard:   opts.Guard,
		logger:  opts.Logger,
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "forgeguard",
			Version: opts.Version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run serves on stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "forgeguard_scan",
		Description: "Scan text for prompt injection, role hijacking, encoded payloads and dangerous commands. Returns the threat assessment.",
	}, s.handleScan)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "forgeguard_rate_check",
		Description: "Consume one request from a rate-limit rule for an identifier and report whether it is allowed.",
	}, s.handleRateCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "forgeguard_audit_verify",
		Description: "Verify the hash chain of the most recent audit ledger entries.",
	}, s.handleAuditVerify)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "forgeguard_audit_stats",
		Description: "Summarize recent audit ledger activity by risk level and action.",
	}, s.handleAuditStats)

	if s.guard != nil {
		mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
			Name:        "forgeguard_check_tool",
			Description: "Check a tool invocation against rate limits and the threat scanner before running it. The decision is recorded in the audit ledger.",
		}, s.handleCheckTool)
	}
}
