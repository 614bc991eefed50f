package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	guardmcp "github.com/forgeai/forgeguard/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long: "Runs forgeguard as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes tools: forgeguard_scan, forgeguard_rate_check, forgeguard_check_tool,\n" +
		"forgeguard_audit_verify, forgeguard_audit_stats.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p, err := newPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	p.start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		p.shutdown(shutdownCtx)
	}()

	srv := guardmcp.New(guardmcp.Options{
		Ledger:  p.ledger,
		Limiter: p.limiter,
		Scanner: p.scanner,
		Guard:   p.guard,
		Logger:  p.logger,
		Version: version,
	})

	fmt.Fprintln(os.Stderr, "forgeguard MCP server running on stdio")
	fmt.Fprintf(os.Stderr, "Ledger store: %s\n", cfg.Ledger.Store.Driver)
	fmt.Fprintln(os.Stderr)

	return srv.Run(ctx)
}
