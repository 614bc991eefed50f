package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeai/forgeguard/internal/config"
	"github.com/forgeai/forgeguard/internal/ledger"
	"github.com/forgeai/forgeguard/internal/logging"
)

var (
	tailLines    int
	verifyLimit  int
	exportFormat string
	exportOutput string
	exportFilter filterFlags
)

type filterFlags struct {
	actor   string
	session string
	action  string
	risk    string
	from    string
	to      string
	limit   int
	offset  int
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd, auditTailCmd, auditExportCmd, auditStatsCmd)

	auditVerifyCmd.Flags().IntVar(&verifyLimit, "limit", 1000, "Number of most recent entries to check")
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")

	f := auditExportCmd.Flags()
	f.StringVar(&exportFormat, "format", "json", "Output format (json, csv)")
	f.StringVarP(&exportOutput, "output", "o", "", "Write to file instead of stdout")
	f.StringVar(&exportFilter.actor, "actor", "", "Filter by actor user id")
	f.StringVar(&exportFilter.session, "session", "", "Filter by session id")
	f.StringVar(&exportFilter.action, "action", "", "Filter by action (e.g. tool.blocked)")
	f.StringVar(&exportFilter.risk, "risk", "", "Filter by risk level (low, medium, high, critical)")
	f.StringVar(&exportFilter.from, "from", "", "Only entries at or after this RFC3339 time")
	f.StringVar(&exportFilter.to, "to", "", "Only entries at or before this RFC3339 time")
	f.IntVar(&exportFilter.limit, "limit", 1000, "Maximum entries (at most 1000)")
	f.IntVar(&exportFilter.offset, "offset", 0, "Entries to skip")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit ledger operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit ledger\nin the store configured under ledger.store.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity of the audit ledger",
	Long:  "Recomputes the hash of the most recent entries and checks that each links\nto its predecessor. Exits 0 if intact, 1 if tampered.",
	Args:  cobra.NoArgs,
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit ledger entries",
	Args:  cobra.NoArgs,
	RunE:  runAuditTail,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export filtered audit entries as JSON or CSV",
	Args:  cobra.NoArgs,
	RunE:  runAuditExport,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize recent audit activity",
	Args:  cobra.NoArgs,
	RunE:  runAuditStats,
}

// errChainBroken makes the command exit non-zero after the report is printed.
var errChainBroken = errors.New("audit chain verification failed")

// openLedger opens the configured store for read-only inspection. The
// returned ledger has no background loop and no notifier.
func openLedger(ctx context.Context) (*ledger.Ledger, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Ledger.Store.Driver == config.DriverMemory {
		return nil, nil, fmt.Errorf("audit commands need a durable store; ledger.store.driver is %q", config.DriverMemory)
	}
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, nil, err
	}
	store, closer, err := openStore(ctx, cfg.Ledger.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger store: %w", err)
	}
	lg, err := ledger.Open(ctx, store, ledger.Config{StatsWindow: cfg.Ledger.StatsWindow, Logger: logger})
	if err != nil {
		closeQuietly(closer)
		return nil, nil, err
	}
	return lg, func() { closeQuietly(closer) }, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	lg, done, err := openLedger(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	return printVerify(cmd.OutOrStdout(), cmd.ErrOrStderr(), lg.VerifyIntegrity(cmd.Context(), verifyLimit))
}

func printVerify(out, errOut io.Writer, res ledger.VerifyResult) error {
	if res.Valid {
		fmt.Fprintf(out, "OK: %d entries verified\n", res.TotalChecked)
		return nil
	}
	if res.BrokenAtID != "" {
		fmt.Fprintf(errOut, "FAILED at entry %s (index %d): %s\n", res.BrokenAtID, res.BrokenAtIndex, res.Message)
	} else {
		fmt.Fprintf(errOut, "FAILED: %s\n", res.Message)
	}
	return errChainBroken
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	lg, done, err := openLedger(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	recent, err := lg.Query(cmd.Context(), ledger.Filter{Limit: tailLines})
	if err != nil {
		return err
	}
	return printEntries(cmd.OutOrStdout(), ledger.Chronological(recent))
}

func printEntries(w io.Writer, entries []ledger.Entry) error {
	for _, e := range entries {
		out, err := json.MarshalIndent(e, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(out))
	}
	return nil
}

func (ff filterFlags) build() (ledger.Filter, error) {
	f := ledger.Filter{
		ActorUserID: ff.actor,
		SessionID:   ff.session,
		Limit:       ff.limit,
		Offset:      ff.offset,
	}
	if ff.action != "" {
		a, err := ledger.ParseAction(ff.action)
		if err != nil {
			return f, err
		}
		f.Action = a
	}
	if ff.risk != "" {
		r, err := ledger.ParseRiskLevel(ff.risk)
		if err != nil {
			return f, err
		}
		f.RiskLevel = r
	}
	var err error
	if ff.from != "" {
		if f.From, err = time.Parse(time.RFC3339, ff.from); err != nil {
			return f, fmt.Errorf("invalid --from: %w", err)
		}
	}
	if ff.to != "" {
		if f.To, err = time.Parse(time.RFC3339, ff.to); err != nil {
			return f, fmt.Errorf("invalid --to: %w", err)
		}
	}
	return f, nil
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	format, err := ledger.ParseFormat(exportFormat)
	if err != nil {
		return err
	}
	f, err := exportFilter.build()
	if err != nil {
		return err
	}

	lg, done, err := openLedger(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	body, err := lg.Export(cmd.Context(), f, format)
	if err != nil {
		return err
	}
	if exportOutput == "" {
		_, err = cmd.OutOrStdout().Write(body)
		return err
	}
	if err := os.WriteFile(exportOutput, body, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", exportOutput, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Exported to %s\n", exportOutput)
	return nil
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	lg, done, err := openLedger(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	st, err := lg.Stats(cmd.Context())
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
