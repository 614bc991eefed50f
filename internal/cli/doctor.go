package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgeai/forgeguard/internal/config"
	"github.com/forgeai/forgeguard/internal/ledger"
	"github.com/forgeai/forgeguard/internal/logging"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, store connectivity and ledger integrity",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var checks []checkResult

	// 1. Binary location and version.
	execPath, _ := os.Executable()
	checks = append(checks, checkResult{
		label:  "forgeguard binary",
		ok:     execPath != "",
		detail: fmt.Sprintf("%s (v%s)", execPath, version),
	})

	// 2. Config file.
	path := config.Path(configPath)
	cfg, err := loadConfig()
	switch {
	case err != nil:
		checks = append(checks, checkResult{label: "config", ok: false, detail: err.Error(), fix: "forgeguard config validate"})
		return printChecks(cmd.OutOrStdout(), checks)
	case cfg.Source == "":
		checks = append(checks, checkResult{label: "config", ok: true, detail: path + " missing, using defaults"})
	default:
		checks = append(checks, checkResult{label: "config", ok: true, detail: cfg.Source})
	}

	// 3. Ledger store and chain.
	sc := cfg.Ledger.Store
	if sc.Driver == config.DriverMemory {
		checks = append(checks, checkResult{
			label:  "ledger store",
			ok:     false,
			detail: "memory (entries are lost on restart)",
			fix:    "set ledger.store.driver",
		})
	} else {
		store, closer, err := openStore(ctx, sc)
		if err != nil {
			checks = append(checks, checkResult{label: "ledger store", ok: false, detail: err.Error()})
		} else {
			defer closeQuietly(closer)
			checks = append(checks, checkResult{label: "ledger store", ok: true, detail: sc.Driver + " reachable"})

			lg, err := ledger.Open(ctx, store, ledger.Config{Logger: logging.Discard()})
			if err != nil {
				checks = append(checks, checkResult{label: "ledger chain", ok: false, detail: err.Error()})
			} else {
				res := lg.VerifyIntegrity(ctx, 0)
				checks = append(checks, checkResult{
					label:  "ledger chain",
					ok:     res.Valid,
					detail: res.Message,
					fix:    "forgeguard audit verify",
				})
			}
		}
	}

	// 4. Operator API auth.
	if cfg.API.JWTSecret != "" {
		checks = append(checks, checkResult{label: "api auth", ok: true, detail: "JWT (HS256)"})
	} else {
		checks = append(checks, checkResult{
			label:  "api auth",
			ok:     false,
			detail: "disabled",
			fix:    "export " + config.EnvJWTSecret + "=<secret>",
		})
	}

	// 5. Alert sinks.
	checks = append(checks, checkResult{
		label:  "alert webhooks",
		ok:     true,
		detail: fmt.Sprintf("%d configured", len(cfg.Alerts.Webhooks)),
	})

	return printChecks(cmd.OutOrStdout(), checks)
}

func printChecks(w io.Writer, checks []checkResult) error {
	hasFailures := false
	for _, c := range checks {
		mark := "ok  "
		if !c.ok {
			mark = "FAIL"
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-20s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Fprintln(w, line)
	}

	if hasFailures {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Some checks failed. Run the suggested commands to fix.")
		return fmt.Errorf("doctor found issues")
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "All checks passed.")
	return nil
}
