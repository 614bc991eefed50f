package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forgeai/forgeguard/internal/logging"
	"github.com/forgeai/forgeguard/internal/threat"
)

var scanSanitize bool

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().BoolVar(&scanSanitize, "sanitize", false, "Print only the sanitized text instead of the assessment")
}

var scanCmd = &cobra.Command{
	Use:   "scan [text|-]",
	Short: "Scan text for prompt injection and dangerous commands",
	Long: "Runs the threat scanner over the argument, or stdin when the argument is '-'\n" +
		"or missing. Prints the assessment as JSON. Exits 1 when the text would be blocked.",
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

var errBlocked = errors.New("text would be blocked")

func runScan(cmd *cobra.Command, args []string) error {
	text, err := scanInput(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	sc, err := threat.New(threat.Options{Logger: logger, Config: cfg.Threat})
	if err != nil {
		return err
	}
	return printAssessment(cmd.OutOrStdout(), sc, text, scanSanitize)
}

func scanInput(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

func printAssessment(w io.Writer, sc *threat.Scanner, text string, sanitizeOnly bool) error {
	a := sc.Analyze(text)
	if sanitizeOnly {
		if !a.Safe {
			return errBlocked
		}
		fmt.Fprintln(w, a.SanitizedText)
		return nil
	}

	out, err := json.MarshalIndent(struct {
		Verdict string `json:"verdict"`
		threat.Assessment
	}{a.Verdict(), a}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(out))
	if !a.Safe {
		return errBlocked
	}
	return nil
}
