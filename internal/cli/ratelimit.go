package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/forgeai/forgeguard/internal/logging"
	"github.com/forgeai/forgeguard/internal/ratelimit"
)

var checkCount int

func init() {
	rootCmd.AddCommand(ratelimitCmd)
	ratelimitCmd.AddCommand(ratelimitRulesCmd, ratelimitCheckCmd)
	ratelimitCheckCmd.Flags().IntVar(&checkCount, "count", 1, "Number of back-to-back requests to simulate")
}

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Inspect rate-limit rules",
}

var ratelimitRulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List configured rate-limit rules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return printRules(cmd.OutOrStdout(), cfg.RateLimit.Rules)
	},
}

var ratelimitCheckCmd = &cobra.Command{
	Use:   "check <identifier> <rule>",
	Short: "Simulate requests against a rule",
	Long: "Builds a limiter from the configured rules and replays --count requests\n" +
		"back to back, printing the decision for each. Live server buckets are not touched.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if checkCount < 1 {
			return fmt.Errorf("--count must be at least 1")
		}
		return simulate(cmd.OutOrStdout(), cfg.RateLimit.Rules, args[0], args[1], checkCount)
	},
}

func printRules(w io.Writer, rules []ratelimit.Rule) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tWINDOW\tMAX\tBURST\tBURST WINDOW")
	for _, r := range rules {
		burst, burstWindow := "-", "-"
		if r.BurstLimit > 0 {
			burst = fmt.Sprint(r.BurstLimit)
			burstWindow = r.BurstWindow.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.Key, r.Window, r.MaxRequests, burst, burstWindow)
	}
	return tw.Flush()
}

func simulate(w io.Writer, rules []ratelimit.Rule, identifier, rule string, n int) error {
	lim, err := ratelimit.New(ratelimit.Options{Logger: logging.Discard()}, rules...)
	if err != nil {
		return err
	}
	if !lim.HasRule(rule) {
		fmt.Fprintf(w, "rule %q is not configured; every request is allowed\n", rule)
		return nil
	}
	for i := 1; i <= n; i++ {
		res := lim.Consume(identifier, rule)
		if res.Allowed {
			fmt.Fprintf(w, "#%d allowed  remaining=%d burst_remaining=%d\n", i, res.Remaining, res.BurstRemaining)
		} else {
			fmt.Fprintf(w, "#%d DENIED   retry_after=%ds\n", i, res.RetryAfterSeconds())
		}
	}
	return nil
}
