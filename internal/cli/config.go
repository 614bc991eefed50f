package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/forgeai/forgeguard/internal/config"
)

var initForce bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configValidateCmd)
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the forgeguard configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented default config file",
	Long: "Writes the default configuration to --config, $" + config.EnvConfigPath + ",\n" +
		"or ~/.forgeguard/config.yaml. Existing files are kept unless --force is set.",
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		src := cfg.Source
		if src == "" {
			src = "built-in defaults"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %s (%s)\n", src, cfg.Hash)
		return nil
	},
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := config.Path(configPath)
	wrote, err := writeIfMissing(path, config.DefaultYAML(), initForce)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !wrote {
		fmt.Fprintf(out, "%s already exists (use --force to overwrite).\n", path)
		return nil
	}
	fmt.Fprintln(out, "forgeguard config init complete.")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Created:\n  %s\n\n", path)
	fmt.Fprintln(out, "Verify:")
	fmt.Fprintln(out, "  forgeguard config validate")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Start the operator API:")
	fmt.Fprintln(out, "  forgeguard serve")
	return nil
}

// writeIfMissing writes content to path if it doesn't exist or force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	// The file may hold secrets.
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
