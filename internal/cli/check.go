package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ezcorg/ytap/internal/config"
	"github.com/ezcorg/ytap/internal/payload"
	"github.com/ezcorg/ytap/internal/rewrite"
)

func checkCmd() *cobra.Command {
	var configFile string
	var htmlFile string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate config or dry-run an injection",
		Long: `Validate a ytap config file and optionally run the injection pipeline
against a local HTML file to preview what the proxy would do with it.

Examples:
  ytap check --config ytap.yaml
  ytap check --config ytap.yaml --file page.html
  ytap check --file page.html`,
		RunE: func(_ *cobra.Command, _ []string) error {
			var cfg *config.Config
			if configFile != "" {
				var err error
				cfg, err = config.Load(configFile)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Config validation FAILED: %v\n", err)
					return err
				}
				fmt.Println("Config validation: OK")
				fmt.Printf("  Listen:       %s\n", cfg.Listen)
				fmt.Printf("  Injection:    %s\n", enabledWord(cfg.InjectionEnabled()))
				fmt.Printf("  Host rules:   %d patterns\n", len(cfg.Injection.Hosts))
				if cfg.Injection.ScriptFile != "" {
					fmt.Printf("  Script:       %s\n", cfg.Injection.ScriptFile)
				} else {
					fmt.Printf("  Script:       built-in capture script\n")
				}
				fmt.Printf("  Log format:   %s\n", cfg.Logging.Format)
			} else {
				cfg = config.Defaults()
				fmt.Println("Using default config (no --config specified)")
			}

			if htmlFile != "" {
				return dryRunInjection(cfg, htmlFile)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path to validate")
	cmd.Flags().StringVar(&htmlFile, "file", "", "local HTML file to run the injection pipeline against")

	return cmd
}

// dryRunInjection runs the structural mutator against a local file and
// reports the outcome without touching anything on disk.
func dryRunInjection(cfg *config.Config, htmlFile string) error {
	script, err := payload.Load(cfg.Injection.ScriptFile)
	if err != nil {
		return fmt.Errorf("loading capture script: %w", err)
	}

	body, err := os.ReadFile(htmlFile) //nolint:gosec // G304: user-supplied path by design
	if err != nil {
		return fmt.Errorf("reading %s: %w", htmlFile, err)
	}

	fmt.Printf("\nDry-run injection: %s\n", htmlFile)
	rewritten, outcome, err := rewrite.Inject(string(body), script)
	if err != nil {
		fmt.Printf("  Result:  PARSE FAILURE\n")
		fmt.Printf("  Error:   %v\n", err)
		return err
	}

	switch outcome {
	case rewrite.Injected:
		fmt.Printf("  Result:  INJECTED\n")
		fmt.Printf("  Size:    %d -> %d bytes\n", len(body), len(rewritten))
	case rewrite.AlreadyInjected:
		fmt.Printf("  Result:  ALREADY INJECTED (unchanged)\n")
	case rewrite.NoDocument:
		fmt.Printf("  Result:  NO DOCUMENT (no html or head element, unchanged)\n")
	}
	return nil
}
