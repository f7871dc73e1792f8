package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ezcorg/ytap/internal/audit"
	"github.com/ezcorg/ytap/internal/config"
	"github.com/ezcorg/ytap/internal/inject"
	"github.com/ezcorg/ytap/internal/match"
	"github.com/ezcorg/ytap/internal/metrics"
	"github.com/ezcorg/ytap/internal/payload"
	"github.com/ezcorg/ytap/internal/proxy"
)

func runCmd() *cobra.Command {
	var configFile string
	var listen string

	cmd := &cobra.Command{
		Use:   "run [flags]",
		Short: "Start the ytap proxy",
		Long: `Start the intercepting proxy server.

Point a browser or HTTP client at the proxy address; plain HTTP responses
from matching hosts get the capture script injected. When a config file is
given, it is watched for changes and reloaded live (SIGHUP also triggers
a reload).

Examples:
  ytap run                                  # defaults, 127.0.0.1:8888
  ytap run --config ytap.yaml               # with config file
  ytap run --listen 127.0.0.1:9090          # override listen address`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfg *config.Config
			var err error

			if configFile != "" {
				cfg, err = config.Load(configFile)
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}
			} else {
				cfg = config.Defaults()
			}

			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("invalid config: %w", err)
				}
			}

			logger, err := audit.New(
				cfg.Logging.Format,
				cfg.Logging.Output,
				cfg.Logging.File,
				cfg.Logging.IncludeAllowed,
			)
			if err != nil {
				return fmt.Errorf("creating audit logger: %w", err)
			}
			defer logger.Close()

			script, err := payload.Load(cfg.Injection.ScriptFile)
			if err != nil {
				return fmt.Errorf("loading capture script: %w", err)
			}

			m := metrics.New()
			h := inject.New(match.NewRuleset(cfg.Injection.Hosts), script, logger, m)
			if !cfg.InjectionEnabled() {
				h.Update(match.NewRuleset(cfg.Injection.Hosts), script, false)
			}
			p := proxy.New(cfg, logger, h, m)

			// Context with signal handling for graceful shutdown
			ctx, cancel := signal.NotifyContext(
				context.Background(),
				syscall.SIGINT,
				syscall.SIGTERM,
			)
			defer cancel()

			if configFile != "" {
				startReloader(ctx, configFile, p, logger)
			}

			fmt.Fprintf(os.Stderr, "ytap v%s starting\n", Version)
			fmt.Fprintf(os.Stderr, "  Listen:    %s\n", cfg.Listen)
			fmt.Fprintf(os.Stderr, "  Injection: %s (%d host rules)\n", enabledWord(cfg.InjectionEnabled()), len(cfg.Injection.Hosts))
			fmt.Fprintf(os.Stderr, "  Health:    http://%s/health\n", cfg.Listen)
			fmt.Fprintf(os.Stderr, "  Stats:     http://%s/stats\n", cfg.Listen)

			// Start the proxy (blocks until context cancelled or error)
			if err := p.Start(ctx); err != nil {
				return fmt.Errorf("proxy error: %w", err)
			}

			logger.LogShutdown("signal received")
			fmt.Fprintln(os.Stderr, "\nytap stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	cmd.Flags().StringVarP(&listen, "listen", "l", config.DefaultListen, "listen address (host:port)")

	return cmd
}

func enabledWord(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

// startReloader watches the config file and applies changes to the running
// proxy. A reload that fails to load its script is rejected; the running
// config stays active.
func startReloader(ctx context.Context, configFile string, p *proxy.Proxy, logger *audit.Logger) {
	r := config.NewReloader(configFile, logger)

	go func() {
		if err := r.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "ytap: config watcher failed: %v\n", err)
		}
	}()

	go func() {
		for cfg := range r.Changes() {
			for _, w := range config.ValidateReload(p.CurrentConfig(), cfg) {
				fmt.Fprintf(os.Stderr, "ytap: reload warning [%s]: %s\n", w.Field, w.Message)
			}

			script, err := payload.Load(cfg.Injection.ScriptFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "ytap: config reload rejected: %v\n", err)
				logger.LogConfigReload("rejected", err.Error())
				continue
			}

			p.Reload(cfg, script)
			logger.LogConfigReload("applied", configFile)
		}
	}()
}
