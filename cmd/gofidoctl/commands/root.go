// Package commands implements the gofidoctl CLI commands.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dantte-lp/gofido/fidohost"
	"github.com/dantte-lp/gofido/internal/config"
	fidometrics "github.com/dantte-lp/gofido/internal/metrics"
)

var (
	// cfg is the loaded configuration, initialized in PersistentPreRunE.
	cfg *config.Config

	// host is the discovery driver used by all token commands.
	host *fidohost.Host

	// logger is the CLI-wide logger.
	logger *slog.Logger

	// cfgPath is the --config flag value.
	cfgPath string

	// facetFlag overrides the configured facet when set.
	facetFlag string

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string
)

// rootCmd is the top-level cobra command for gofidoctl.
var rootCmd = &cobra.Command{
	Use:   "gofidoctl",
	Short: "Talk to FIDO U2F authenticators over USB HID",
	Long:  "gofidoctl exercises the gofido library: registering, signing, and probing U2F security keys plugged into this machine.",
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("facet") {
			cfg.U2F.Facet = facetFlag
		}
		config.ApplyDeviceNames(cfg)

		logger = newLogger(cfg.Log)
		collector := fidometrics.NewCollector(prometheus.NewRegistry())
		host = fidohost.New(
			fidohost.WithLogger(logger),
			fidohost.WithMetrics(collector),
			fidohost.WithPollInterval(cfg.Poll.Device),
			fidohost.WithRecheckInterval(cfg.Poll.Recheck),
			fidohost.WithProgressInterval(cfg.Poll.Progress),
		)

		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "",
		"path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&facetFlag, "facet", "",
		"origin presented in clientData (default from config)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(registerCmd())
	rootCmd.AddCommand(authenticateCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(tokenVersionCmd())
	rootCmd.AddCommand(pingCmd())
	rootCmd.AddCommand(winkCmd())
	rootCmd.AddCommand(lockCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// newLogger builds the CLI logger from the log configuration.
func newLogger(lc config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(lc.Level)}
	var h slog.Handler
	if lc.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

// opContext returns the context for one token operation: bounded by the
// configured timeout and cancelled by SIGINT/SIGTERM.
func opContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, cfg.U2F.Timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
