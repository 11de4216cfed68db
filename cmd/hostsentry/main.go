package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hostsentry/hostsentry/pkg/agent"
	"github.com/hostsentry/hostsentry/pkg/config"
	"github.com/hostsentry/hostsentry/pkg/telemetry"
)

var (
	configPath  string
	logLevel    string
	development bool
)

var rootCmd = &cobra.Command{
	Use:   "hostsentry",
	Short: "Endpoint activity monitoring and correlation agent",
	Long: `HostSentry watches filesystem, process, network and registry activity
on a host, suppresses event bursts, correlates suspicious sequences and
reports them to a collection server.`,
	Version:       agent.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration after defaults and validation",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		cmd.Print(string(out))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&development, "dev", false, "human-readable development logging")
	rootCmd.AddCommand(configCmd)
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, development)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	a, err := agent.New(logger, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error("Agent exited with error", zap.Error(err))
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "hostsentry:", err)
		os.Exit(1)
	}
}
