// Package main is the entry point for the WSAgent application.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"wsagent/internal/config"
	"wsagent/internal/logger"
	"wsagent/internal/service"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const startupErrorLogDir = "log/wsagent"

type rootOptions struct {
	configPath  string
	loggingPath string
	console     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "wsagent",
		Short: "Background agent holding one persistent connection",
		Long: `wsagent keeps a single connection (websocket, Redis pub/sub or Kafka)
open on behalf of controller clients. Clients drive its lifecycle with
commands (set parameters, start, stop, suspend, resume, send) and receive
events (started, stopped, suspended, resumed, message_received,
connection_error).`,
		Version:       fmt.Sprintf("%s (built %s)", version, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), opts)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "conf/wsagent/Agent.json", "path to main configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.loggingPath, "logging", "conf/wsagent/Logging.json", "path to logging configuration file")
	rootCmd.Flags().BoolVar(&opts.console, "console", false, "read controller commands from stdin and print events to stdout")

	rootCmd.AddCommand(newJournalCmd(opts))
	return rootCmd
}

// runAgent loads configuration, initialises the logger and hands the agent
// to the platform service runner.
func runAgent(ctx context.Context, opts *rootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// A service started by the SCM runs in System32. An absolute config path
	// (<base>/conf/wsagent/Agent.json) marks service mode: chdir to <base>.
	if filepath.IsAbs(opts.configPath) {
		basePath := filepath.Dir(filepath.Dir(filepath.Dir(opts.configPath)))
		if err := os.Chdir(basePath); err != nil {
			err = fmt.Errorf("failed to chdir to %s: %w", basePath, err)
			service.ReportStartupError(service.Name, err)
			return err
		}
	}

	cfg, lc, err := config.LoadSplit(opts.configPath, opts.loggingPath)
	if err != nil {
		return startupFailure(fmt.Errorf("failed to load configuration: %w", err))
	}

	if err := logger.Init(*lc); err != nil {
		return startupFailure(fmt.Errorf("failed to initialize logger: %w", err))
	}
	defer logger.Close()

	log := logger.WithComponent("main")
	log.Info().
		Str("version", version).
		Str("config", opts.configPath).
		Str("logging", opts.loggingPath).
		Str("engine", cfg.Engine.Type).
		Msg("Starting WSAgent")

	a, err := newAgent(cfg, opts)
	if err != nil {
		log.Error().Err(err).Msg("Failed to assemble agent")
		return startupFailure(err)
	}
	defer a.close()

	svc := service.NewService(a.run, a.hub)
	if err := svc.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Service exited with error")
		return err
	}

	if n := logger.ConsoleDropped(); n > 0 {
		log.Warn().Uint64("dropped", n).Msg("Console output fell behind")
	}
	log.Info().Msg("WSAgent stopped")
	return nil
}

func startupFailure(err error) error {
	service.ReportStartupError(service.Name, err)
	service.WriteStartupErrorFile(startupErrorLogDir, err)
	return err
}
