// Package main is the entry point for the cotaudit CLI: build reasoning
// trees, audit their paths for unfaithful chain-of-thought, and inspect the
// results.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cotaudit/engine/internal/config"
	"github.com/cotaudit/engine/internal/logging"
)

var (
	cfgPath string
	verbose bool
	log     *logging.Logger
	cfg     *config.EngineConfig
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cotaudit",
		Short: "Audit step-by-step chain-of-thought reasoning for faithfulness",
		Long: `cotaudit grows a tree of candidate reasoning steps for a math word
problem, judges sibling candidates into equivalence classes, and audits the
resulting paths for steps that are incorrect, unused, or unfaithful to the
final answer.

Build a tree:    cotaudit build --question "..." --answer "42"
Audit a run:     cotaudit audit --problem-id <id> --run-id <id>
Inspect a run:   cotaudit inspect --problem-id <id> --run-id <id>`,
		PersistentPreRunE: initLogging,
		SilenceUsage:      true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.cotaudit/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("cotaudit v0.1.0")
		},
	})

	rootCmd.AddCommand(buildCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(inspectCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeForErr(err))
	}
}

// initLogging sets up the global logger before any subcommand runs, and
// loads the engine configuration every subcommand depends on.
func initLogging(cmd *cobra.Command, args []string) error {
	var lcfg *logging.Config
	if verbose {
		lcfg = logging.VerboseConfig()
	} else {
		lcfg = logging.DefaultConfig()
	}

	loaded, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = loaded

	if !verbose {
		lcfg.Level = logging.ParseLevel(cfg.LogLevel)
	}

	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to create log directory: %v\n", err)
		} else {
			lcfg.FilePath = cfg.LogFile
		}
	}

	log = logging.New(lcfg)
	logging.SetGlobal(log)
	log.Info("cotaudit session started at %s", time.Now().Format(time.RFC3339))

	redirectZerolog(cfg.LogFile)

	cfg.ApplyConcurrencyLimits()
	return nil
}

// redirectZerolog points the a2a-go transport's zerolog logging (the one
// dependency in this tree that logs through zerolog directly rather than
// through internal/logging) at a file next to the main log, instead of its
// default of stderr.
func redirectZerolog(mainLogPath string) {
	if mainLogPath == "" {
		return
	}
	path := mainLogPath + ".zerolog"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Warn("failed to redirect zerolog: %v", err)
		return
	}
	writer := zerolog.ConsoleWriter{Out: f, NoColor: true}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	fileLogger := zerolog.New(writer).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &fileLogger
	zlog.Logger = fileLogger
}

func loadConfig() (*config.EngineConfig, error) {
	if cfgPath != "" {
		return config.LoadFromPath(cfgPath)
	}
	return config.Load()
}
