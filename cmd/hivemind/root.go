package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hivemind/internal/config"
)

var (
	configPath   string
	logLevel     string
	statePath    string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "hivemind",
	Short: "Multi-agent task graph coordination",
	Long: `Hivemind coordinates a collective of agents working through a
hierarchical task graph.

Core capabilities:
- Priority mailboxes with delivery timeouts and bounded retries
- Claim-safe task assignment over a dependency graph
- Deadlock detection and automatic resolution with escalation
- Recovery strategy selection for failed tasks

State lives in .hivemind/state.db in the project root. Configuration is read
from ~/.config/hivemind/config.yaml, .hivemind.yaml and HIVEMIND_* variables.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: user and project config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "Override state.path")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text or json")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(failCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves the configuration for a command, applying the global
// flag overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if statePath != "" {
		cfg.State.Path = statePath
	}
	return cfg, nil
}

func jsonOutput() bool {
	return outputFormat == "json"
}
