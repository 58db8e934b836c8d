package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/voxlane/voxlane/internal/config"
)

var version = "dev"

type rootFlags struct {
	configPath string
	verbose    bool
	jsonLogs   bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:     "voxlane",
		Short:   "Realtime voice and video client for conversational AI sessions",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A .env next to the binary is a development convenience;
			// its absence is not an error.
			_ = godotenv.Load()
			slog.SetDefault(newLogger(flags))
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", config.DefaultPath(), "path to config.toml")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().BoolVar(&flags.jsonLogs, "json-logs", false, "emit logs as JSON")

	cmd.AddCommand(newRunCmd(flags))
	cmd.AddCommand(newConfigCmd(flags))
	cmd.AddCommand(newSettingsCmd(flags))
	return cmd
}

func newLogger(flags *rootFlags) *slog.Logger {
	level := slog.LevelInfo
	if flags.verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if flags.jsonLogs {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func loadConfig(flags *rootFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
