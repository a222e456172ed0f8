// Package cli implements the switchboard command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/switchboard/internal/config"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/switchboard/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"               _ _       _     _                         _\n" +
		"  _____      _(_) |_ ___| |__ | |__   ___   __ _ _ __ __| |\n" +
		" / __\\ \\ /\\ / / | __/ __| '_ \\| '_ \\ / _ \\ / _` | '__/ _` |\n" +
		" \\__ \\\\ V  V /| | || (__| | | | |_) | (_) | (_| | | | (_| |\n" +
		" |___/ \\_/\\_/ |_|\\__\\___|_| |_|_.__/ \\___/ \\__,_|_|  \\__,_|\n"
)

var (
	flagConfigPath string
	flagLogLevel   string
	flagLogFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "switchboard",
	Short: "switchboard - multi-agent orchestration layer",
	Long:  color.CyanString(logo) + "\nRoutes requests to capability-tagged worker agents with shared memory, conversation state and a security gate.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagConfigPath != "" {
			os.Setenv("SWITCHBOARD_CONFIG", flagConfigPath)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "Config file (default ~/.switchboard/config.json)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides log.level)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format: text or json (overrides log.format)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(kafkaCmd)
	rootCmd.AddCommand(secretsCmd)
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

// loadConfig loads the config and applies the logging flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.Log.Format = flagLogFormat
	}
	return cfg, nil
}

// newLogger builds the process logger from the log config.
func newLogger(w io.Writer, lc config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(lc.Level)}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
