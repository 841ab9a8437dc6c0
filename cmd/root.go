package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/dataspecer/dsgit/internal/config"
	"github.com/dataspecer/dsgit/internal/env"
	"github.com/dataspecer/dsgit/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "dsgit",
	Short: "Synchronize data specification packages with git repositories",
	Long: `dsgit keeps the editable resource tree of a package in sync with a branch of a
hosted git repository. Changes on both sides are compared per resource;
paths changed on both sides become merge states that are resolved and then
finalized into git.`,
}

var l = log.New().WithLevel(log.LevelInfo)

func Init(version string) {
	rootCmd.Version = version
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.PersistentFlags().String("logLevel", "", fmt.Sprintf("the log level (available options: [%s])", strings.Join(log.Levels, ", ")))
	rootCmd.PersistentFlags().String("config", "", "path to the config file (default ~/.dsgit/config.yaml)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		configFile, err := cmd.Flags().GetString("config")
		if err != nil {
			return err
		}
		if configFile == "" {
			configFile = env.ConfigPath()
		}
		if err := config.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		return setLogger(cmd)
	}

	serveInit()
	mergeStateInit()
	providerInit()
}

func Execute(version string) {
	Init(version)

	if err := rootCmd.Execute(); err != nil {
		l.Error("", zap.Error(err))
		l.Printf("Run '%s --help' for usage.", rootCmd.CommandPath())
		os.Exit(1)
	}
}

func CmdForTest(version string) *cobra.Command {
	Init(version)
	return rootCmd
}

// setLogger applies the --logLevel flag, falling back to the configured level
// and format, and stores the logger in the command context.
func setLogger(cmd *cobra.Command) error {
	logLevel, err := cmd.Flags().GetString("logLevel")
	if err != nil {
		return err
	}
	if logLevel == "" {
		logLevel = config.GetLogLevel()
	}

	level, err := log.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("log level must be one of: %s", strings.Join(log.Levels, ", "))
	}

	l = l.WithLevel(level)
	switch format := config.GetLogFormat(); format {
	case string(log.FormatJSON), string(log.FormatConsole):
		l = l.WithFormat(log.Format(format))
	case "auto":
		if term.IsTerminal(int(os.Stderr.Fd())) {
			l = l.WithFormat(log.FormatConsole)
		}
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	cmd.SetContext(log.With(cmd.Context(), l))
	return nil
}
