package cmd

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"batchpack/config"
	"batchpack/internal/logging"
)

var (
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "batchpack",
	Short: "Batch patch, archive and upload game folders",
	Long: `batchpack processes a batch of game folders: it undoes leftovers of earlier
runs, patches each folder with an external tool, archives it and uploads the
archive, reporting one progress value for the whole batch.
Configuration is loaded from .env file, batchpack.yaml or environment variables`,
}

func Execute(config *config.Config) error {
	cfg = config
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(ratesCmd)
	rootCmd.AddCommand(pruneCmd)

	rootCmd.PersistentFlags().StringP("bucket", "b", "", "Override bucket name from config")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (trace, debug, info, warn, error); overrides LOG_LEVEL")

	for _, c := range []*cobra.Command{runCmd, cleanupCmd, ratesCmd, pruneCmd} {
		c.SetUsageTemplate(usageTemplate)
	}
}

func getBucketName(cmd *cobra.Command) string {
	bucket, _ := cmd.Flags().GetString("bucket")
	if bucket != "" {
		return bucket
	}
	return cfg.BucketName
}

func isVerbose(cmd *cobra.Command) bool {
	verbose, _ := cmd.Flags().GetBool("verbose")
	return verbose
}

// commandContext returns a context carrying the command's logger.
func commandContext(cmd *cobra.Command) context.Context {
	level, _ := cmd.Flags().GetString("log-level")
	if level == "" {
		level = cfg.LogLevel
	}
	if isVerbose(cmd) {
		level = zerolog.LevelDebugValue
	}
	logger, err := logging.New(os.Stderr, level)
	if err != nil {
		logger, _ = logging.New(os.Stderr, zerolog.LevelInfoValue)
		logger.Warn().Err(err).Msg("falling back to info level")
	}
	return logger.With().Str("command", cmd.Name()).Logger().WithContext(context.Background())
}

const usageTemplate = `Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}{{if gt (len .Aliases) 0}}

Aliases:
  {{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}

Available Commands:{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`
