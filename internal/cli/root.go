package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"ksched/internal/logging"
	"ksched/internal/sched"
)

var (
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	cfg    sched.Config
)

// NewRootCmd creates the root cobra command for ticksched.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ticksched",
		Short: "Round-robin kernel scheduler on a simulated x86 machine",
		Long: "ticksched boots a single-CPU protected-mode machine, creates the configured\n" +
			"tasks and time-slices them with a fixed quota, switching tasks by rewriting\n" +
			"the interrupt-return frame.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := sched.Load(flagConfig)
			if err != nil {
				return err
			}
			cfg = c

			level, format := cfg.LogLevel, cfg.LogFormat
			if cmd.Flags().Changed("log-level") {
				level = flagLogLevel
			}
			if cmd.Flags().Changed("log-format") {
				format = flagLogFormat
			}
			if flagDebug {
				level = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(level), format, cmd.ErrOrStderr())
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "config.yml", "Config file (defaults are used when missing)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newLayoutCmd(),
	)

	return root
}
