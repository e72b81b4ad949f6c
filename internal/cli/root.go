package cli

import (
	"context"
	"fmt"
	goruntime "runtime"

	"github.com/spf13/cobra"

	"github.com/drksbr/mtrelay/internal/config"
	"github.com/drksbr/mtrelay/internal/relay"
	"github.com/drksbr/mtrelay/internal/runtime"
	"github.com/drksbr/mtrelay/internal/util"
	"github.com/drksbr/mtrelay/internal/version"
)

func Execute() error {
	ctx, cancel := util.WithSignalContext(context.Background())
	defer cancel()
	return newRootCommand(&runtime.Options{LogLevel: "info"}).ExecuteContext(ctx)
}

func newRootCommand(opts *runtime.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "mtrelay",
		Short:             "Obfuscated2 MTProto relay",
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		// Order matters: the dotenv file feeds MTRELAY_* variables, which feed
		// unset flags, which configure the logger.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.LoadEnv(); err != nil {
				return err
			}
			if err := config.ApplyEnv(cmd.Flags(), runtime.EnvPrefix); err != nil {
				return err
			}
			return opts.SetupLogger()
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVar(&opts.JSONLogs, "json-logs", false, "emit logs in JSON format")
	flags.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level (debug, info, warn, error)")
	flags.BoolVar(&opts.AddSource, "log-source", false, "include source file and line in log records")
	flags.StringVar(&opts.EnvFile, "env-file", "", "dotenv file loaded before reading MTRELAY_* variables (default .env if present)")

	cmd.AddCommand(
		relay.NewCommand(opts),
		newSecretCommand(),
		newVersionCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mtrelay %s (%s %s/%s)\n",
				version.Version, goruntime.Version(), goruntime.GOOS, goruntime.GOARCH)
		},
	}
}
