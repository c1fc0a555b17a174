package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/vizq/internal/config"
	"github.com/roach88/vizq/internal/errors"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the vizq configuration file",
	}
	cmd.AddCommand(newConfigInitCommand(rootOpts))
	return cmd
}

func newConfigInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Long: `Write every setting with its default value as TOML. The path
defaults to ./` + config.FileName + `; an existing file is never overwritten.

Every setting can also be set through the environment: store.dsn is
` + config.EnvPrefix + `_STORE_DSN.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.Formatter(cmd)
			path := config.FileName
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path); err != nil {
				_ = out.Error(CodeConfig, err.Error(), errors.FlattenHints(err))
				return WrapExitError(ExitCommandError, "failed to write config", err)
			}
			return out.Emit(map[string]any{"path": path, "keys": config.Keys()}, "Wrote "+path)
		},
	}
}
