// Package cli is the filebridge command line.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"filebridge/config"
	"filebridge/logging"
)

type ctxKey string

const configKey ctxKey = "config"

// NewRootCommand builds the command tree. fs is where the config file is
// read from and written to.
func NewRootCommand(fs afero.Fs) *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "filebridge",
		Short: "filebridge moves files between this machine and a remote",
		Long: `filebridge pairs the local filesystem with a remote one (SFTP, S3 or a
directory) and runs copies, moves and directory mirrors between them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(fs, configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logging.Setup(cmd.ErrOrStderr(), cfg.Log.Format, cfg.Log.Level)
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (TOML)")

	rootCmd.AddCommand(ServeCommand())
	rootCmd.AddCommand(CopyCommand())
	rootCmd.AddCommand(SyncCommand())
	rootCmd.AddCommand(ConfigCommand(fs))

	return rootCmd
}

func getConfig(cmd *cobra.Command) config.Config {
	if v := cmd.Context().Value(configKey); v != nil {
		if cfg, ok := v.(config.Config); ok {
			return cfg
		}
	}
	return config.Default()
}
