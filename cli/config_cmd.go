package cli

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"filebridge/config"
)

func ConfigCommand(fs afero.Fs) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and write configuration",
	}
	cmd.AddCommand(configInit(fs), configShow())
	return cmd
}

func configInit(fs afero.Fs) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write the default configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			exists, err := afero.Exists(fs, path)
			if err != nil {
				return err
			}
			if exists && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := config.Save(fs, path, config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	return cmd
}

func configShow() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getConfig(cmd)
			cfg.Remote.SFTP.Password = redact(cfg.Remote.SFTP.Password)
			cfg.Remote.SFTP.KeyPassphrase = redact(cfg.Remote.SFTP.KeyPassphrase)
			cfg.Remote.S3.SecretKey = redact(cfg.Remote.S3.SecretKey)
			return config.Encode(cmd.OutOrStdout(), cfg)
		},
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
