package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"autogram/internal/app"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	cmd.AddCommand(newConfigValidateCmd())
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate a config file without starting the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			boot, err := app.LoadBootstrap()
			if err != nil {
				return err
			}
			if p, _ := cmd.Flags().GetString("config"); p != "" {
				boot.ConfigPath = p
			}
			if err := app.ValidateConfigFile(boot.ConfigPath); err != nil {
				return fmt.Errorf("%s: %w", boot.ConfigPath, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", boot.ConfigPath)
			return err
		},
	}
}
