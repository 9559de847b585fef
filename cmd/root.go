package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "autogram",
		Short:         "autogram: session-pool automation daemon",
		Long:          "autogram schedules rate-limited activities across a pool of credentialed sessions, with health tracking, retries and persistence.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().String("config", "", "path to config file (overrides AUTOGRAM_CONFIG)")

	rootCmd.AddCommand(
		newServeCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)

	return rootCmd
}
