package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/convoflow-dev/convoflow"
	"github.com/convoflow-dev/convoflow/pkg/config"
)

// Version is set via ldflags.
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "convoflow",
		Short:        "Conversational agent session coordinator",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), validateCmd(), versionCmd())
	return root
}

func serveCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return convoflow.Run(configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", defaultConfigPath(), "configuration file")
	return cmd
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Check a configuration file without starting anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(args[0])
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d agents, %d pools, %d teams)\n",
				args[0], len(cfg.Agents), len(cfg.Pools), len(cfg.Teams))
			return nil
		},
	}
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "convoflow", Version)
		},
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("CONVOFLOW_CONFIG"); p != "" {
		return p
	}
	return "config/convoflow.yaml"
}
