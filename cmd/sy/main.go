package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "switchyard.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sy",
		Short:         "Switchyard: reliable chat message pipeline",
		Long:          "Switchyard moves inbound chat messages through preparation and reply generation over RabbitMQ, with retries, dead-lettering and an operator toolkit.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newPreparerCmd())
	cmd.AddCommand(newResponderCmd())
	cmd.AddCommand(newIngressCmd())
	cmd.AddCommand(newNotifyCmd())
	cmd.AddCommand(newDLQCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newStatusCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sy %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
