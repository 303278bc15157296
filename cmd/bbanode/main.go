package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meta-node-blockchain/meta-bba/pkg/logger"
)

var logLevel string

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the log level (error, warn, info, debug, trace)")
	rootCmd.AddCommand(runCmd, simulateCmd, keygenCmd)
}

var rootCmd = &cobra.Command{
	Use:   "bbanode",
	Short: "Asynchronous binary Byzantine agreement node",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel == "" {
			return nil
		}
		return logger.SetLevel(logLevel)
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
