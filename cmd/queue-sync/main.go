package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "queue-sync",
		Short:        "Clinic queue and counter transfer service",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(moveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
