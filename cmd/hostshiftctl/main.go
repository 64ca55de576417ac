package main

import (
	"fmt"
	"os"

	"github.com/hostshift/backend/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "hostshiftctl",
	Short:         "Operate the hostshift migration server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
