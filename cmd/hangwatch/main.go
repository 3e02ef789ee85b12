// Package main provides the hangwatch inspection binary: an
// out-of-process reader for the run directories the agent records.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hangwatch/hangwatch/internal/cli/inspect"
	"github.com/hangwatch/hangwatch/internal/cli/record"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "hangwatch",
		Short:         "Hangwatch - inspect on-device performance recordings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(inspect.NewRunsCmd())
	rootCmd.AddCommand(inspect.NewSurvivorsCmd())
	rootCmd.AddCommand(inspect.NewStacksCmd())
	rootCmd.AddCommand(inspect.NewMetaCmd())
	rootCmd.AddCommand(record.NewRecordCmd())

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
