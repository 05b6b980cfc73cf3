package main

import (
	"github.com/spf13/cobra"

	"github.com/freightworks/docket/internal/api"
	"github.com/freightworks/docket/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "docket",
	Short: "Batch document processing pipeline for freight paperwork",
	Long: `Docket ingests batches of freight documents (invoices, bills of lading,
customs forms) and tracks them through a staged processing pipeline.

Each document moves through detection, OCR extraction, forwarder mapping,
and review. Docket tracks every stage transition, derives weighted
progress and completion estimates, and streams live status to watchers.`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.docket/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "docket home directory (default: ~/.docket)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}
