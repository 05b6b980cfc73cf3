package main

import (
	"github.com/spf13/cobra"

	"github.com/freightworks/docket/internal/server/endpoints"
)

var serverURL string

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Commands that call the running server",
	Long: `API commands call the running docket server via HTTP.

These commands require a running server (docket serve).
Use --server to specify a custom server URL.

Examples:
  docket api health                  # Check server health
  docket api batches create --name august-invoices
  docket api batches watch <id>      # Follow live batch progress
  docket api stages update <doc-id> extraction --status completed`,
}

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "Batch lifecycle commands",
}

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Document commands",
}

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "Stage reporting commands",
}

// getServerURL returns the server URL at runtime (after flag parsing).
func getServerURL() string {
	return serverURL
}

func init() {
	// Add --server flag to api command (persistent so all subcommands inherit it)
	apiCmd.PersistentFlags().StringVar(
		&serverURL, "server", "http://localhost:8080", "Server URL",
	)

	// Health endpoints at top level of api
	apiCmd.AddCommand((&endpoints.HealthEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.ReadyEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.StatusEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.SwaggerEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.SwaggerUIEndpoint{}).Command(getServerURL))

	// Subcommand groups share the registry's endpoint grouping
	for _, ep := range endpoints.BatchCommands() {
		batchesCmd.AddCommand(ep.Command(getServerURL))
	}
	for _, ep := range endpoints.DocumentCommands() {
		documentsCmd.AddCommand(ep.Command(getServerURL))
	}
	for _, ep := range endpoints.StageCommands() {
		stagesCmd.AddCommand(ep.Command(getServerURL))
	}

	apiCmd.AddCommand(batchesCmd)
	apiCmd.AddCommand(documentsCmd)
	apiCmd.AddCommand(stagesCmd)
	rootCmd.AddCommand(apiCmd)
}
