package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/freightworks/docket/internal/config"
	"github.com/freightworks/docket/internal/home"
	"github.com/freightworks/docket/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the docket server",
	Long: `Start the docket HTTP server.

With the postgres store backend and no DSN configured, this also starts
the Postgres container. When the server shuts down (via Ctrl+C or
SIGTERM), the container is stopped with it.

The config file is watched while the server runs; edits to executor
URLs and thresholds apply without a restart.

Examples:
  docket serve                    # Start on default port 8080
  docket serve --port 3000        # Start on custom port
  docket serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))

		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		// Fall back to the home config when --config was not given and the
		// file exists there.
		path := cfgFile
		if path == "" && h.ConfigExists() {
			path = h.ConfigPath()
		}
		mgr, err := config.NewManager(path)
		if err != nil {
			return err
		}
		mgr.WatchConfig()

		// Flags win over the config file for the bind address
		cfg := mgr.Get()
		host := serveHost
		if !cmd.Flags().Changed("host") && cfg.Server.Host != "" {
			host = cfg.Server.Host
		}
		port := servePort
		if !cmd.Flags().Changed("port") && cfg.Server.Port != "" {
			port = cfg.Server.Port
		}

		srv, err := server.New(server.Config{
			Host:          host,
			Port:          port,
			ConfigManager: mgr,
			Home:          h,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on")

	rootCmd.AddCommand(serveCmd)
}
