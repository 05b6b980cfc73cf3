package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/freightworks/docket/internal/config"
	"github.com/freightworks/docket/internal/home"
	"github.com/freightworks/docket/internal/store"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage the Postgres container",
	Long: `Manage the Postgres container lifecycle.

Postgres is the source of truth for batches, documents, and stage
records. With the postgres backend and no DSN configured, docket runs
the database in a Docker container with data persisted to
~/.docket/postgres/.

Examples:
  docket store start   # Start the Postgres container
  docket store stop    # Stop the container (data preserved)
  docket store status  # Check container status
  docket store logs    # View container logs`,
}

var storeStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Postgres container",
	Long: `Start the Postgres container.

If the container doesn't exist, it will be created and started.
If it exists but is stopped, it will be started.
If it's already running, this is a no-op.

Data is persisted to ~/.docket/postgres/.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getStoreManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Starting Postgres...")
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("failed to start Postgres: %w", err)
		}

		fmt.Printf("Postgres is running at %s\n", mgr.DSN())
		return nil
	},
}

var storeStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the Postgres container",
	Long: `Stop the Postgres container.

This stops the container but preserves data. Use 'docket store start'
to restart it later.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getStoreManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Stopping Postgres...")
		if err := mgr.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop Postgres: %w", err)
		}

		fmt.Println("Postgres stopped")
		return nil
	},
}

var storeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Postgres container status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getStoreManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		status, err := mgr.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}

		switch status {
		case store.StatusRunning:
			fmt.Printf("Status: %s\n", status)
			fmt.Printf("DSN: %s\n", mgr.DSN())
		case store.StatusStopped:
			fmt.Printf("Status: %s (use 'docket store start' to start)\n", status)
		case store.StatusNotFound:
			fmt.Printf("Status: %s (use 'docket store start' to create)\n", status)
		default:
			fmt.Printf("Status: %s\n", status)
		}

		return nil
	},
}

var storeLogsTail string

var storeLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show Postgres container logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getStoreManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		logs, err := mgr.Logs(ctx, storeLogsTail)
		if err != nil {
			return fmt.Errorf("failed to get logs: %w", err)
		}

		fmt.Print(logs)
		return nil
	},
}

var storeRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the Postgres container",
	Long: `Remove the Postgres container.

This stops and removes the container. Data in ~/.docket/postgres/
is NOT deleted - only the container is removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getStoreManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Removing Postgres container...")
		if err := mgr.Remove(ctx); err != nil {
			return fmt.Errorf("failed to remove container: %w", err)
		}

		fmt.Println("Postgres container removed (data preserved)")
		return nil
	},
}

var storeWaitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait for Postgres to be ready",
	Long: `Wait for Postgres to accept connections.

This is useful in scripts to ensure the database is fully started
before running other commands.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := getStoreManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		timeout, _ := cmd.Flags().GetDuration("timeout")
		fmt.Printf("Waiting for Postgres (timeout: %s)...\n", timeout)

		if err := mgr.WaitReady(ctx, timeout); err != nil {
			return fmt.Errorf("Postgres not ready: %w", err)
		}

		fmt.Println("Postgres is ready")
		return nil
	},
}

func init() {
	storeCmd.AddCommand(storeStartCmd)
	storeCmd.AddCommand(storeStopCmd)
	storeCmd.AddCommand(storeStatusCmd)
	storeCmd.AddCommand(storeLogsCmd)
	storeCmd.AddCommand(storeRemoveCmd)
	storeCmd.AddCommand(storeWaitCmd)

	storeLogsCmd.Flags().StringVar(&storeLogsTail, "tail", "100", "Number of lines to show from the end")

	storeWaitCmd.Flags().Duration("timeout", 30*time.Second, "Timeout waiting for Postgres")

	rootCmd.AddCommand(storeCmd)
}

// getHome returns the home directory manager.
func getHome() (*home.Dir, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, err
	}
	if err := h.EnsureExists(); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}
	return h, nil
}

// loadConfig loads the configuration the same way serve does: an explicit
// --config wins, otherwise the home config file if present, otherwise
// defaults.
func loadConfig(h *home.Dir) (*config.Config, error) {
	path := cfgFile
	if path == "" && h.ConfigExists() {
		path = h.ConfigPath()
	}
	mgr, err := config.NewManager(path)
	if err != nil {
		return nil, err
	}
	return mgr.Get(), nil
}

// getStoreManager creates a DockerManager from the configured postgres
// settings.
func getStoreManager() (*store.DockerManager, error) {
	h, err := getHome()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(h)
	if err != nil {
		return nil, err
	}
	if cfg.PostgresDSN() != "" {
		return nil, errors.New("store container is not managed when postgres.dsn is set")
	}

	pg := cfg.Store.Postgres
	return store.NewDockerManager(store.DockerConfig{
		ContainerName: pg.ContainerName,
		Image:         pg.Image,
		DataPath:      filepath.Join(h.Path(), "postgres"),
		HostPort:      pg.Port,
		User:          pg.User,
		Password:      pg.Password,
		Database:      pg.Database,
	})
}
