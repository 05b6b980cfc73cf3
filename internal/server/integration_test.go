package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/freightworks/docket/internal/config"
	"github.com/freightworks/docket/internal/home"
	"github.com/freightworks/docket/internal/pipeline"
	"github.com/freightworks/docket/internal/server/endpoints"
	"github.com/freightworks/docket/internal/store"
	"github.com/freightworks/docket/internal/testutil"
)

// TestServer_PostgresIntegration runs the server against a managed
// Postgres container: the server creates the container, migrates the
// schema, serves a batch roundtrip through it, and stops the container
// on shutdown. Requires Docker.
func TestServer_PostgresIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	_ = testutil.DockerClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	containerName := testutil.UniqueContainerName(t, "pg")
	pgPort, err := testutil.FindFreePort()
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}

	// The server builds its own manager from config; this handle exists so
	// the test can check container state and remove it afterwards. The
	// managed container does not carry the test cleanup label.
	mgr, err := store.NewDockerManager(store.DockerConfig{
		ContainerName: containerName,
		HostPort:      pgPort,
	})
	if err != nil {
		t.Fatalf("NewDockerManager() error = %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), time.Minute)
		defer cleanupCancel()
		if err := mgr.Remove(cleanupCtx); err != nil {
			t.Logf("failed to remove container %s: %v", containerName, err)
		}
		mgr.Close()
	})

	tc := testutil.NewServerConfig(t)
	cfgYAML := fmt.Sprintf(`store:
  backend: postgres
  postgres:
    dsn: ""
    container_name: %s
    image: postgres:16-alpine
    port: "%s"
    user: docket
    password: docket
    database: docket

runner:
  workers: 2
  enabled: false

broadcast:
  progress_interval: 50ms
  heartbeat_interval: 200ms
  session_timeout: 2s
`, containerName, pgPort)
	if err := os.WriteFile(tc.ConfigFile, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfgMgr, err := config.NewManager(tc.ConfigFile)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	h, err := home.New(tc.Home)
	if err != nil {
		t.Fatalf("home.New() error = %v", err)
	}

	srv, err := New(Config{
		Host:          tc.Host,
		Port:          tc.Port,
		ConfigManager: cfgMgr,
		Home:          h,
		Logger:        tc.Logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	serverErr := make(chan error, 1)
	serverCtx, serverCancel := context.WithCancel(ctx)
	t.Cleanup(serverCancel)

	go func() {
		serverErr <- srv.Start(serverCtx)
	}()

	// First start pulls the image and waits for Postgres to accept
	// connections, so give it room.
	baseURL := tc.URL()
	if err := testutil.WaitForServer(baseURL, 2*time.Minute); err != nil {
		t.Fatalf("server did not start: %v", err)
	}

	t.Run("ready_through_postgres", func(t *testing.T) {
		var health endpoints.HealthResponse
		mustGetJSON(t, baseURL+"/ready", http.StatusOK, &health)
		if health.Store != "ok" {
			t.Errorf("health.Store = %q, want %q", health.Store, "ok")
		}
	})

	t.Run("status_shows_container", func(t *testing.T) {
		status, err := testutil.GetStatus(baseURL)
		if err != nil {
			t.Fatalf("GetStatus() error = %v", err)
		}
		if status.Store.Backend != "postgres" {
			t.Errorf("status.Store.Backend = %q, want %q", status.Store.Backend, "postgres")
		}
		if status.Store.Container != string(store.StatusRunning) {
			t.Errorf("status.Store.Container = %q, want %q", status.Store.Container, store.StatusRunning)
		}
		if status.Store.Health != "healthy" {
			t.Errorf("status.Store.Health = %q, want %q", status.Store.Health, "healthy")
		}
	})

	var b pipeline.Batch
	t.Run("batch_roundtrip", func(t *testing.T) {
		mustPostJSON(t, baseURL+"/api/batches", endpoints.CreateBatchRequest{
			Name: "pg-smoke",
			City: "antwerp",
		}, http.StatusCreated, &b)

		var resp endpoints.AttachDocumentsResponse
		mustPostJSON(t, baseURL+"/api/batches/"+b.ID+"/documents", endpoints.AttachDocumentsRequest{
			Documents: []endpoints.AttachDocument{
				{FileName: "bill-of-lading.txt", Content: []byte("shipper: acme\nconsignee: globex\n")},
			},
		}, http.StatusOK, &resp)
		if resp.Attached != 1 {
			t.Fatalf("resp.Attached = %d, want 1", resp.Attached)
		}

		var got pipeline.Batch
		mustGetJSON(t, baseURL+"/api/batches/"+b.ID, http.StatusOK, &got)
		if got.Name != "pg-smoke" {
			t.Errorf("batch.Name = %q, want %q", got.Name, "pg-smoke")
		}
		if got.TotalItems != 1 {
			t.Errorf("batch.TotalItems = %d, want 1", got.TotalItems)
		}
	})

	t.Run("stage_records_persisted", func(t *testing.T) {
		var docsResp endpoints.ListDocumentsResponse
		mustGetJSON(t, baseURL+"/api/batches/"+b.ID+"/documents", http.StatusOK, &docsResp)
		if len(docsResp.Documents) != 1 {
			t.Fatalf("len(Documents) = %d, want 1", len(docsResp.Documents))
		}

		var detail endpoints.DocumentDetail
		mustGetJSON(t, baseURL+"/api/documents/"+docsResp.Documents[0].ID, http.StatusOK, &detail)
		if len(detail.Stages) != len(pipeline.Stages()) {
			t.Errorf("len(Stages) = %d, want %d", len(detail.Stages), len(pipeline.Stages()))
		}
	})

	// Shutdown stops the managed container
	serverCancel()
	if err := testutil.WaitForShutdown(serverErr, time.Minute); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	status, err := mgr.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status == store.StatusRunning {
		t.Errorf("container status = %q after shutdown, want stopped", status)
	}
}
