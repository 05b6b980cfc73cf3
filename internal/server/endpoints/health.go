package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/freightworks/docket/internal/api"
	"github.com/freightworks/docket/internal/pipeline"
	"github.com/freightworks/docket/internal/store"
	"github.com/freightworks/docket/internal/svcctx"
)

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
}

// HealthEndpoint handles GET /health.
type HealthEndpoint struct{}

func (e *HealthEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/health", e.handler
}

func (e *HealthEndpoint) RequiresInit() bool { return false }

func (e *HealthEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (e *HealthEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(ctx, "/health", &resp); err != nil {
				return err
			}
			fmt.Printf("Status: %s\n", resp.Status)
			return nil
		},
	}
}

// ReadyEndpoint handles GET /ready.
type ReadyEndpoint struct{}

func (e *ReadyEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/ready", e.handler
}

func (e *ReadyEndpoint) RequiresInit() bool { return false }

func (e *ReadyEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Store: "ok"}

	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		resp.Status = "degraded"
		resp.Store = "not_initialized"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	// A real read proves the backend is reachable, not just wired.
	if _, err := st.ListBatches(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Store = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *ReadyEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Check server readiness (includes the store)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(ctx, "/ready", &resp); err != nil {
				return err
			}
			fmt.Printf("Status: %s\n", resp.Status)
			if resp.Store != "" {
				fmt.Printf("Store:  %s\n", resp.Store)
			}
			return nil
		},
	}
}

// StatusResponse is the detailed status response.
type StatusResponse struct {
	Server   string         `json:"server"`
	Store    StoreStatus    `json:"store"`
	Sessions SessionsStatus `json:"sessions"`
}

// StoreStatus shows store backend, container, and health status.
type StoreStatus struct {
	Backend   string `json:"backend"`
	Container string `json:"container,omitempty"`
	Health    string `json:"health"`
}

// SessionsStatus counts connected status-stream subscribers.
type SessionsStatus struct {
	Active int `json:"active"`
}

// StatusEndpoint handles GET /status.
type StatusEndpoint struct {
	// StoreManager is set by server since it's not in Services. It is nil
	// unless the server manages its own Postgres container.
	StoreManager *store.DockerManager
	Backend      string
}

func (e *StatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/status", e.handler
}

func (e *StatusEndpoint) RequiresInit() bool { return false }

func (e *StatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Server: "running",
	}
	resp.Store.Backend = e.Backend

	if e.StoreManager != nil {
		status, err := e.StoreManager.Status(r.Context())
		if err != nil {
			resp.Store.Container = "error"
		} else {
			resp.Store.Container = string(status)
		}
	}

	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		resp.Store.Health = "not_initialized"
	} else if _, err := st.ListBatches(r.Context()); err != nil {
		resp.Store.Health = "unhealthy"
	} else {
		resp.Store.Health = "healthy"
	}

	if hub := svcctx.HubFrom(r.Context()); hub != nil {
		resp.Sessions.Active = hub.ActiveSessions()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *StatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Get detailed server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())
			var resp StatusResponse
			if err := client.Get(ctx, "/status", &resp); err != nil {
				return err
			}
			fmt.Printf("Server: %s\n", resp.Server)
			fmt.Printf("Store:\n")
			fmt.Printf("  Backend:   %s\n", resp.Store.Backend)
			if resp.Store.Container != "" {
				fmt.Printf("  Container: %s\n", resp.Store.Container)
			}
			fmt.Printf("  Health:    %s\n", resp.Store.Health)
			fmt.Printf("Sessions:\n")
			fmt.Printf("  Active: %d\n", resp.Sessions.Active)
			return nil
		},
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeDomainError maps pipeline errors onto HTTP statuses: unknown ids
// are 404, illegal lifecycle transitions 409, rejected input 400, and
// failed commits 500.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		invalid    *pipeline.InvalidTransitionError
		validation *pipeline.ValidationError
		txErr      *pipeline.TransactionError
	)
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusConflict, invalid.Error())
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &txErr):
		writeError(w, http.StatusInternalServerError, txErr.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
