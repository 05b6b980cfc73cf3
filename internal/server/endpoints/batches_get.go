package endpoints

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/freightworks/docket/internal/api"
	"github.com/freightworks/docket/internal/pipeline"
	"github.com/freightworks/docket/internal/svcctx"
)

// GetBatchEndpoint handles GET /api/batches/{id}.
type GetBatchEndpoint struct{}

func (e *GetBatchEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/batches/{id}", e.handler
}

func (e *GetBatchEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Get batch by ID
//	@Description	Get one batch with its lifecycle status and item counters
//	@Tags			batches
//	@Produce		json
//	@Param			id	path		string	true	"Batch ID"
//	@Success		200	{object}	pipeline.Batch
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/batches/{id} [get]
func (e *GetBatchEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "batch id is required")
		return
	}

	ctrl := svcctx.ControllerFrom(r.Context())
	if ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "batch controller not initialized")
		return
	}

	b, err := ctrl.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, b)
}

func (e *GetBatchEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get a batch by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())
			var b pipeline.Batch
			if err := client.Get(ctx, "/api/batches/"+args[0], &b); err != nil {
				return err
			}
			return api.Output(b)
		},
	}
}
