package endpoints

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/freightworks/docket/internal/api"
	"github.com/freightworks/docket/internal/pipeline"
	"github.com/freightworks/docket/internal/svcctx"
)

// StartBatchEndpoint handles POST /api/batches/{id}/start.
type StartBatchEndpoint struct{}

func (e *StartBatchEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/batches/{id}/start", e.handler
}

func (e *StartBatchEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Start a batch
//	@Description	Move a pending batch to processing and hand it to the pipeline runner
//	@Tags			batches
//	@Produce		json
//	@Param			id	path		string	true	"Batch ID"
//	@Success		200	{object}	pipeline.Batch
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/batches/{id}/start [post]
func (e *StartBatchEndpoint) handler(w http.ResponseWriter, r *http.Request) {
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

	b, err := ctrl.Start(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, b)
}

func (e *StartBatchEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start processing a pending batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())
			var b pipeline.Batch
			if err := client.Post(ctx, "/api/batches/"+args[0]+"/start", nil, &b); err != nil {
				return err
			}
			fmt.Printf("Batch %s started (%d documents)\n", b.ID[:8], b.TotalItems)
			fmt.Println("Watch progress with: docket api batches watch", b.ID)
			return nil
		},
	}
}
