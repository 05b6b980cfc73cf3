package endpoints

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/freightworks/docket/internal/api"
	"github.com/freightworks/docket/internal/batch"
	"github.com/freightworks/docket/internal/svcctx"
)

// CancelBatchEndpoint handles POST /api/batches/{id}/cancel.
type CancelBatchEndpoint struct{}

func (e *CancelBatchEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/batches/{id}/cancel", e.handler
}

func (e *CancelBatchEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Cancel a batch
//	@Description	Cancel a batch and skip every document that has not started processing. A batch that turned terminal while the cancel was in flight is reported with already_terminal instead of an error.
//	@Tags			batches
//	@Produce		json
//	@Param			id	path		string	true	"Batch ID"
//	@Success		200	{object}	batch.CancelResult
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/batches/{id}/cancel [post]
func (e *CancelBatchEndpoint) handler(w http.ResponseWriter, r *http.Request) {
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

	res, err := ctrl.Cancel(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (e *CancelBatchEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())
			var res batch.CancelResult
			if err := client.Post(ctx, "/api/batches/"+args[0]+"/cancel", nil, &res); err != nil {
				return err
			}
			if res.AlreadyTerminal {
				fmt.Printf("Batch %s already finished with status %s\n", res.Batch.ID[:8], res.Batch.Status)
				return nil
			}
			fmt.Printf("Batch %s cancelled, %d documents skipped\n", res.Batch.ID[:8], res.SkippedCount)
			return nil
		},
	}
}
