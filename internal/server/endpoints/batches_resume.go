package endpoints

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/freightworks/docket/internal/api"
	"github.com/freightworks/docket/internal/pipeline"
	"github.com/freightworks/docket/internal/svcctx"
)

// ResumeBatchEndpoint handles POST /api/batches/{id}/resume.
type ResumeBatchEndpoint struct{}

func (e *ResumeBatchEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/batches/{id}/resume", e.handler
}

func (e *ResumeBatchEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Resume a batch
//	@Description	Move a paused batch back to processing and re-signal the runner
//	@Tags			batches
//	@Produce		json
//	@Param			id	path		string	true	"Batch ID"
//	@Success		200	{object}	pipeline.Batch
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/batches/{id}/resume [post]
func (e *ResumeBatchEndpoint) handler(w http.ResponseWriter, r *http.Request) {
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

	b, err := ctrl.Resume(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, b)
}

func (e *ResumeBatchEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())
			var b pipeline.Batch
			if err := client.Post(ctx, "/api/batches/"+args[0]+"/resume", nil, &b); err != nil {
				return err
			}
			fmt.Printf("Batch %s resumed\n", b.ID[:8])
			return nil
		},
	}
}
