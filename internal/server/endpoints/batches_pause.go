package endpoints

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/freightworks/docket/internal/api"
	"github.com/freightworks/docket/internal/pipeline"
	"github.com/freightworks/docket/internal/svcctx"
)

// PauseBatchEndpoint handles POST /api/batches/{id}/pause.
type PauseBatchEndpoint struct{}

func (e *PauseBatchEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/batches/{id}/pause", e.handler
}

func (e *PauseBatchEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Pause a batch
//	@Description	Pause a processing batch; in-flight documents finish their current stage
//	@Tags			batches
//	@Produce		json
//	@Param			id	path		string	true	"Batch ID"
//	@Success		200	{object}	pipeline.Batch
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/batches/{id}/pause [post]
func (e *PauseBatchEndpoint) handler(w http.ResponseWriter, r *http.Request) {
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

	b, err := ctrl.Pause(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, b)
}

func (e *PauseBatchEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause a processing batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())
			var b pipeline.Batch
			if err := client.Post(ctx, "/api/batches/"+args[0]+"/pause", nil, &b); err != nil {
				return err
			}
			fmt.Printf("Batch %s paused\n", b.ID[:8])
			return nil
		},
	}
}
