package endpoints

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/freightworks/docket/internal/api"
	"github.com/freightworks/docket/internal/progress"
	"github.com/freightworks/docket/internal/svcctx"
)

// BatchProgressEndpoint handles GET /api/batches/{id}/progress.
type BatchProgressEndpoint struct{}

func (e *BatchProgressEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/batches/{id}/progress", e.handler
}

func (e *BatchProgressEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Get batch progress
//	@Description	Get the aggregated weighted progress and ETA for a batch
//	@Tags			batches
//	@Produce		json
//	@Param			id	path		string	true	"Batch ID"
//	@Success		200	{object}	progress.Snapshot
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/batches/{id}/progress [get]
func (e *BatchProgressEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "batch id is required")
		return
	}

	calc := svcctx.CalculatorFrom(r.Context())
	if calc == nil {
		writeError(w, http.StatusServiceUnavailable, "progress calculator not initialized")
		return
	}

	snap, err := calc.Batch(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

func (e *BatchProgressEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <id>",
		Short: "Get aggregated batch progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())
			var snap progress.Snapshot
			if err := client.Get(ctx, "/api/batches/"+args[0]+"/progress", &snap); err != nil {
				return err
			}
			return api.Output(snap)
		},
	}
}
