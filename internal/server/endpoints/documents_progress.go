package endpoints

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/freightworks/docket/internal/api"
	"github.com/freightworks/docket/internal/progress"
	"github.com/freightworks/docket/internal/svcctx"
)

// DocumentProgressEndpoint handles GET /api/documents/{id}/progress.
type DocumentProgressEndpoint struct{}

func (e *DocumentProgressEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/documents/{id}/progress", e.handler
}

func (e *DocumentProgressEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Get document progress
//	@Description	Get the weighted progress and ETA for one document
//	@Tags			documents
//	@Produce		json
//	@Param			id	path		string	true	"Document ID"
//	@Success		200	{object}	progress.Snapshot
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/documents/{id}/progress [get]
func (e *DocumentProgressEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "document id is required")
		return
	}

	calc := svcctx.CalculatorFrom(r.Context())
	if calc == nil {
		writeError(w, http.StatusServiceUnavailable, "progress calculator not initialized")
		return
	}

	snap, err := calc.Document(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

func (e *DocumentProgressEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <id>",
		Short: "Get weighted document progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())
			var snap progress.Snapshot
			if err := client.Get(ctx, "/api/documents/"+args[0]+"/progress", &snap); err != nil {
				return err
			}
			return api.Output(snap)
		},
	}
}
