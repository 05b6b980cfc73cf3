package endpoints

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/freightworks/docket/internal/api"
	"github.com/freightworks/docket/internal/pipeline"
	"github.com/freightworks/docket/internal/svcctx"
)

// ListBatchesResponse is the response for listing batches.
type ListBatchesResponse struct {
	Batches []*pipeline.Batch `json:"batches"`
}

// ListBatchesEndpoint handles GET /api/batches.
type ListBatchesEndpoint struct{}

func (e *ListBatchesEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/batches", e.handler
}

func (e *ListBatchesEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List batches
//	@Description	List all batches, newest last
//	@Tags			batches
//	@Produce		json
//	@Success		200	{object}	ListBatchesResponse
//	@Failure		500	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/batches [get]
func (e *ListBatchesEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctrl := svcctx.ControllerFrom(r.Context())
	if ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "batch controller not initialized")
		return
	}

	batches, err := ctrl.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ListBatchesResponse{Batches: batches})
}

func (e *ListBatchesEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())
			var resp ListBatchesResponse
			if err := client.Get(ctx, "/api/batches", &resp); err != nil {
				return err
			}

			if len(resp.Batches) == 0 {
				fmt.Println("No batches found")
				return nil
			}

			for _, b := range resp.Batches {
				fmt.Printf("%s  %s  %s  %d/%d settled\n",
					b.ID[:8], b.Name, b.Status, b.SettledItems(), b.TotalItems)
			}
			return nil
		},
	}
}
