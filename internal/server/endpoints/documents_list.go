package endpoints

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/freightworks/docket/internal/api"
	"github.com/freightworks/docket/internal/pipeline"
	"github.com/freightworks/docket/internal/svcctx"
)

// ListDocumentsResponse is the response for listing a batch's documents.
type ListDocumentsResponse struct {
	BatchID   string               `json:"batch_id"`
	Documents []*pipeline.Document `json:"documents"`
}

// ListDocumentsEndpoint handles GET /api/batches/{id}/documents.
type ListDocumentsEndpoint struct{}

func (e *ListDocumentsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/batches/{id}/documents", e.handler
}

func (e *ListDocumentsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List batch documents
//	@Description	List every document attached to a batch
//	@Tags			documents
//	@Produce		json
//	@Param			id	path		string	true	"Batch ID"
//	@Success		200	{object}	ListDocumentsResponse
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/batches/{id}/documents [get]
func (e *ListDocumentsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")
	if batchID == "" {
		writeError(w, http.StatusBadRequest, "batch id is required")
		return
	}

	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	// Distinguish an unknown batch from an empty one.
	if _, err := st.GetBatch(r.Context(), batchID); err != nil {
		writeDomainError(w, err)
		return
	}

	docs, err := st.ListDocuments(r.Context(), batchID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ListDocumentsResponse{BatchID: batchID, Documents: docs})
}

func (e *ListDocumentsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list <batch-id>",
		Short: "List documents in a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())
			var resp ListDocumentsResponse
			if err := client.Get(ctx, "/api/batches/"+args[0]+"/documents", &resp); err != nil {
				return err
			}

			if len(resp.Documents) == 0 {
				fmt.Println("No documents in batch")
				return nil
			}

			for _, doc := range resp.Documents {
				fmt.Printf("%s  %-30s  %-10s  %d pages\n",
					doc.ID[:8], doc.FileName, doc.Status, doc.PageCount)
			}
			return nil
		},
	}
}
