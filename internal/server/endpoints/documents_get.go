package endpoints

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/freightworks/docket/internal/api"
	"github.com/freightworks/docket/internal/pipeline"
	"github.com/freightworks/docket/internal/svcctx"
)

// DocumentDetail is a document with its full stage record set.
type DocumentDetail struct {
	Document *pipeline.Document      `json:"document"`
	Stages   []*pipeline.StageRecord `json:"stages"`
}

// GetDocumentEndpoint handles GET /api/documents/{id}.
type GetDocumentEndpoint struct{}

func (e *GetDocumentEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/documents/{id}", e.handler
}

func (e *GetDocumentEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Get document by ID
//	@Description	Get one document together with its per-stage records
//	@Tags			documents
//	@Produce		json
//	@Param			id	path		string	true	"Document ID"
//	@Success		200	{object}	DocumentDetail
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/documents/{id} [get]
func (e *GetDocumentEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "document id is required")
		return
	}

	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	doc, err := st.GetDocument(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	records, err := st.ListStageRecords(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, DocumentDetail{Document: doc, Stages: records})
}

func (e *GetDocumentEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get a document with its stage records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())
			var detail DocumentDetail
			if err := client.Get(ctx, "/api/documents/"+args[0], &detail); err != nil {
				return err
			}
			if api.GetOutputFormat() == api.OutputFormatJSON {
				return api.Output(detail)
			}
			doc := detail.Document
			fmt.Printf("ID:       %s\n", doc.ID)
			fmt.Printf("Batch:    %s\n", doc.BatchID)
			fmt.Printf("File:     %s (%d bytes)\n", doc.FileName, doc.FileSize)
			fmt.Printf("Status:   %s\n", doc.Status)
			if doc.ErrorMessage != "" {
				fmt.Printf("Error:    %s\n", doc.ErrorMessage)
			}
			fmt.Println("Stages:")
			for _, rec := range detail.Stages {
				line := fmt.Sprintf("  %-12s %s", rec.Stage, rec.Status)
				if rec.DurationMs > 0 {
					line += fmt.Sprintf("  (%dms)", rec.DurationMs)
				}
				if rec.Error != "" {
					line += "  " + rec.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}
