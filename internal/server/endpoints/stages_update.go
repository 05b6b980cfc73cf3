package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/freightworks/docket/internal/api"
	"github.com/freightworks/docket/internal/executors"
	"github.com/freightworks/docket/internal/pipeline"
	"github.com/freightworks/docket/internal/svcctx"
)

// UpdateStageRequest is the request body for reporting a stage
// transition. Result carries the executor's payload untouched.
type UpdateStageRequest struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// UpdateStageResponse reports the record written and the document state
// derived from it.
type UpdateStageResponse struct {
	Record   *pipeline.StageRecord `json:"record"`
	Document *pipeline.Document    `json:"document"`
	Settled  bool                  `json:"settled"`
}

// UpdateStageEndpoint handles POST /api/documents/{id}/stages/{stage}.
// External executors report every stage transition through here.
type UpdateStageEndpoint struct{}

var _ api.Endpoint = (*UpdateStageEndpoint)(nil)

func (e *UpdateStageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/documents/{id}/stages/{stage}", e.handler
}

func (e *UpdateStageEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Report a stage transition
//	@Description	Record a stage status change for a document. The document status, timestamps, and batch counters are derived in the same transaction.
//	@Tags			stages
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Document ID"
//	@Param			stage	path		string				true	"Stage name"
//	@Param			request	body		UpdateStageRequest	true	"Stage transition"
//	@Success		200		{object}	UpdateStageResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Failure		503		{object}	ErrorResponse
//	@Router			/api/documents/{id}/stages/{stage} [post]
func (e *UpdateStageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "document id is required")
		return
	}

	stage, err := pipeline.ParseStage(r.PathValue("stage"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req UpdateStageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status, err := pipeline.ParseStageStatus(req.Status)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// Reject malformed executor payloads before anything is written.
	if err := executors.ValidateResult(stage, req.Result); err != nil {
		writeDomainError(w, err)
		return
	}

	tr := svcctx.TrackerFrom(r.Context())
	if tr == nil {
		writeError(w, http.StatusServiceUnavailable, "stage tracker not initialized")
		return
	}

	res, err := tr.Update(r.Context(), id, stage, status, req.Result, req.Error)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, UpdateStageResponse{
		Record:   res.Record,
		Document: res.Document,
		Settled:  res.Settled,
	})
}

func (e *UpdateStageEndpoint) Command(getServerURL func() string) *cobra.Command {
	var status, result, stageErr string
	cmd := &cobra.Command{
		Use:   "update <document-id> <stage>",
		Short: "Report a stage transition for a document",
		Long: `Report a stage status change the way an external executor would.

Examples:
  docket api stages update 4f1c22 extraction --status in_progress
  docket api stages update 4f1c22 extraction --status completed --result '{"extracted_text":"...","confidence":0.93}'
  docket api stages update 4f1c22 mapping --status failed --error "service unavailable"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == "" {
				return fmt.Errorf("--status is required")
			}
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())

			req := UpdateStageRequest{Status: status, Error: stageErr}
			if result != "" {
				req.Result = json.RawMessage(result)
			}

			var resp UpdateStageResponse
			path := "/api/documents/" + args[0] + "/stages/" + args[1]
			if err := client.Post(ctx, path, req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "New stage status (required)")
	cmd.Flags().StringVar(&result, "result", "", "Stage result payload as JSON")
	cmd.Flags().StringVar(&stageErr, "error", "", "Stage error message")
	return cmd
}
