package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/freightworks/docket/internal/api"
	"github.com/freightworks/docket/internal/pipeline"
	"github.com/freightworks/docket/internal/svcctx"
)

// CreateBatchRequest is the request body for creating a batch.
type CreateBatchRequest struct {
	Name            string   `json:"name"`
	City            string   `json:"city,omitempty"`
	SkipStages      []string `json:"skip_stages,omitempty"`
	FailOnItemError bool     `json:"fail_on_item_error,omitempty"`
}

// CreateBatchEndpoint handles POST /api/batches.
type CreateBatchEndpoint struct{}

var _ api.Endpoint = (*CreateBatchEndpoint)(nil)

func (e *CreateBatchEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/batches", e.handler
}

func (e *CreateBatchEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Create a batch
//	@Description	Create a new pending batch to attach documents to
//	@Tags			batches
//	@Accept			json
//	@Produce		json
//	@Param			request	body		CreateBatchRequest	true	"Batch creation request"
//	@Success		201		{object}	pipeline.Batch
//	@Failure		400		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Failure		503		{object}	ErrorResponse
//	@Router			/api/batches [post]
func (e *CreateBatchEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctrl := svcctx.ControllerFrom(r.Context())
	if ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "batch controller not initialized")
		return
	}

	b, err := ctrl.Create(r.Context(), req.Name, req.City, req.SkipStages, req.FailOnItemError)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, b)
}

func (e *CreateBatchEndpoint) Command(getServerURL func() string) *cobra.Command {
	var name, city string
	var skipStages []string
	var failOnError bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())
			var b pipeline.Batch
			if err := client.Post(ctx, "/api/batches", CreateBatchRequest{
				Name:            name,
				City:            city,
				SkipStages:      skipStages,
				FailOnItemError: failOnError,
			}, &b); err != nil {
				return err
			}
			return api.Output(b)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Batch name (required)")
	cmd.Flags().StringVar(&city, "city", "", "City scope for duration history")
	cmd.Flags().StringSliceVar(&skipStages, "skip-stage", nil, "Stage to skip for every document (repeatable)")
	cmd.Flags().BoolVar(&failOnError, "fail-on-error", false, "Fail the whole batch when any document fails")
	return cmd
}
