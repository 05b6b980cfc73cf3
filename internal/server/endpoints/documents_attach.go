package endpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/freightworks/docket/internal/api"
	"github.com/freightworks/docket/internal/ingest"
	"github.com/freightworks/docket/internal/pipeline"
	"github.com/freightworks/docket/internal/svcctx"
)

// AttachDocumentsRequest is the JSON request body for attaching
// documents. Content is base64 in the wire form.
type AttachDocumentsRequest struct {
	Documents []AttachDocument `json:"documents"`
}

// AttachDocument is one inline document payload.
type AttachDocument struct {
	FileName string `json:"file_name"`
	Content  []byte `json:"content"`
}

// AttachDocumentsResponse reports the documents created by an attach.
type AttachDocumentsResponse struct {
	BatchID   string               `json:"batch_id"`
	Attached  int                  `json:"attached"`
	Documents []*pipeline.Document `json:"documents"`
}

// AttachDocumentsEndpoint handles POST /api/batches/{id}/documents with
// either a multipart upload or a JSON body of base64 payloads.
type AttachDocumentsEndpoint struct{}

var _ api.Endpoint = (*AttachDocumentsEndpoint)(nil)

func (e *AttachDocumentsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/batches/{id}/documents", e.handler
}

func (e *AttachDocumentsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Attach documents to a batch
//	@Description	Attach one or more documents to a pending batch. Each document is spooled and initialized atomically; on a mid-request failure the documents already attached stay attached.
//	@Tags			documents
//	@Accept			mpfd
//	@Produce		json
//	@Param			id		path		string	true	"Batch ID"
//	@Param			files	formData	file	true	"Document files"
//	@Success		200		{object}	AttachDocumentsResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Failure		503		{object}	ErrorResponse
//	@Router			/api/batches/{id}/documents [post]
func (e *AttachDocumentsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")
	if batchID == "" {
		writeError(w, http.StatusBadRequest, "batch id is required")
		return
	}

	ing := svcctx.IngestorFrom(r.Context())
	if ing == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestor not initialized")
		return
	}
	ctrl := svcctx.ControllerFrom(r.Context())
	if ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "batch controller not initialized")
		return
	}

	// One upfront check gives a clean 404/409 before any file is read;
	// the per-document transaction re-checks under lock.
	b, err := ctrl.Get(r.Context(), batchID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if b.Status != pipeline.BatchStatusPending {
		writeDomainError(w, &pipeline.InvalidTransitionError{
			Entity: "batch", ID: batchID, Status: string(b.Status), Op: "attach to",
		})
		return
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		e.attachMultipart(w, r, ing, batchID)
		return
	}
	e.attachJSON(w, r, ing, batchID)
}

func (e *AttachDocumentsEndpoint) attachMultipart(w http.ResponseWriter, r *http.Request, ing *ingest.Ingestor, batchID string) {
	// Parse multipart form with 500MB max memory
	const maxMemory = 500 << 20 // 500MB
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no files uploaded")
		return
	}

	var docs []*pipeline.Document
	for _, fh := range files {
		src, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to open uploaded file: %v", err))
			return
		}
		payload, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read %s: %v", fh.Filename, err))
			return
		}

		doc, err := ing.Attach(r.Context(), ingest.Request{
			BatchID:  batchID,
			FileName: fh.Filename,
			Payload:  payload,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		docs = append(docs, doc)
	}

	writeJSON(w, http.StatusOK, AttachDocumentsResponse{
		BatchID:   batchID,
		Attached:  len(docs),
		Documents: docs,
	})
}

func (e *AttachDocumentsEndpoint) attachJSON(w http.ResponseWriter, r *http.Request, ing *ingest.Ingestor, batchID string) {
	var req AttachDocumentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "documents is required")
		return
	}

	var docs []*pipeline.Document
	for _, d := range req.Documents {
		doc, err := ing.Attach(r.Context(), ingest.Request{
			BatchID:  batchID,
			FileName: d.FileName,
			Payload:  d.Content,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		docs = append(docs, doc)
	}

	writeJSON(w, http.StatusOK, AttachDocumentsResponse{
		BatchID:   batchID,
		Attached:  len(docs),
		Documents: docs,
	})
}

func (e *AttachDocumentsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "attach <batch-id> <files...>",
		Short: "Attach document files to a pending batch",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			batchID := args[0]

			var buf bytes.Buffer
			mw := multipart.NewWriter(&buf)
			for _, arg := range args[1:] {
				f, err := os.Open(arg)
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", arg, err)
				}
				part, err := mw.CreateFormFile("files", filepath.Base(arg))
				if err != nil {
					f.Close()
					return fmt.Errorf("failed to build form: %w", err)
				}
				if _, err := io.Copy(part, f); err != nil {
					f.Close()
					return fmt.Errorf("failed to read %s: %w", arg, err)
				}
				f.Close()
			}
			if err := mw.Close(); err != nil {
				return fmt.Errorf("failed to finish form: %w", err)
			}

			url := getServerURL() + "/api/batches/" + batchID + "/documents"
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("Content-Type", mw.FormDataContentType())

			httpClient := &http.Client{Timeout: 10 * time.Minute}
			resp, err := httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 400 {
				var errResp api.ErrorResponse
				if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
					return fmt.Errorf("server error (%d): %s", resp.StatusCode, errResp.Error)
				}
				return fmt.Errorf("server error (%d)", resp.StatusCode)
			}

			var out AttachDocumentsResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}

			fmt.Printf("Attached %d documents to batch %s\n", out.Attached, batchID)
			for _, doc := range out.Documents {
				fmt.Printf("  %s  %s  %s\n", doc.ID[:8], doc.FileName, doc.Status)
			}
			return nil
		},
	}
}
