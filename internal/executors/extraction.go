package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"time"
)

// ExtractionConfig configures the OCR extraction client. Zero values
// take the package defaults.
type ExtractionConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Attempts   uint
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// ExtractionClient talks to the OCR extraction service.
type ExtractionClient struct {
	baseURL string
	caller
}

// NewExtractionClient creates a client for the extraction service.
func NewExtractionClient(cfg ExtractionConfig) *ExtractionClient {
	return &ExtractionClient{
		baseURL: cfg.BaseURL,
		caller:  newCaller(cfg.Timeout, cfg.Attempts, cfg.RetryDelay, cfg.Logger),
	}
}

// The extraction service speaks camelCase JSON.
type extractURLRequest struct {
	DocumentURL string `json:"documentUrl"`
	DocumentID  string `json:"documentId,omitempty"`
}

type extractResponse struct {
	Success        bool    `json:"success"`
	ErrorCode      string  `json:"errorCode"`
	ErrorMessage   string  `json:"errorMessage"`
	ExtractedText  string  `json:"extractedText"`
	ProcessingTime int64   `json:"processingTime"`
	PageCount      int     `json:"pageCount"`
	Confidence     float64 `json:"confidence"`
}

// ExtractURL extracts text from a document the service can fetch itself.
func (c *ExtractionClient) ExtractURL(ctx context.Context, documentID, documentURL string) (*ExtractionResult, error) {
	body, err := json.Marshal(extractURLRequest{DocumentURL: documentURL, DocumentID: documentID})
	if err != nil {
		return nil, err
	}

	var resp extractResponse
	if err := c.postJSON(ctx, c.baseURL+"/extract/url", "application/json", body, &resp); err != nil {
		return nil, fmt.Errorf("extraction service: %w", err)
	}
	return c.toResult(documentID, &resp)
}

// ExtractFile uploads the document payload for extraction.
func (c *ExtractionClient) ExtractFile(ctx context.Context, documentID, fileName string, payload []byte) (*ExtractionResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(payload); err != nil {
		return nil, err
	}
	if documentID != "" {
		if err := w.WriteField("documentId", documentID); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	var resp extractResponse
	if err := c.postJSON(ctx, c.baseURL+"/extract/file", w.FormDataContentType(), buf.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("extraction service: %w", err)
	}
	return c.toResult(documentID, &resp)
}

func (c *ExtractionClient) toResult(documentID string, resp *extractResponse) (*ExtractionResult, error) {
	if !resp.Success {
		return nil, fmt.Errorf("extraction failed: %s (%s)", resp.ErrorMessage, resp.ErrorCode)
	}
	c.logger.Debug("extraction succeeded",
		"document_id", documentID,
		"pages", resp.PageCount,
		"confidence", resp.Confidence,
		"processing_ms", resp.ProcessingTime)
	return &ExtractionResult{
		ExtractedText:    resp.ExtractedText,
		PageCount:        resp.PageCount,
		Confidence:       resp.Confidence,
		ProcessingTimeMs: resp.ProcessingTime,
	}, nil
}
