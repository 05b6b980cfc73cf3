package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// MappingConfig configures the forwarder identification client. Zero
// values take the package defaults.
type MappingConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Attempts   uint
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// MappingClient talks to the forwarder identification service.
type MappingClient struct {
	baseURL string
	caller
}

// NewMappingClient creates a client for the mapping service.
func NewMappingClient(cfg MappingConfig) *MappingClient {
	return &MappingClient{
		baseURL: cfg.BaseURL,
		caller:  newCaller(cfg.Timeout, cfg.Attempts, cfg.RetryDelay, cfg.Logger),
	}
}

type identifyRequest struct {
	Text       string `json:"text"`
	DocumentID string `json:"documentId,omitempty"`
}

type identifyResponse struct {
	Success       bool    `json:"success"`
	ForwarderID   string  `json:"forwarderId"`
	ForwarderCode string  `json:"forwarderCode"`
	ForwarderName string  `json:"forwarderName"`
	Confidence    float64 `json:"confidence"`
	MatchMethod   string  `json:"matchMethod"`
	IsIdentified  bool    `json:"isIdentified"`
	NeedsReview   bool    `json:"needsReview"`
	Status        string  `json:"status"`
}

// Identify asks the mapping service which forwarder issued the document.
// A low-confidence reply is still a successful call; the caller routes it
// with RouteConfidence.
func (c *MappingClient) Identify(ctx context.Context, documentID, text string) (*MappingResult, error) {
	body, err := json.Marshal(identifyRequest{Text: text, DocumentID: documentID})
	if err != nil {
		return nil, err
	}

	var resp identifyResponse
	if err := c.postJSON(ctx, c.baseURL+"/identify", "application/json", body, &resp); err != nil {
		return nil, fmt.Errorf("mapping service: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("mapping failed for document %s", documentID)
	}

	c.logger.Debug("forwarder identified",
		"document_id", documentID,
		"forwarder", resp.ForwarderCode,
		"confidence", resp.Confidence,
		"status", resp.Status)
	return &MappingResult{
		ForwarderID:   resp.ForwarderID,
		ForwarderCode: resp.ForwarderCode,
		ForwarderName: resp.ForwarderName,
		Confidence:    resp.Confidence,
		Method:        resp.MatchMethod,
		NeedsReview:   resp.NeedsReview,
	}, nil
}
