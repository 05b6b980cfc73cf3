// Package executors holds the clients for the external stage services:
// OCR extraction and forwarder mapping. The services own the business
// logic of their stages; this package owns reaching them, retrying
// transient failures, and turning their replies into the result payloads
// recorded on stage records.
package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
)

// Default client settings.
const (
	DefaultTimeout    = 2 * time.Minute
	DefaultAttempts   = 3
	DefaultRetryDelay = 500 * time.Millisecond
)

// Confidence thresholds for mapping results, from the identification
// service's routing rules.
const (
	DefaultAutoReviewThreshold = 0.80
	DefaultMinConfidence       = 0.50
)

// Routing is what a mapping confidence means for the rest of the
// pipeline.
type Routing int

const (
	// RouteAutoReview resolves the review stage without a human.
	RouteAutoReview Routing = iota
	// RouteNeedsReview leaves the review stage open for a human decision.
	RouteNeedsReview
	// RouteUnidentified fails the mapping stage.
	RouteUnidentified
)

// RouteConfidence applies the routing thresholds to a mapping confidence.
func RouteConfidence(confidence, autoThreshold, minConfidence float64) Routing {
	switch {
	case confidence >= autoThreshold:
		return RouteAutoReview
	case confidence >= minConfidence:
		return RouteNeedsReview
	default:
		return RouteUnidentified
	}
}

// Extractor runs OCR extraction for one document. Implemented by
// ExtractionClient.
type Extractor interface {
	ExtractFile(ctx context.Context, documentID, fileName string, payload []byte) (*ExtractionResult, error)
}

// Mapper identifies the freight forwarder from extracted text.
// Implemented by MappingClient.
type Mapper interface {
	Identify(ctx context.Context, documentID, text string) (*MappingResult, error)
}

// ExtractionResult is the payload recorded on a completed extraction
// stage.
type ExtractionResult struct {
	ExtractedText    string  `json:"extracted_text"`
	PageCount        int     `json:"page_count"`
	Confidence       float64 `json:"confidence"`
	ProcessingTimeMs int64   `json:"processing_time_ms"`
}

// MappingResult is the payload recorded on a completed mapping stage.
type MappingResult struct {
	ForwarderID   string  `json:"forwarder_id,omitempty"`
	ForwarderCode string  `json:"forwarder_code,omitempty"`
	ForwarderName string  `json:"forwarder_name,omitempty"`
	Confidence    float64 `json:"confidence"`
	Method        string  `json:"method,omitempty"`
	NeedsReview   bool    `json:"needs_review,omitempty"`
}

// ReviewResult is the payload recorded on the review stage, whether the
// confidence routing resolved it automatically or a human decided.
type ReviewResult struct {
	Decision    string  `json:"decision"`
	ForwarderID string  `json:"forwarder_id,omitempty"`
	Reviewer    string  `json:"reviewer,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// Review decisions.
const (
	DecisionAutoAccepted = "auto_accepted"
	DecisionAccepted     = "accepted"
	DecisionRejected     = "rejected"
)

// caller bundles the HTTP plumbing shared by the executor clients.
type caller struct {
	client   *http.Client
	attempts uint
	delay    time.Duration
	logger   *slog.Logger
}

func newCaller(timeout time.Duration, attempts uint, delay time.Duration, logger *slog.Logger) caller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if attempts == 0 {
		attempts = DefaultAttempts
	}
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return caller{
		client:   &http.Client{Timeout: timeout},
		attempts: attempts,
		delay:    delay,
		logger:   logger,
	}
}

// postJSON sends one request and decodes the reply, retrying transport
// failures and 5xx replies. 4xx replies are the caller's bug or bad input
// and are not retried.
func (c caller) postJSON(ctx context.Context, url, contentType string, body []byte, out any) error {
	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", contentType)

			resp, err := c.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode >= http.StatusInternalServerError {
				return fmt.Errorf("%s replied %d", url, resp.StatusCode)
			}
			if resp.StatusCode != http.StatusOK {
				detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				return retry.Unrecoverable(fmt.Errorf("%s replied %d: %s", url, resp.StatusCode, detail))
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode %s reply: %w", url, err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("executor call retrying", "url", url, "attempt", n+1, "error", err)
		}),
	)
}
