package executors

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/freightworks/docket/internal/pipeline"
)

func TestValidateResultAcceptsClientPayloads(t *testing.T) {
	cases := []struct {
		stage   pipeline.Stage
		payload any
	}{
		{pipeline.StageExtraction, ExtractionResult{ExtractedText: "text", PageCount: 3, Confidence: 0.9, ProcessingTimeMs: 800}},
		{pipeline.StageMapping, MappingResult{ForwarderID: "fwd-1", ForwarderCode: "DHL", Confidence: 0.85, Method: "keyword"}},
		{pipeline.StageMapping, MappingResult{Confidence: 0.2}},
		{pipeline.StageReview, ReviewResult{Decision: DecisionAutoAccepted, ForwarderID: "fwd-1", Confidence: 0.85}},
		{pipeline.StageReview, ReviewResult{Decision: DecisionRejected, Reviewer: "ops@antwerp"}},
	}
	for _, tc := range cases {
		raw, err := json.Marshal(tc.payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := ValidateResult(tc.stage, raw); err != nil {
			t.Errorf("ValidateResult(%s, %s) error = %v", tc.stage, raw, err)
		}
	}
}

func TestValidateResultRejectsMalformedPayloads(t *testing.T) {
	cases := []struct {
		name    string
		stage   pipeline.Stage
		payload string
	}{
		{"extraction missing text", pipeline.StageExtraction, `{"confidence": 0.9}`},
		{"extraction confidence out of range", pipeline.StageExtraction, `{"extracted_text": "x", "confidence": 1.5}`},
		{"extraction wrong type", pipeline.StageExtraction, `{"extracted_text": "x", "confidence": "high"}`},
		{"mapping missing confidence", pipeline.StageMapping, `{"forwarder_id": "fwd-1"}`},
		{"mapping unknown field", pipeline.StageMapping, `{"confidence": 0.5, "carrier": "DHL"}`},
		{"review unknown decision", pipeline.StageReview, `{"decision": "maybe"}`},
		{"not json at all", pipeline.StageReview, `decision=accepted`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateResult(tc.stage, json.RawMessage(tc.payload))
			var verr *pipeline.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("ValidateResult() error = %v, want ValidationError", err)
			}
		})
	}
}

func TestValidateResultUnregisteredStage(t *testing.T) {
	// Upload has no fixed result shape; anything goes.
	if err := ValidateResult(pipeline.StageUpload, json.RawMessage(`{"spooled": true}`)); err != nil {
		t.Errorf("ValidateResult(upload) error = %v", err)
	}
}

func TestValidateResultEmptyPayload(t *testing.T) {
	if err := ValidateResult(pipeline.StageExtraction, nil); err != nil {
		t.Errorf("ValidateResult(nil) error = %v", err)
	}
}
