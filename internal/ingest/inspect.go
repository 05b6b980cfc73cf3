package ingest

import (
	"bytes"
	"fmt"
	"mime"
	"net/http"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// Inspection is what content sniffing learned about an uploaded payload.
type Inspection struct {
	MimeType  string
	PageCount int
}

// Classified reports whether sniffing produced a usable media type. An
// unclassified payload leaves the detection stage open for a later pass.
func (i Inspection) Classified() bool {
	return i.MimeType != "" && i.MimeType != "application/octet-stream"
}

// DetectionResult is the stage result recorded when detection completes.
type DetectionResult struct {
	MimeType  string `json:"mime_type"`
	PageCount int    `json:"page_count,omitempty"`
}

// Inspect sniffs the payload's media type and, for PDFs, counts pages. A
// malformed PDF still classifies; the page count is advisory metadata and
// stays zero when it cannot be read.
func Inspect(payload []byte) Inspection {
	insp := Inspection{MimeType: sniffMimeType(payload)}
	if insp.MimeType == "application/pdf" {
		if count, err := api.PageCount(bytes.NewReader(payload), nil); err == nil {
			insp.PageCount = count
		}
	}
	return insp
}

// InspectFile runs Inspect over a spooled payload. The processing run uses
// it to retry detection for documents that attached unclassified.
func InspectFile(path string) (Inspection, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return Inspection{}, fmt.Errorf("failed to read spooled payload: %w", err)
	}
	return Inspect(payload), nil
}

// sniffMimeType detects the media type from the payload's leading bytes,
// stripped of parameters like charset.
func sniffMimeType(payload []byte) string {
	ct := http.DetectContentType(payload)
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	return ct
}
