package endpoints

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/freightworks/docket/internal/api"
	"github.com/freightworks/docket/internal/broadcast"
	"github.com/freightworks/docket/internal/progress"
	"github.com/freightworks/docket/internal/svcctx"
)

// WatchBatchEndpoint handles GET /api/batches/{id}/status/stream, the
// server-push progress channel. Events are framed as server-sent events:
// connected, progress, heartbeat, then one of completed, error, timeout.
type WatchBatchEndpoint struct{}

var _ api.Endpoint = (*WatchBatchEndpoint)(nil)

func (e *WatchBatchEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/batches/{id}/status/stream", e.handler
}

func (e *WatchBatchEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Stream batch status
//	@Description	Subscribe to live progress events for a batch over server-sent events
//	@Tags			batches
//	@Produce		text/event-stream
//	@Param			id	path	string	true	"Batch ID"
//	@Success		200	{string}	string	"SSE event stream"
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/batches/{id}/status/stream [get]
func (e *WatchBatchEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "batch id is required")
		return
	}

	hub := svcctx.HubFrom(r.Context())
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "broadcast hub not initialized")
		return
	}
	ctrl := svcctx.ControllerFrom(r.Context())
	if ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "batch controller not initialized")
		return
	}

	// Reject unknown batches before committing to the stream; a batch
	// deleted mid-stream is reported with an error event instead.
	if _, err := ctrl.Get(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: w, flusher: flusher}
	if err := hub.Serve(r.Context(), id, sink); err != nil {
		if logger := svcctx.LoggerFrom(r.Context()); logger != nil {
			logger.Warn("status stream ended with error", "batch_id", id, "error", err)
		}
	}
}

// sseSink frames broadcast events as server-sent events. The hub
// serializes Send calls, so no locking is needed here.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (e *WatchBatchEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow live progress for a batch",
		Long: `Subscribe to the batch status stream and print progress events as
they arrive. The command returns when the batch finishes or the server
closes the session; re-run it to keep watching a long batch past the
session deadline.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			url := getServerURL() + "/api/batches/" + args[0] + "/status/stream"

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("Accept", "text/event-stream")

			// No client timeout: the stream stays open until the server
			// closes the session or the context is cancelled.
			resp, err := (&http.Client{}).Do(req)
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

			return watchStream(resp.Body, args[0])
		},
	}
}

// watchStream reads SSE frames and prints them until a final event
// arrives or the stream closes.
func watchStream(body io.Reader, batchID string) error {
	scanner := bufio.NewScanner(body)
	var event string

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			done, err := printStreamEvent(event, []byte(data), batchID)
			if done || err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream closed: %w", err)
	}
	return nil
}

// printStreamEvent renders one event; done reports that the stream is
// finished and the command should return.
func printStreamEvent(event string, data []byte, batchID string) (done bool, err error) {
	switch event {
	case broadcast.EventConnected:
		fmt.Printf("Watching batch %s (Ctrl-C to stop)\n", batchID)
	case broadcast.EventProgress:
		var snap progress.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return false, nil
		}
		eta := time.Duration(snap.EstimatedRemainingMs) * time.Millisecond
		fmt.Printf("%3d%%  stage=%-12s status=%-10s eta=%s\n",
			snap.ProgressPercent, snap.CurrentStage, snap.Status, eta.Round(time.Second))
	case broadcast.EventCompleted:
		var ev broadcast.CompletedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return true, nil
		}
		fmt.Printf("Batch finished: %s\n", ev.FinalStatus)
		return true, nil
	case broadcast.EventError:
		var ev broadcast.ErrorEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return true, fmt.Errorf("stream error")
		}
		return true, fmt.Errorf("stream error: %s", ev.Message)
	case broadcast.EventTimeout:
		var ev broadcast.TimeoutEvent
		if err := json.Unmarshal(data, &ev); err == nil {
			fmt.Println(ev.Message)
		}
		return true, nil
	}
	return false, nil
}
