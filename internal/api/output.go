package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nateabele/jsengine/internal/model"
)

func (s *Server) handleStreamOutput(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)

	// A finished run replays its persisted output.
	if model.IsTerminal(run.Status) {
		lines, err := s.store.GetOutputLines(r.Context(), run.ID)
		if err != nil {
			s.logger.Error("get output lines for stream", "run_id", run.ID, "error", err)
		}
		w.WriteHeader(http.StatusOK)
		for _, line := range lines {
			if err := writeSSELine(w, line); err != nil {
				return
			}
		}
		_ = writeSSEEvent(w, "done", run.Status)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// If the run finishes between the status check and this call, Subscribe
	// returns a closed channel and the loop below ends at once.
	ch, from, unsub := s.engine.Broker().Subscribe(run.ID)
	defer unsub()

	w.WriteHeader(http.StatusOK)

	// Lines published before the subscription are persisted already.
	if from > 0 {
		lines, err := s.store.GetOutputLines(r.Context(), run.ID)
		if err != nil {
			s.logger.Error("get output lines for stream", "run_id", run.ID, "error", err)
		}
		for _, line := range lines {
			if line.Seq >= from {
				break
			}
			if err := writeSSELine(w, line); err != nil {
				return
			}
		}
	}
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", s.finalStatus(r, run.ID))
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSELine(w, line); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) finalStatus(r *http.Request, id string) string {
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		return "unknown"
	}
	return run.Status
}

// outputHistoryResponse is the JSON response for GET /v1/runs/{id}/output/history.
type outputHistoryResponse struct {
	RunID string             `json:"run_id"`
	Lines []model.OutputLine `json:"lines"`
}

func (s *Server) handleGetOutputHistory(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	lines, err := s.store.GetOutputLines(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("get output lines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get output lines")
		return
	}

	s.writeJSON(w, http.StatusOK, outputHistoryResponse{
		RunID: run.ID,
		Lines: lines,
	})
}

// writeSSELine writes an output line as an event named after its stream.
// Multi-line text is split so that each segment gets its own "data:" prefix;
// the record's own trailing newline is dropped.
func writeSSELine(w http.ResponseWriter, line model.OutputLine) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", line.Stream); err != nil {
		return err
	}
	for seg := range strings.SplitSeq(strings.TrimSuffix(line.Text, "\n"), "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
