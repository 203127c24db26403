package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/Glacestorm/automation-engine/internal/metrics"
	"github.com/Glacestorm/automation-engine/pkg/types"
)

// StreamExecutionLog handles GET /api/v1/executions/{id}/events
//
// Server-Sent Events stream of the execution log. A Last-Event-ID
// header resumes after the given log sequence number; the stream ends
// after the terminal log entry is delivered.
func (h *Handlers) StreamExecutionLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	execID := mux.Vars(r)["id"]
	startTime := time.Now()

	requestID := GetRequestID(ctx, r)

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()

	h.logger.Info("SSE connection opened",
		slog.String("execution_id", execID),
		slog.String("request_id", requestID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	exec, err := h.store.GetExecution(ctx, execID)
	if err != nil {
		h.respondDomainError(w, r, "failed to get execution", err)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}
	flusher.Flush()

	// Resume after the sequence number the client last saw.
	var sinceSeq int64
	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		if seq, err := strconv.ParseInt(lastEventID, 10, 64); err == nil {
			sinceSeq = seq
		}
	}

	// Subscribe before replaying history so nothing falls in the gap.
	entryCh, cleanup, err := h.store.SubscribeExecutionLog(ctx, execID)
	if err != nil {
		h.logger.Error("failed to subscribe to execution log", "error", err, "execution_id", execID)
		return
	}
	defer cleanup()

	history, err := h.store.GetExecutionLog(ctx, execID, sinceSeq)
	if err != nil {
		h.logger.Error("failed to read execution log", "error", err, "execution_id", execID)
		return
	}
	lastSeq := sinceSeq
	for _, entry := range history {
		h.writeSSE(w, flusher, entry)
		lastSeq = entry.Seq
	}

	// Already terminal and fully replayed: close immediately.
	if exec.Status.Terminal() {
		h.logClose(execID, requestID, startTime, "execution_terminal")
		return
	}

	done := ctx.Done()

	// Heartbeat ticker to keep connection alive
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			h.logClose(execID, requestID, startTime, "client_disconnect")
			return

		case entry, ok := <-entryCh:
			if !ok {
				h.logClose(execID, requestID, startTime, "subscription_closed")
				return
			}
			// The subscription may race the history replay.
			if entry.Seq <= lastSeq {
				continue
			}
			h.writeSSE(w, flusher, entry)
			lastSeq = entry.Seq

			if isTerminalEntry(entry) {
				h.logClose(execID, requestID, startTime, "execution_terminal")
				return
			}

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// isTerminalEntry reports whether a log entry records the end of the
// execution as a whole.
func isTerminalEntry(entry *types.ExecutionLogEntry) bool {
	if entry.NodeID != "" {
		return false
	}
	switch entry.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// writeSSE writes an entry in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, entry *types.ExecutionLogEntry) {
	if entry == nil {
		return
	}
	if _, err := w.Write(entry.ToSSE()); err != nil {
		h.logger.Error("failed to write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("failed to write SSE comment", "error", err)
		return
	}
	flusher.Flush()
}

func (h *Handlers) logClose(execID, requestID string, startTime time.Time, reason string) {
	duration := time.Since(startTime)
	metrics.SSEConnectionDuration.Observe(duration.Seconds())
	h.logger.Info("SSE connection closed",
		slog.String("execution_id", execID),
		slog.String("request_id", requestID),
		slog.Duration("duration", duration),
		slog.String("reason", reason),
	)
}
