package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/rendis/mcpflow/internal/store"
	"github.com/rendis/mcpflow/internal/streaming"
	"github.com/rendis/mcpflow/internal/xjson"
	"github.com/rendis/mcpflow/pkg/schema"
)

// handleExecutionStream replays an execution's events after Last-Event-ID,
// then tails live progress until the execution reaches a terminal status.
func (s *Server) handleExecutionStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	exec, err := s.ownedExecution(r, r.PathValue("id"))
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	since := lastEventID(r)

	// Subscribe before replaying so nothing published in between is lost.
	var live <-chan streaming.StreamEvent
	if s.deps.Hub != nil && !exec.Status.Terminal() {
		ch, cancel, err := s.deps.Hub.Subscribe(ctx, streaming.EventFilter{ExecutionID: exec.ID})
		if err != nil {
			s.deps.Logger.ErrorContext(ctx, "SSE subscribe failed", "error", err)
			http.Error(w, "subscribe failed", http.StatusInternalServerError)
			return
		}
		defer cancel()
		live = ch
	}

	backlog, err := s.deps.Store.GetEvents(ctx, exec.ID, since)
	if err != nil {
		s.writeFlowError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, ev := range backlog {
		writeSSE(w, ev)
		since = ev.Sequence
		if terminalEvent(ev.Type) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	if live == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case se, ok := <-live:
			if !ok {
				return
			}
			if se.Sequence != 0 && se.Sequence <= since {
				continue
			}
			ev := fromStream(se)
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Sequence > since {
				since = ev.Sequence
			}
			if terminalEvent(ev.Type) {
				return
			}
		}
	}
}

func lastEventID(r *http.Request) int64 {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("lastEventId")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func terminalEvent(eventType string) bool {
	switch eventType {
	case schema.EventExecutionCompleted, schema.EventExecutionFailed, schema.EventExecutionCancelled:
		return true
	}
	return false
}

func fromStream(se streaming.StreamEvent) *store.Event {
	ev := &store.Event{
		ExecutionID: se.ExecutionID,
		NodeID:      se.NodeID,
		Type:        se.EventType,
		Timestamp:   se.Timestamp,
		Sequence:    se.Sequence,
	}
	if len(se.Payload) > 0 {
		ev.Payload, _ = xjson.Marshal(se.Payload)
	}
	return ev
}

func writeSSE(w http.ResponseWriter, ev *store.Event) {
	data, err := xjson.Marshal(ev)
	if err != nil {
		return
	}
	if ev.Sequence > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Sequence)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}
