package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// handleSSE streams one execution's events via Server-Sent Events.
// GET /v1/stream/sse?execution_id=<id>
func (a *API) handleSSE(w http.ResponseWriter, r *http.Request) {
	execID := r.URL.Query().Get("execution_id")
	if execID == "" {
		writeError(w, http.StatusBadRequest, "execution_id required")
		return
	}
	typeFilter := parseTypeFilter(r)
	lastSeq := parseLastSeq(r)

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := a.bus.Subscribe(execID, 256)
	defer a.bus.Unsubscribe(execID, ch)

	fmt.Fprintf(w, ": connected to execution %s\n\n", execID)
	flusher.Flush()

	// Replay the ring backlog so reconnecting clients miss nothing.
	for _, ev := range a.bus.ReplaySince(execID, lastSeq) {
		if skipEvent(typeFilter, ev.Type) {
			continue
		}
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, ev.Marshal())
	}
	flusher.Flush()

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			a.logger.Debug("SSE client disconnected", zap.String("execution_id", execID))
			return
		case ev := <-ch:
			if skipEvent(typeFilter, ev.Type) {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, ev.Marshal())
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// parseTypeFilter reads the optional comma-separated types= query param.
func parseTypeFilter(r *http.Request) map[string]struct{} {
	filter := map[string]struct{}{}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter[t] = struct{}{}
			}
		}
	}
	return filter
}

// parseLastSeq reads the Last-Event-ID header or last_event_id query
// param for backlog replay.
func parseLastSeq(r *http.Request) uint64 {
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			return n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func skipEvent(filter map[string]struct{}, eventType string) bool {
	if len(filter) == 0 {
		return false
	}
	_, ok := filter[eventType]
	return !ok
}
