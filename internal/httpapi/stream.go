package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const streamHeartbeat = 15 * time.Second

// Stream sends session snapshots as Server-Sent Events. Each "session"
// event carries the snapshot version as its id; snapshots older than one
// already sent are skipped. While signed in, a "status" event follows every
// countdown tick.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// The server's write timeout would otherwise cut long-lived streams.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.store.Watch(ctx)
	ticks := a.store.WatchStatus(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	var last uint64
	sent := false
	for {
		select {
		case st, ok := <-ch:
			if !ok {
				return
			}
			if sent && st.Version <= last {
				continue
			}
			payload, err := json.Marshal(sessionView{State: st, Status: a.store.Status()})
			if err != nil {
				continue
			}
			last, sent = st.Version, true
			_, _ = fmt.Fprintf(w, "id: %d\nevent: session\ndata: %s\n\n", st.Version, payload)
			flusher.Flush()
		case st, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			payload, err := json.Marshal(st)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: status\ndata: %s\n\n", payload)
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
