package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// keepAliveInterval is how often a comment line is written to detect
// dead connections behind proxies that buffer idle streams.
const keepAliveInterval = 25 * time.Second

// StreamSheet serves a server-sent-events stream of updates for one
// sheet. The loop runs until the client disconnects or the hub closes
// the subscription.
func StreamSheet(w http.ResponseWriter, r *http.Request, hub *Hub, sheetID string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported by response writer")
	}

	sub, err := hub.SubscribeSheet(r.Context(), sheetID)
	if err != nil {
		return err
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: sheet_update\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
