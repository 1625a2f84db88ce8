package app

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"oathboard/api/internal/feed"
	"oathboard/api/internal/store"
)

const keepAliveInterval = 25 * time.Second

type streamEvent struct {
	name string
	data any
}

// handleEvents streams a session to the browser as server-sent events. The
// first frame is the current snapshot; later frames are feed deliveries.
// When the feed drops, a "drop" frame is written and the stream ends so the
// client can re-read and subscribe again.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	if s.service.events == nil {
		writeError(w, http.StatusServiceUnavailable, "FEED_UNAVAILABLE", "Change feed is not configured", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}

	ctx := r.Context()
	snapshot, err := s.service.pairing.GetSession(ctx, sessionID)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	events := make(chan streamEvent, 32)
	push := func(ev streamEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	onDrop := func(err error) {
		push(streamEvent{name: "drop", data: map[string]any{"error": err.Error()}})
	}
	onChild := func(ev feed.ChildEvent) {
		push(streamEvent{name: "child", data: ev})
	}

	unsubscribe, err := s.service.events.Subscribe(ctx, sessionID, func(session store.PairSession) {
		push(streamEvent{name: "session", data: sessionPayload(session)})
	}, onDrop)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	defer unsubscribe()
	unsubscribeChildren, err := s.service.events.SubscribeToChildren(ctx, sessionID, onChild, onChild, onDrop)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	defer unsubscribeChildren()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, streamEvent{name: "session", data: sessionPayload(snapshot)}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			if err := writeEvent(w, ev); err != nil {
				log.Printf("events: write %s for %s: %v", ev.name, sessionID, err)
				return
			}
			flusher.Flush()
			if ev.name == "drop" {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev streamEvent) error {
	data, err := json.Marshal(ev.data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.name, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, data)
	return err
}
