package watchbus

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

// topicWatch subscribes to the topic named by the "topic" query parameter.
// It writes the HTTP error itself and returns ok=false when it cannot.
func topicWatch(w http.ResponseWriter, r *http.Request, bus WatchBus) (topic string, ch chan []byte, stop func(), ok bool) {
	topic = r.URL.Query().Get("topic")
	if topic == "" {
		http.Error(w, "missing topic", http.StatusBadRequest)
		return "", nil, nil, false
	}
	ctx, cancel := context.WithCancel(r.Context())
	ch, err := bus.Watch(ctx, topic)
	if err != nil {
		cancel()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return "", nil, nil, false
	}
	stop = func() {
		cancel()
		_ = bus.Unwatch(context.Background(), topic, ch)
	}
	return topic, ch, stop, true
}

// SSEHandler streams status events over Server-Sent Events.
func SSEHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		topic, ch, stop, ok := topicWatch(w, r, bus)
		if !ok {
			return
		}
		defer stop()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", topic, msg); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams status events over WebSocket, one text message
// per event.
func WebSocketHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, ch, stop, ok := topicWatch(w, r, bus)
		if !ok {
			return
		}
		defer stop()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Drain client frames so close messages are processed.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-closed:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}

// Mux serves the SSE stream at prefix and the WebSocket stream at prefix+"/ws".
func Mux(prefix string, bus WatchBus) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(prefix, SSEHandler(bus))
	mux.Handle(prefix+"/ws", WebSocketHandler(bus))
	return mux
}
