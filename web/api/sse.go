package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
)

const (
	broadcastBuffer = 256
	clientBuffer    = 64
)

// SSEEvent represents a server-sent event
type SSEEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// EventResponse is the data of a run event on the stream
type EventResponse struct {
	Target    string              `json:"target"`
	RunID     string              `json:"run_id"`
	Seq       int64               `json:"seq"`
	Task      string              `json:"task,omitempty"`
	Kind      domain.EventKind    `json:"kind"`
	Timestamp time.Time           `json:"timestamp"`
	Payload   domain.EventPayload `json:"payload"`
	Done      int                 `json:"done"`
	Total     int                 `json:"total"`
}

// SSEHub manages SSE connections
type SSEHub struct {
	clients    map[chan SSEEvent]bool
	broadcast  chan SSEEvent
	register   chan chan SSEEvent
	unregister chan chan SSEEvent
	done       chan struct{}
	mu         sync.RWMutex
}

// NewSSEHub creates a new SSE hub
func NewSSEHub() *SSEHub {
	return &SSEHub{
		clients:    make(map[chan SSEEvent]bool),
		broadcast:  make(chan SSEEvent, broadcastBuffer),
		register:   make(chan chan SSEEvent),
		unregister: make(chan chan SSEEvent),
		done:       make(chan struct{}),
	}
}

// Run dispatches events until ctx is done
func (h *SSEHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				close(client)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- event:
				default:
					// slow consumer
					close(client)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an event for all clients. It never blocks the caller;
// events are dropped while the buffer is full.
func (h *SSEHub) Broadcast(event SSEEvent) {
	select {
	case h.broadcast <- event:
	default:
	}
}

func (h *SSEHub) add(client chan SSEEvent) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *SSEHub) remove(client chan SSEEvent) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Clients returns the number of connected clients
func (h *SSEHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// onEvent forwards engine events; it runs on a run's control loop
func (s *Server) onEvent(target string, ev domain.Event, snap *domain.Snapshot) {
	done, total := snap.Progress()
	s.Broadcast(SSEEvent{
		Type: string(ev.Kind),
		Data: EventResponse{
			Target:    target,
			RunID:     ev.RunID,
			Seq:       ev.Seq,
			Task:      ev.Task,
			Kind:      ev.Kind,
			Timestamp: ev.Timestamp,
			Payload:   eventPayload(ev.Payload),
			Done:      done,
			Total:     total,
		},
	})
}

// eventPayload drops the initial state carried by run_started
func eventPayload(p domain.EventPayload) domain.EventPayload {
	p.Run = nil
	p.Tasks = nil
	return p
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		client := make(chan SSEEvent, clientBuffer)
		if !s.sseHub.add(client) {
			return
		}
		s.log.WithField("clients", s.sseHub.Clients()).Debug("Event stream client connected")

		for {
			select {
			case <-r.Context().Done():
				s.sseHub.remove(client)
				return
			case event, ok := <-client:
				if !ok {
					return
				}
				data, _ := json.Marshal(event)
				fmt.Fprintf(w, "event: %s\n", event.Type)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
