package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cwbudde/welltestfit/internal/fit"
)

// ProgressEvent is one update pushed to stream subscribers. Iteration events carry the
// model curve so clients can redraw without polling.
type ProgressEvent struct {
	FitID     string          `json:"fitId"`
	State     JobState        `json:"state"`
	Iteration int             `json:"iteration"`
	MSE       float64         `json:"mse"`
	Lambda    float64         `json:"lambda"`
	Progress  int             `json:"progress"`
	Params    fit.Mapping     `json:"params,omitempty"`
	Curve     *fit.Curve      `json:"curve,omitempty"`
	Final     bool            `json:"final"`
	Reason    fit.Termination `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventBroadcaster manages SSE connections per fit
type EventBroadcaster struct {
	mu        sync.Mutex
	clients   map[string]map[chan ProgressEvent]bool // fitID -> set of client channels
	lastEvent map[string]ProgressEvent               // fitID -> last event for new clients
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients:   make(map[string]map[chan ProgressEvent]bool),
		lastEvent: make(map[string]ProgressEvent),
	}
}

// Subscribe adds a client to receive events for a fit
func (eb *EventBroadcaster) Subscribe(fitID string) chan ProgressEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan ProgressEvent, 16)

	if eb.clients[fitID] == nil {
		eb.clients[fitID] = make(map[chan ProgressEvent]bool)
	}
	eb.clients[fitID][ch] = true

	// replay for reconnecting clients
	if lastEvent, ok := eb.lastEvent[fitID]; ok {
		ch <- lastEvent
	}

	slog.Debug("SSE client subscribed", "fitID", fitID, "total_clients", len(eb.clients[fitID]))
	return ch
}

// Unsubscribe removes a client. Channels already closed by CleanupFit are ignored.
func (eb *EventBroadcaster) Unsubscribe(fitID string, ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if clients, ok := eb.clients[fitID]; ok && clients[ch] {
		delete(clients, ch)
		close(ch)

		if len(clients) == 0 {
			delete(eb.clients, fitID)
		}
	}

	slog.Debug("SSE client unsubscribed", "fitID", fitID)
}

// Broadcast sends an event to all subscribers of its fit. Slow clients miss intermediate
// events; final events are always delivered.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.lastEvent[event.FitID] = event

	clients := eb.clients[event.FitID]
	for ch := range clients {
		if event.Final {
			// make room for the final event
			select {
			case ch <- event:
			default:
				select {
				case <-ch:
				default:
				}
				ch <- event
			}
			continue
		}
		select {
		case ch <- event:
		default:
			slog.Warn("SSE channel full, skipping event", "fitID", event.FitID, "iteration", event.Iteration)
		}
	}
}

// CleanupFit closes all subscriber channels and drops the cached event
func (eb *EventBroadcaster) CleanupFit(fitID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if clients, ok := eb.clients[fitID]; ok {
		for ch := range clients {
			close(ch)
		}
		delete(eb.clients, fitID)
	}

	delete(eb.lastEvent, fitID)
	slog.Debug("Cleaned up SSE resources", "fitID", fitID)
}

// handleFitStream handles GET /api/v1/fits/{id}/stream
func (s *Server) handleFitStream(w http.ResponseWriter, r *http.Request) {
	fitID := r.PathValue("id")
	job, exists := s.fits.GetJob(fitID)
	if !exists {
		http.Error(w, "Fit not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := s.fits.broadcaster.Subscribe(fitID)
	defer s.fits.broadcaster.Unsubscribe(fitID, events)

	if err := writeSSEEvent(w, eventFromJob(job)); err != nil {
		slog.Error("Failed to write initial SSE event", "error", err)
		return
	}
	flusher.Flush()
	if job.State.Terminal() {
		return
	}

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("SSE client disconnected", "fitID", fitID)
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				slog.Error("Failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()
			if event.Final {
				return
			}

		case <-pingTicker.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func eventFromJob(job Job) ProgressEvent {
	return ProgressEvent{
		FitID:     job.ID,
		State:     job.State,
		Iteration: job.Iteration,
		MSE:       job.MSE,
		Lambda:    job.Lambda,
		Progress:  job.Progress,
		Params:    job.Params,
		Final:     job.State.Terminal(),
		Reason:    job.Reason,
		Timestamp: time.Now(),
	}
}

// writeSSEEvent writes an event in SSE format
func writeSSEEvent(w http.ResponseWriter, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
