package dashboard

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/taskdav/internal/daemon"
	tasksync "github.com/mschirtzinger/taskdav/internal/sync"
)

// StatsData contains running totals since the handler was created
type StatsData struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
	Skips     int `json:"skips"`
	Errors    int `json:"errors"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Pushed    int `json:"pushed"`
	Deleted   int `json:"deleted"`
}

// Handler turns manager events into dashboard messages.
// It bridges between the sync manager and the WebSocket server.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	return &Handler{
		server: server,
		logger: logger,
	}
}

// Observer returns the handler as a manager observer.
func (h *Handler) Observer() daemon.Observer {
	return h.OnSyncEvent
}

// OnSyncEvent broadcasts a finished attempt followed by the updated totals.
func (h *Handler) OnSyncEvent(ev tasksync.Event) {
	h.mu.Lock()
	h.stats.Attempts++
	switch ev.Outcome.Status {
	case tasksync.StatusSuccess:
		h.stats.Successes++
		h.stats.Created += ev.Outcome.Created
		h.stats.Updated += ev.Outcome.Updated
		h.stats.Pushed += ev.Outcome.Pushed
		h.stats.Deleted += ev.Outcome.Deleted
	case tasksync.StatusSkipped:
		h.stats.Skips++
	default:
		h.stats.Errors++
	}
	stats := h.stats
	h.mu.Unlock()

	dataJSON, err := json.Marshal(ev)
	if err != nil {
		h.logger.Printf("Failed to marshal sync event: %v", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      MessageTypeSyncEvent,
		Timestamp: ev.At,
		Data:      dataJSON,
	})

	h.broadcastStats(stats)
}

// broadcastStats sends the totals to all clients
func (h *Handler) broadcastStats(stats StatsData) {
	dataJSON, err := json.Marshal(stats)
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeStats,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	})
}

// GetStats returns the current totals
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
