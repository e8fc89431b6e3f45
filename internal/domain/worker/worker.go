// Package worker defines the registered executor model: a process that
// claims queued tasks and reports liveness through heartbeats.
package worker

import (
	"time"

	"chimera/internal/domain/agent"
)

// Status represents the liveness state of a worker.
type Status string

const (
	StatusActive  Status = "active"
	StatusIdle    Status = "idle"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

// Valid reports whether s is one of the enumerated statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusIdle, StatusOffline, StatusError:
		return true
	default:
		return false
	}
}

// DefaultHeartbeatTimeout is the maximum heartbeat age before a worker is
// considered offline.
const DefaultHeartbeatTimeout = 60 * time.Second

// Worker is a registered executor process. The id is externally supplied;
// re-registration with the same id replaces the record.
type Worker struct {
	ID            string             `json:"id"`
	Role          string             `json:"role"`
	Status        Status             `json:"status"`
	LastHeartbeat time.Time          `json:"last_heartbeat"`
	Capabilities  []agent.Capability `json:"capabilities,omitempty"`
	CurrentTaskID string             `json:"current_task_id,omitempty"`
	RegisteredAt  time.Time          `json:"registered_at"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
}

// HeartbeatFresh reports whether the last heartbeat is younger than timeout.
func (w *Worker) HeartbeatFresh(now time.Time, timeout time.Duration) bool {
	return now.Sub(w.LastHeartbeat) <= timeout
}

// Available reports whether the worker can be dispatched a task: active or
// idle, holding nothing, with a fresh heartbeat.
func (w *Worker) Available(now time.Time, timeout time.Duration) bool {
	if w.Status != StatusActive && w.Status != StatusIdle {
		return false
	}
	if w.CurrentTaskID != "" {
		return false
	}
	return w.HeartbeatFresh(now, timeout)
}

// HasCapability reports whether the worker holds the given capability.
func (w *Worker) HasCapability(cap agent.Capability) bool {
	for _, c := range w.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the worker record.
func (w *Worker) Clone() *Worker {
	if w == nil {
		return nil
	}
	dup := *w
	dup.Capabilities = append([]agent.Capability(nil), w.Capabilities...)
	if w.Metadata != nil {
		dup.Metadata = make(map[string]any, len(w.Metadata))
		for k, v := range w.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}
