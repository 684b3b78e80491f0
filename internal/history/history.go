package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loykin/sidekick/internal/supervisor"
)

// Event is one supervisor event exported to external systems.
type Event struct {
	Worker     string          `json:"worker" db:"worker"`
	RunID      string          `json:"run_id" db:"run_id"`
	Type       string          `json:"type" db:"type"`
	OccurredAt time.Time       `json:"occurred_at" db:"occurred_at"`
	PID        *int            `json:"pid,omitempty" db:"pid"`
	ExitCode   *int            `json:"exit_code,omitempty" db:"exit_code"`
	Detail     json.RawMessage `json:"detail" db:"detail"`
}

// FromSupervisor flattens e for storage. runID identifies the spawn the event
// belongs to; Detail carries the full tagged event.
func FromSupervisor(worker, runID string, e supervisor.Event) (Event, error) {
	detail, err := supervisor.MarshalEvent(e)
	if err != nil {
		return Event{}, err
	}
	out := Event{
		Worker:     worker,
		RunID:      runID,
		Type:       string(e.Kind()),
		OccurredAt: e.Time().UTC(),
		Detail:     detail,
	}
	switch v := e.(type) {
	case supervisor.Started:
		pid := v.PID
		out.PID = &pid
	case supervisor.Stopped:
		c := v.ExitCode
		out.ExitCode = &c
	}
	return out, nil
}

// Decode returns the supervisor event stored in Detail.
func (e Event) Decode() (supervisor.Event, error) {
	return supervisor.UnmarshalEvent(e.Detail)
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can read their events back.
type Reader interface {
	// Recent returns up to limit events for worker, oldest first.
	Recent(ctx context.Context, worker string, limit int) ([]Event, error)
}
