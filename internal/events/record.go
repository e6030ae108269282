package events

import (
	"context"
	"encoding/json"
	"time"
)

// Event types emitted by task bodies and the worker.
const (
	TypeStepStarted    = "agent.step_started"
	TypeStepCompleted  = "agent.step_completed"
	TypeMatchesScored  = "matches.scored"
	TypeBriefingReady  = "briefing.ready"
	TypeScrapeComplete = "scrape.completed"
	TypeTaskCompleted  = "task.completed"
	TypeTaskFailed     = "task.failed"
)

// Record is one durable event addressed to a subject.
type Record struct {
	ID         string          `json:"id"`
	Subject    string          `json:"subject"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Store keeps records for replay. Append stores a record under a timestamp
// later than every record already held for its subject and returns the
// record as stored. Since returns records of subject that occurred strictly
// after since, oldest first, at most limit of them.
type Store interface {
	Append(ctx context.Context, r Record) (Record, error)
	Since(ctx context.Context, subject string, since time.Time, limit int) ([]Record, error)
}

// Timestamp normalizes t to the precision every store keeps.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
