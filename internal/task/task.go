package task

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// DefaultMaxRetry is the number of retries a task gets after its first failure.
const DefaultMaxRetry = 3

type Task struct {
	ID        string          `json:"id"`
	Name      Name            `json:"name"`
	Queue     string          `json:"queue"`
	Subject   string          `json:"subject"`
	Payload   json.RawMessage `json:"payload"`
	Status    Status          `json:"status"`
	Retries   int             `json:"retries"`
	MaxRetry  int             `json:"max_retry"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RetriesLeft reports how many more failures the task can absorb before it is
// dead-lettered.
func (t *Task) RetriesLeft() int {
	if left := t.MaxRetry - t.Retries; left > 0 {
		return left
	}
	return 0
}
