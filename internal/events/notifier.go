package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/podushkina/jobrelay/internal/bus"
	"github.com/podushkina/jobrelay/internal/task"
)

// Publisher is the part of the bus the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, tmpl bus.Template, subject, msgType string, payload any) (int64, error)
}

// Notifier records an event and then pushes it to live listeners. Recording
// comes first so a listener that reconnects can always replay what it missed.
type Notifier struct {
	store  Store
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	last time.Time
}

func NewNotifier(store Store, pub Publisher, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		store:  store,
		pub:    pub,
		logger: logger.With("component", "notifier"),
		now:    time.Now,
	}
}

// WithClock replaces the notifier's time source.
func (n *Notifier) WithClock(now func() time.Time) *Notifier {
	n.now = now
	return n
}

// stamp hands out strictly increasing timestamps within this process. The
// store settles ordering against records written by other processes.
func (n *Notifier) stamp() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()

	ts := Timestamp(n.now())
	if !ts.After(n.last) {
		ts = n.last.Add(time.Microsecond)
	}
	n.last = ts
	return ts
}

// Notify appends the event to the store and publishes it on the subject's
// status channel. A failed publish is logged; a failed append is returned.
func (n *Notifier) Notify(ctx context.Context, subject, eventType string, payload any) (Record, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Record{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		raw = data
	}

	r := Record{
		ID:         uuid.New().String(),
		Subject:    subject,
		Type:       eventType,
		Payload:    raw,
		OccurredAt: n.stamp(),
	}

	r, err := n.store.Append(ctx, r)
	if err != nil {
		return Record{}, fmt.Errorf("record %s event: %w", eventType, err)
	}

	if _, err := n.pub.Publish(ctx, bus.ChannelStatus, subject, eventType, r); err != nil {
		n.logger.Warn("publish failed", "subject", subject, "type", eventType, "error", err)
	}
	return r, nil
}

type failedPayload struct {
	TaskID   string    `json:"task_id"`
	TaskName task.Name `json:"task_name"`
	Retries  int       `json:"retries"`
	Reason   string    `json:"reason"`
}

// HandleTerminal tells the task's subject that it failed for good.
func (n *Notifier) HandleTerminal(ctx context.Context, t *task.Task, cause error) error {
	if t.Subject == "" {
		return nil
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	_, err := n.Notify(ctx, t.Subject, TypeTaskFailed, failedPayload{
		TaskID:   t.ID,
		TaskName: t.Name,
		Retries:  t.Retries,
		Reason:   reason,
	})
	return err
}
