package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/podushkina/jobrelay/internal/task"
	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 7 * 24 * time.Hour

// Entry is an immutable snapshot of a task that failed for good.
type Entry struct {
	ID       string          `json:"id"`
	TaskID   string          `json:"task_id"`
	TaskName task.Name       `json:"task_name"`
	Queue    string          `json:"queue"`
	Subject  string          `json:"subject,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Reason   string          `json:"reason"`
	Retries  int             `json:"retries"`
	FailedAt time.Time       `json:"failed_at"`
}

// Sink appends dead-lettered tasks to a per-queue list that expires ttl after
// its most recent write.
type Sink struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func New(client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *Sink {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With("component", "deadletter"),
		now:    time.Now,
	}
}

func (s *Sink) listKey(queue string) string { return s.prefix + "dlq:" + queue }
func (s *Sink) indexKey() string            { return s.prefix + "dlq-queues" }

func (s *Sink) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.FailedAt.IsZero() {
		e.FailedAt = s.now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}

	write := func() error {
		pipe := s.client.TxPipeline()
		pipe.LPush(ctx, s.listKey(e.Queue), data)
		pipe.Expire(ctx, s.listKey(e.Queue), s.ttl)
		pipe.SAdd(ctx, s.indexKey(), e.Queue)
		_, err := pipe.Exec(ctx)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second

	notify := func(err error, wait time.Duration) {
		s.logger.Warn("dead-letter write failed, retrying", "task_id", e.TaskID, "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(write, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("record dead-letter entry: %w", err)
	}

	s.logger.Info("task dead-lettered", "task_id", e.TaskID, "task_name", e.TaskName, "queue", e.Queue, "reason", e.Reason)
	return nil
}

// HandleTerminal dead-letters a task whose retries are exhausted or whose
// failure is permanent.
func (s *Sink) HandleTerminal(ctx context.Context, t *task.Task, cause error) error {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	return s.Record(ctx, Entry{
		TaskID:   t.ID,
		TaskName: t.Name,
		Queue:    t.Queue,
		Subject:  t.Subject,
		Payload:  t.Payload,
		Reason:   reason,
		Retries:  t.Retries,
	})
}

// List returns up to limit entries of queue, most recent first, along with
// the total number held. A limit of zero or less returns all of them.
func (s *Sink) List(ctx context.Context, queue string, limit int) ([]Entry, int64, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	pipe := s.client.Pipeline()
	rng := pipe.LRange(ctx, s.listKey(queue), 0, stop)
	total := pipe.LLen(ctx, s.listKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, 0, fmt.Errorf("list dead letters: %w", err)
	}

	entries := make([]Entry, 0, len(rng.Val()))
	for _, raw := range rng.Val() {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.logger.Warn("skipping malformed dead-letter entry", "queue", queue, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, total.Val(), nil
}

// Queues lists queues that currently hold entries. Queues whose list expired
// are dropped from the index.
func (s *Sink) Queues(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead-letter queues: %w", err)
	}

	live := make([]string, 0, len(names))
	var gone []any
	for _, name := range names {
		n, err := s.client.Exists(ctx, s.listKey(name)).Result()
		if err != nil {
			return nil, fmt.Errorf("check dead-letter queue %s: %w", name, err)
		}
		if n == 0 {
			gone = append(gone, name)
			continue
		}
		live = append(live, name)
	}
	if len(gone) > 0 {
		s.client.SRem(ctx, s.indexKey(), gone...)
	}

	sort.Strings(live)
	return live, nil
}

// Purge drops every entry of queue and returns how many were removed.
func (s *Sink) Purge(ctx context.Context, queue string) (int64, error) {
	pipe := s.client.TxPipeline()
	n := pipe.LLen(ctx, s.listKey(queue))
	pipe.Del(ctx, s.listKey(queue))
	pipe.SRem(ctx, s.indexKey(), queue)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return n.Val(), nil
}
