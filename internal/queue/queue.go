package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/podushkina/jobrelay/internal/router"
	"github.com/podushkina/jobrelay/internal/task"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix = "jobrelay:"
	taskTTL       = 24 * time.Hour

	claimRetryDelay = 5 * time.Second
)

var (
	ErrNotFound  = errors.New("task not found")
	ErrClaimLost = errors.New("claim no longer held by worker")
)

type Queue struct {
	client   *redis.Client
	router   *router.Router
	prefix   string
	maxRetry int
	now      func() time.Time
}

type Option func(*Queue)

func WithPrefix(prefix string) Option {
	return func(q *Queue) { q.prefix = prefix }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithDefaultMaxRetry sets the retry ceiling of tasks enqueued without one.
func WithDefaultMaxRetry(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.maxRetry = n
		}
	}
}

// Dial connects to Redis and pings it, retrying with exponential backoff
// while the server comes up.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 15 * time.Second

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}
	if err := backoff.Retry(ping, backoff.WithContext(b, ctx)); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return client, nil
}

func New(client *redis.Client, r *router.Router, opts ...Option) *Queue {
	q := &Queue{
		client:   client,
		router:   r,
		prefix:   DefaultPrefix,
		maxRetry: task.DefaultMaxRetry,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) key(parts ...string) string {
	return q.prefix + strings.Join(parts, ":")
}

func (q *Queue) taskKey(id string) string           { return q.key("task", id) }
func (q *Queue) readyKey(queue string) string       { return q.key("queue", queue) }
func (q *Queue) delayedKey(queue string) string     { return q.key("delayed", queue) }
func (q *Queue) processingKey(worker string) string { return q.key("processing", worker) }
func (q *Queue) claimKey(id string) string          { return q.key("claim", id) }
func (q *Queue) claimsKey() string                  { return q.key("claims") }

type EnqueueOption func(*task.Task)

func WithMaxRetry(n int) EnqueueOption {
	return func(t *task.Task) {
		if n >= 0 {
			t.MaxRetry = n
		}
	}
}

// Enqueue validates p, routes it and appends it to the ready list of its queue.
func (q *Queue) Enqueue(ctx context.Context, p task.Payload, opts ...EnqueueOption) (*task.Task, error) {
	if err := task.Validate(p); err != nil {
		return nil, err
	}

	queueName, ok := q.router.Route(p.TaskName())
	if !ok {
		return nil, fmt.Errorf("enqueue %s: %w", p.TaskName(), router.ErrNoRoute)
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	now := q.now().UTC()
	t := &task.Task{
		ID:        uuid.New().String(),
		Name:      p.TaskName(),
		Queue:     queueName,
		Subject:   p.SubjectID(),
		Payload:   payload,
		Status:    task.StatusPending,
		MaxRetry:  q.maxRetry,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(t)
	}

	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.taskKey(t.ID), data, taskTTL)
	pipe.RPush(ctx, q.readyKey(queueName), t.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("push task: %w", err)
	}

	return t, nil
}

// Claimer identifies the worker slot taking a task.
type Claimer struct {
	Worker string
	Pool   string
}

// Claim atomically moves the next ready task of queueName into the worker's
// processing list and records a claim for it. It returns nil, nil when
// nothing arrived within timeout.
func (q *Queue) Claim(ctx context.Context, queueName string, c Claimer, timeout time.Duration) (*task.Task, error) {
	// BLMOVE takes whole seconds and zero blocks forever.
	if timeout < time.Second {
		timeout = time.Second
	}
	id, err := q.client.BLMove(ctx, q.readyKey(queueName), q.processingKey(c.Worker), "LEFT", "RIGHT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}

	t, err := q.Get(ctx, id)
	if err != nil {
		return nil, q.unclaim(ctx, c, queueName, id, err)
	}
	if t == nil {
		// The task body expired or was deleted while queued.
		q.client.LRem(ctx, q.processingKey(c.Worker), 0, id)
		return nil, nil
	}

	now := q.now().UTC()
	t.Status = task.StatusProcessing
	t.UpdatedAt = now

	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.claimKey(id), map[string]any{
		"worker":     c.Worker,
		"pool":       c.Pool,
		"queue":      queueName,
		"started_at": now.UnixMilli(),
	})
	pipe.SAdd(ctx, q.claimsKey(), id)
	pipe.Set(ctx, q.taskKey(id), data, taskTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, q.unclaim(ctx, c, queueName, id, fmt.Errorf("record claim: %w", err))
	}

	return t, nil
}

// unclaim hands a task that was moved into a processing list but could not
// be claimed back to its queue's delayed set, so it is neither stranded in
// the list nor spun on by the same slot.
func (q *Queue) unclaim(ctx context.Context, c Claimer, queueName, id string, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	dueAt := q.now().Add(claimRetryDelay).UnixMilli()
	err := unclaimScript.Run(ctx, q.client,
		[]string{q.processingKey(c.Worker), q.claimKey(id), q.claimsKey(), q.delayedKey(queueName)},
		id, dueAt,
	).Err()
	if err != nil {
		return fmt.Errorf("claim task %s: %w (unclaim failed: %v)", id, cause, err)
	}
	return fmt.Errorf("claim task %s: %w", id, cause)
}

// Ack marks a claimed task completed. It fails with ErrClaimLost when the
// claim was revoked while the handler ran.
func (q *Queue) Ack(ctx context.Context, t *task.Task, worker string, result json.RawMessage) error {
	t.Status = task.StatusCompleted
	t.Result = result
	t.Error = ""
	return q.finish(ctx, t, worker, "", 0)
}

// Retry releases the claim, bumps the retry counter and schedules the task
// on its queue's delayed set. An empty worker skips the ownership check; the
// reaper uses that after it has already revoked the claim.
func (q *Queue) Retry(ctx context.Context, t *task.Task, worker string, delay time.Duration, cause string) error {
	t.Retries++
	t.Status = task.StatusPending
	t.Error = cause
	return q.finish(ctx, t, worker, q.delayedKey(t.Queue), delay)
}

// Defer reschedules the task without consuming a retry.
func (q *Queue) Defer(ctx context.Context, t *task.Task, worker string, delay time.Duration) error {
	t.Status = task.StatusPending
	return q.finish(ctx, t, worker, q.delayedKey(t.Queue), delay)
}

// Bury marks the task permanently failed and releases its claim.
func (q *Queue) Bury(ctx context.Context, t *task.Task, worker string, cause string) error {
	t.Status = task.StatusFailed
	t.Error = cause
	return q.finish(ctx, t, worker, "", 0)
}

func (q *Queue) finish(ctx context.Context, t *task.Task, worker, delayedKey string, delay time.Duration) error {
	t.UpdatedAt = q.now().UTC()

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	schedule := "0"
	if delayedKey != "" {
		schedule = "1"
	} else {
		delayedKey = q.delayedKey(t.Queue)
	}
	dueAt := q.now().Add(delay).UnixMilli()

	n, err := finishScript.Run(ctx, q.client,
		[]string{q.claimKey(t.ID), q.claimsKey(), q.processingKey(worker), q.taskKey(t.ID), delayedKey},
		worker, t.ID, data, taskTTL.Milliseconds(), dueAt, schedule,
	).Int()
	if err != nil {
		return fmt.Errorf("settle task %s: %w", t.ID, err)
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

// PromoteDue moves every delayed task of queueName whose due time has passed
// onto the ready list and returns how many moved.
func (q *Queue) PromoteDue(ctx context.Context, queueName string, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey(queueName), q.readyKey(queueName)},
		q.now().UnixMilli(), limit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote due tasks: %w", err)
	}
	return n, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*task.Task, error) {
	data, err := q.client.Get(ctx, q.taskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}

	return &t, nil
}

func (q *Queue) List(ctx context.Context) ([]*task.Task, error) {
	var keys []string
	iter := q.client.Scan(ctx, 0, q.taskKey("*"), 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	if len(keys) == 0 {
		return []*task.Task{}, nil
	}

	pipe := q.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}

	tasks := make([]*task.Task, 0, len(keys))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}

		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			continue
		}
		tasks = append(tasks, &t)
	}

	return tasks, nil
}

// Delete drops a task body and removes it from its queue. A task that is
// currently claimed keeps running; its ack will find no body to update.
func (q *Queue) Delete(ctx context.Context, id string) error {
	t, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return ErrNotFound
	}

	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.taskKey(id))
	pipe.LRem(ctx, q.readyKey(t.Queue), 0, id)
	pipe.ZRem(ctx, q.delayedKey(t.Queue), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

type Depth struct {
	Queue   string `json:"queue"`
	Ready   int64  `json:"ready"`
	Delayed int64  `json:"delayed"`
}

// Depths reports ready and delayed counts for every routed queue.
func (q *Queue) Depths(ctx context.Context) ([]Depth, error) {
	queues := q.router.Queues()

	pipe := q.client.Pipeline()
	ready := make([]*redis.IntCmd, len(queues))
	delayed := make([]*redis.IntCmd, len(queues))
	for i, name := range queues {
		ready[i] = pipe.LLen(ctx, q.readyKey(name))
		delayed[i] = pipe.ZCard(ctx, q.delayedKey(name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}

	out := make([]Depth, len(queues))
	for i, name := range queues {
		out[i] = Depth{Queue: name, Ready: ready[i].Val(), Delayed: delayed[i].Val()}
	}
	return out, nil
}
