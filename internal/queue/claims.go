package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/podushkina/jobrelay/internal/task"
	"github.com/redis/go-redis/v9"
)

// ClaimRecord is the bookkeeping kept for a task while a worker holds it.
type ClaimRecord struct {
	TaskID    string    `json:"task_id"`
	Worker    string    `json:"worker"`
	Pool      string    `json:"pool"`
	Queue     string    `json:"queue"`
	StartedAt time.Time `json:"started_at"`
}

func (c ClaimRecord) Age(now time.Time) time.Duration {
	return now.Sub(c.StartedAt)
}

func (q *Queue) workersKey() string              { return q.key("workers") }
func (q *Queue) heartbeatKey(w string) string    { return q.key("heartbeat", w) }
func (q *Queue) pausedKey(subject string) string { return q.key("paused", subject) }
func (q *Queue) lockKey(name string) string      { return q.key("lock", name) }

// Claims returns every live claim. Index entries whose claim hash is gone are
// pruned on the way.
func (q *Queue) Claims(ctx context.Context) ([]ClaimRecord, error) {
	ids, err := q.client.SMembers(ctx, q.claimsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.claimKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("fetch claims: %w", err)
	}

	claims := make([]ClaimRecord, 0, len(ids))
	var stale []any
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		ms, _ := strconv.ParseInt(fields["started_at"], 10, 64)
		claims = append(claims, ClaimRecord{
			TaskID:    ids[i],
			Worker:    fields["worker"],
			Pool:      fields["pool"],
			Queue:     fields["queue"],
			StartedAt: time.UnixMilli(ms).UTC(),
		})
	}
	if len(stale) > 0 {
		q.client.SRem(ctx, q.claimsKey(), stale...)
	}

	return claims, nil
}

// Revoke takes a claim away from its worker and returns the task so the
// caller can settle it. It returns nil when the worker already released it.
func (q *Queue) Revoke(ctx context.Context, c ClaimRecord) (*task.Task, error) {
	n, err := revokeScript.Run(ctx, q.client,
		[]string{q.claimKey(c.TaskID), q.claimsKey(), q.processingKey(c.Worker)},
		c.Worker, c.TaskID,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("revoke claim %s: %w", c.TaskID, err)
	}
	if n == 0 {
		return nil, nil
	}
	return q.Get(ctx, c.TaskID)
}

// Register adds a worker slot to the registry and starts its heartbeat.
func (q *Queue) Register(ctx context.Context, worker, queueName string, ttl time.Duration) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.workersKey(), worker, queueName)
	pipe.Set(ctx, q.heartbeatKey(worker), q.now().UnixMilli(), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register worker %s: %w", worker, err)
	}
	return nil
}

// Heartbeat refreshes the liveness keys of the given worker slots.
func (q *Queue) Heartbeat(ctx context.Context, ttl time.Duration, workers ...string) error {
	if len(workers) == 0 {
		return nil
	}
	pipe := q.client.Pipeline()
	for _, w := range workers {
		pipe.Set(ctx, q.heartbeatKey(w), q.now().UnixMilli(), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Unregister removes a stopped worker slot. A slot that still holds a task
// stays in the registry so orphan release can pick the task up.
func (q *Queue) Unregister(ctx context.Context, worker string) error {
	if err := q.client.Del(ctx, q.heartbeatKey(worker)).Err(); err != nil {
		return fmt.Errorf("unregister worker %s: %w", worker, err)
	}
	held, err := q.client.LLen(ctx, q.processingKey(worker)).Result()
	if err != nil {
		return fmt.Errorf("unregister worker %s: %w", worker, err)
	}
	if held > 0 {
		return nil
	}
	return q.client.HDel(ctx, q.workersKey(), worker).Err()
}

// Requeue hands every task still in worker's processing list back to the
// front of its queue without spending a retry. Tasks whose body cannot be
// read go back to fallbackQueue.
func (q *Queue) Requeue(ctx context.Context, worker, fallbackQueue string) (int, error) {
	ids, err := q.client.LRange(ctx, q.processingKey(worker), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("read processing list of %s: %w", worker, err)
	}

	requeued := 0
	for _, id := range ids {
		queueName, body := fallbackQueue, ""
		if t, err := q.Get(ctx, id); err == nil && t != nil {
			t.Status = task.StatusPending
			t.UpdatedAt = q.now().UTC()
			if data, err := json.Marshal(t); err == nil {
				queueName, body = t.Queue, string(data)
			}
		}

		n, err := requeueScript.Run(ctx, q.client,
			[]string{q.processingKey(worker), q.claimKey(id), q.claimsKey(), q.readyKey(queueName), q.taskKey(id)},
			id, body, taskTTL.Milliseconds(),
		).Int()
		if err != nil {
			return requeued, fmt.Errorf("requeue %s: %w", id, err)
		}
		requeued += n
	}
	return requeued, nil
}

// ActiveWorkers lists registered worker slots whose heartbeat is alive.
func (q *Queue) ActiveWorkers(ctx context.Context) ([]string, error) {
	alive, _, err := q.partitionWorkers(ctx)
	return alive, err
}

func (q *Queue) partitionWorkers(ctx context.Context) (alive, dead []string, err error) {
	workers, err := q.client.HKeys(ctx, q.workersKey()).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("list workers: %w", err)
	}
	if len(workers) == 0 {
		return nil, nil, nil
	}

	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(workers))
	for i, w := range workers {
		cmds[i] = pipe.Exists(ctx, q.heartbeatKey(w))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, fmt.Errorf("check heartbeats: %w", err)
	}

	for i, w := range workers {
		if cmds[i].Val() > 0 {
			alive = append(alive, w)
		} else {
			dead = append(dead, w)
		}
	}
	return alive, dead, nil
}

// ReleaseOrphans empties the processing lists of workers whose heartbeat
// expired and returns the tasks they held. The caller decides whether each
// one is retried or dead-lettered.
func (q *Queue) ReleaseOrphans(ctx context.Context) ([]*task.Task, error) {
	_, dead, err := q.partitionWorkers(ctx)
	if err != nil {
		return nil, err
	}

	var orphans []*task.Task
	for _, w := range dead {
		ids, err := q.client.LRange(ctx, q.processingKey(w), 0, -1).Result()
		if err != nil {
			return orphans, fmt.Errorf("read processing list of %s: %w", w, err)
		}
		for _, id := range ids {
			n, err := orphanScript.Run(ctx, q.client,
				[]string{q.processingKey(w), q.claimKey(id), q.claimsKey()}, id,
			).Int()
			if err != nil {
				return orphans, fmt.Errorf("release orphan %s: %w", id, err)
			}
			if n == 0 {
				continue
			}
			t, err := q.Get(ctx, id)
			if err != nil {
				return orphans, err
			}
			if t != nil {
				orphans = append(orphans, t)
			}
		}
		if err := q.client.HDel(ctx, q.workersKey(), w).Err(); err != nil {
			return orphans, fmt.Errorf("forget worker %s: %w", w, err)
		}
	}
	return orphans, nil
}

func (q *Queue) Pause(ctx context.Context, subject string) error {
	return q.client.Set(ctx, q.pausedKey(subject), q.now().UnixMilli(), 0).Err()
}

func (q *Queue) Resume(ctx context.Context, subject string) error {
	return q.client.Del(ctx, q.pausedKey(subject)).Err()
}

func (q *Queue) IsPaused(ctx context.Context, subject string) (bool, error) {
	n, err := q.client.Exists(ctx, q.pausedKey(subject)).Result()
	if err != nil {
		return false, fmt.Errorf("check pause: %w", err)
	}
	return n > 0, nil
}

// TryLock takes a named lease for ttl. It returns false without error when
// someone else holds it.
func (q *Queue) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := q.client.SetNX(ctx, q.lockKey(name), q.now().UnixMilli(), ttl).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("lock %s: %w", name, err)
	}
	return ok, nil
}

func (q *Queue) Unlock(ctx context.Context, name string) error {
	return q.client.Del(ctx, q.lockKey(name)).Err()
}
