package reaper

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/podushkina/jobrelay/internal/bus"
	"github.com/podushkina/jobrelay/internal/queue"
	"github.com/podushkina/jobrelay/internal/reliability"
	"github.com/podushkina/jobrelay/internal/task"
)

const (
	DefaultInterval = 5 * time.Minute
	DefaultTimeout  = 300 * time.Second

	lockName = "reaper"
)

// Inspector reads and revokes claims.
type Inspector interface {
	ActiveWorkers(ctx context.Context) ([]string, error)
	Claims(ctx context.Context) ([]queue.ClaimRecord, error)
	Revoke(ctx context.Context, c queue.ClaimRecord) (*task.Task, error)
	ReleaseOrphans(ctx context.Context) ([]*task.Task, error)
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, name string) error
}

type Settler interface {
	Fail(ctx context.Context, t *task.Task, workerID string, cause error) (reliability.Decision, error)
}

type Publisher interface {
	Publish(ctx context.Context, tmpl bus.Template, subject, msgType string, payload any) (int64, error)
}

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Report summarizes one sweep.
type Report struct {
	ActiveWorkers int `json:"active_workers"`
	Inspected     int `json:"inspected"`
	Revoked       int `json:"revoked"`
	Orphaned      int `json:"orphaned"`
}

// Reaper revokes claims held longer than the hard timeout and settles tasks
// whose worker disappeared.
type Reaper struct {
	cfg      Config
	claims   Inspector
	settler  Settler
	pub      Publisher
	logger   *slog.Logger
	now      func() time.Time
	sweeping atomic.Bool
}

func New(claims Inspector, settler Settler, pub Publisher, cfg Config, logger *slog.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		cfg:     cfg,
		claims:  claims,
		settler: settler,
		pub:     pub,
		logger:  logger.With("component", "reaper"),
		now:     time.Now,
	}
}

// Sweep runs one pass. With no live workers it does nothing.
func (r *Reaper) Sweep(ctx context.Context) (Report, error) {
	var rep Report

	workers, err := r.claims.ActiveWorkers(ctx)
	if err != nil {
		return rep, err
	}
	if len(workers) == 0 {
		return rep, nil
	}
	rep.ActiveWorkers = len(workers)

	claims, err := r.claims.Claims(ctx)
	if err != nil {
		return rep, err
	}
	rep.Inspected = len(claims)

	now := r.now()
	for _, c := range claims {
		if c.Age(now) <= r.cfg.Timeout {
			continue
		}
		t, err := r.claims.Revoke(ctx, c)
		if err != nil {
			r.logger.Error("revoke failed", "task_id", c.TaskID, "worker_id", c.Worker, "error", err)
			continue
		}
		if t == nil {
			continue
		}
		rep.Revoked++

		r.logger.Warn("revoking zombie task",
			"task_id", c.TaskID,
			"worker_id", c.Worker,
			"queue", c.Queue,
			"age", c.Age(now),
		)

		if _, err := r.pub.Publish(ctx, bus.ChannelRevoke, c.Pool, bus.TypeRevoke, bus.RevokePayload{
			TaskID: c.TaskID,
			Worker: c.Worker,
			Reason: reliability.ErrExecutionTimeout.Error(),
		}); err != nil {
			r.logger.Warn("revoke notice not delivered", "task_id", c.TaskID, "error", err)
		}

		if _, err := r.settler.Fail(ctx, t, "", reliability.ErrExecutionTimeout); err != nil {
			r.logger.Error("settle revoked task failed", "task_id", c.TaskID, "error", err)
		}
	}

	orphans, err := r.claims.ReleaseOrphans(ctx)
	for _, t := range orphans {
		rep.Orphaned++
		if _, ferr := r.settler.Fail(ctx, t, "", reliability.ErrWorkerLost); ferr != nil {
			r.logger.Error("settle orphan failed", "task_id", t.ID, "error", ferr)
		}
	}
	if err != nil {
		return rep, err
	}

	return rep, nil
}

// Run sweeps every interval until ctx is cancelled. A tick is skipped while a
// sweep is still running here or while another process holds the lock.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.cfg.Interval, "timeout", r.cfg.Timeout)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reaper) tick(ctx context.Context) {
	if !r.sweeping.CompareAndSwap(false, true) {
		r.logger.Debug("previous sweep still running, skipping")
		return
	}
	defer r.sweeping.Store(false)

	ok, err := r.claims.TryLock(ctx, lockName, r.cfg.Interval)
	if err != nil {
		r.logger.Warn("reaper lock failed", "error", err)
		return
	}
	if !ok {
		r.logger.Debug("another reaper is sweeping, skipping")
		return
	}
	defer func() {
		if err := r.claims.Unlock(context.WithoutCancel(ctx), lockName); err != nil {
			r.logger.Warn("reaper unlock failed", "error", err)
		}
	}()

	rep, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Error("sweep failed", "error", err)
		return
	}
	if rep.Revoked > 0 || rep.Orphaned > 0 {
		r.logger.Info("sweep finished", "revoked", rep.Revoked, "orphaned", rep.Orphaned, "inspected", rep.Inspected)
	}
}
