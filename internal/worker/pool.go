package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/podushkina/jobrelay/internal/bus"
	"github.com/podushkina/jobrelay/internal/events"
	"github.com/podushkina/jobrelay/internal/queue"
	"github.com/podushkina/jobrelay/internal/reliability"
	"github.com/podushkina/jobrelay/internal/task"
)

// Handler executes one task and returns its result. Tasks may run more than
// once, so handlers must be idempotent.
type Handler func(ctx context.Context, t *task.Task) (json.RawMessage, error)

type Notifier interface {
	Notify(ctx context.Context, subject, eventType string, payload any) (events.Record, error)
}

type Subscriber interface {
	Subscribe(ctx context.Context, tmpl bus.Template, subject string) (*bus.Subscription, error)
}

// Config sizes a pool. ShutdownGrace is how long a running handler may keep
// going after shutdown begins before its task is handed back.
type Config struct {
	Queue         string
	Concurrency   int
	PollInterval  time.Duration
	HeartbeatTTL  time.Duration
	PauseDelay    time.Duration
	ShutdownGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 30 * time.Second
	}
	if c.PauseDelay <= 0 {
		c.PauseDelay = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
}

// stopTimeout bounds Stop: a slot may be blocked in a claim for one poll
// interval and then in a handler for the shutdown grace.
func (c Config) stopTimeout() time.Duration {
	return c.PollInterval + c.ShutdownGrace + 5*time.Second
}

// Pool runs Concurrency slots against one queue. Each slot holds at most one
// task and acknowledges it only after its handler returns.
type Pool struct {
	id       string
	cfg      Config
	queue    *queue.Queue
	settler  *reliability.Settler
	bus      Subscriber
	notifier Notifier
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[task.Name]Handler

	inflightMu sync.Mutex
	inflight   map[string]context.CancelCauseFunc

	wg    sync.WaitGroup
	slots []string
	sub   *bus.Subscription
	stats Stats
}

type Option func(*Pool)

func WithBus(b Subscriber) Option {
	return func(p *Pool) { p.bus = b }
}

func WithNotifier(n Notifier) Option {
	return func(p *Pool) { p.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

func NewPool(q *queue.Queue, settler *reliability.Settler, cfg Config, opts ...Option) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		id:       uuid.New().String(),
		cfg:      cfg,
		queue:    q,
		settler:  settler,
		logger:   slog.Default(),
		handlers: make(map[task.Name]Handler),
		inflight: make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "worker", "queue", cfg.Queue, "pool_id", p.id)
	return p
}

func (p *Pool) ID() string    { return p.id }
func (p *Pool) Queue() string { return p.cfg.Queue }

func (p *Pool) Register(name task.Name, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = handler
}

// Start settles tasks left behind by dead workers, registers the slots and
// launches them. Slots stop when ctx is cancelled; call Stop to wait for them.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.releaseOrphans(ctx); err != nil {
		p.logger.Warn("orphan release failed", "error", err)
	}

	for i := 0; i < p.cfg.Concurrency; i++ {
		slot := fmt.Sprintf("%s-%d", p.id, i)
		if err := p.queue.Register(ctx, slot, p.cfg.Queue, p.cfg.HeartbeatTTL); err != nil {
			return err
		}
		p.slots = append(p.slots, slot)
	}

	if p.bus != nil {
		sub, err := p.bus.Subscribe(ctx, bus.ChannelRevoke, p.id)
		if err != nil {
			return err
		}
		p.sub = sub
		p.wg.Add(1)
		go p.listenRevocations(ctx)
	}

	p.wg.Add(2)
	go p.heartbeat(ctx)
	go p.promote(ctx)

	for i, slot := range p.slots {
		p.wg.Add(1)
		go p.worker(ctx, i, queue.Claimer{Worker: slot, Pool: p.id})
	}
	p.logger.Info("worker pool started", "workers", p.cfg.Concurrency)
	return nil
}

// Stop waits for every slot to finish its current task, hands back whatever
// is still held in the slots' processing lists and removes the slots from
// the registry. It gives up waiting after the poll interval plus the
// shutdown grace.
func (p *Pool) Stop() {
	if p.sub != nil {
		p.sub.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.stopTimeout()):
		p.logger.Warn("workers did not stop in time", "timeout", p.cfg.stopTimeout())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, slot := range p.slots {
		n, err := p.queue.Requeue(ctx, slot, p.cfg.Queue)
		if err != nil {
			p.logger.Warn("requeue held tasks failed", "worker_id", slot, "error", err)
		} else if n > 0 {
			p.logger.Info("held tasks requeued", "worker_id", slot, "count", n)
		}
		if err := p.queue.Unregister(ctx, slot); err != nil {
			p.logger.Warn("unregister failed", "worker_id", slot, "error", err)
		}
	}
	p.logger.Info("all workers stopped")
}

func (p *Pool) releaseOrphans(ctx context.Context) error {
	orphans, err := p.queue.ReleaseOrphans(ctx)
	for _, t := range orphans {
		p.logger.Warn("settling task of lost worker", "task_id", t.ID, "task_name", t.Name)
		if _, ferr := p.settler.Fail(ctx, t, "", reliability.ErrWorkerLost); ferr != nil {
			p.logger.Error("settle orphan failed", "task_id", t.ID, "error", ferr)
		}
	}
	return err
}

func (p *Pool) heartbeat(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HeartbeatTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, p.cfg.HeartbeatTTL, p.slots...); err != nil && ctx.Err() == nil {
				p.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (p *Pool) promote(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.PromoteDue(ctx, p.cfg.Queue, 0)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("promote failed", "error", err)
				}
				continue
			}
			if n > 0 {
				p.logger.Debug("promoted delayed tasks", "count", n)
			}
		}
	}
}

func (p *Pool) listenRevocations(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-p.sub.C():
			if !ok {
				return
			}
			if msg.Type != bus.TypeRevoke {
				continue
			}
			var rv bus.RevokePayload
			if err := json.Unmarshal(msg.Payload, &rv); err != nil {
				p.logger.Warn("malformed revoke message", "error", err)
				continue
			}
			if p.cancelInflight(rv.TaskID, reliability.ErrExecutionTimeout) {
				p.logger.Warn("task revoked", "task_id", rv.TaskID, "worker_id", rv.Worker, "reason", rv.Reason)
			}
		}
	}
}

func (p *Pool) worker(ctx context.Context, id int, c queue.Claimer) {
	defer p.wg.Done()
	log := p.logger.With("worker_id", c.Worker)
	log.Debug("worker started", "slot", id)

	for {
		select {
		case <-ctx.Done():
			log.Debug("worker shutting down")
			return
		default:
			t, err := p.queue.Claim(ctx, p.cfg.Queue, c, p.cfg.PollInterval)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("claim error", "error", err)
				p.sleep(ctx, p.cfg.PollInterval)
				continue
			}

			if t == nil {
				continue
			}

			p.stats.Claimed.Add(1)
			p.process(ctx, log, c.Worker, t)
		}
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (p *Pool) process(ctx context.Context, log *slog.Logger, worker string, t *task.Task) {
	log = log.With("task_id", t.ID, "task_name", t.Name)
	settleCtx := context.WithoutCancel(ctx)

	if t.Name.Pausable() && t.Subject != "" {
		paused, err := p.queue.IsPaused(ctx, t.Subject)
		if err != nil {
			log.Warn("pause check failed", "error", err)
		}
		if paused {
			if err := p.queue.Defer(settleCtx, t, worker, p.cfg.PauseDelay); err != nil {
				log.Error("defer paused task failed", "error", err)
				return
			}
			p.stats.Deferred.Add(1)
			log.Info("subject paused, task deferred", "subject", t.Subject)
			return
		}
	}

	p.mu.RLock()
	handler, ok := p.handlers[t.Name]
	p.mu.RUnlock()

	if !ok {
		p.fail(settleCtx, log, worker, t, reliability.Permanent(fmt.Errorf("%w: no handler for %s", task.ErrUnknownName, t.Name)))
		return
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	p.track(t.ID, cancel)
	defer func() {
		p.untrack(t.ID)
		cancel(nil)
	}()

	log.Info("processing task", "attempt", t.Retries+1)
	result, err := p.execute(runCtx, log, handler, t)

	if cause := context.Cause(runCtx); errors.Is(cause, reliability.ErrExecutionTimeout) {
		p.stats.Revoked.Add(1)
		log.Warn("execution abandoned after revoke")
		return
	}

	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			// Interrupted by shutdown: hand the task back without spending a retry.
			if derr := p.queue.Defer(settleCtx, t, worker, 0); derr != nil {
				log.Error("requeue on shutdown failed", "error", derr)
			}
			return
		}
		p.fail(settleCtx, log, worker, t, err)
		return
	}

	if err := p.queue.Ack(settleCtx, t, worker, result); err != nil {
		if errors.Is(err, queue.ErrClaimLost) {
			p.stats.Revoked.Add(1)
			log.Warn("claim lost before ack, result discarded")
			return
		}
		log.Error("ack failed", "error", err)
		return
	}
	p.stats.Completed.Add(1)
	log.Info("task completed")

	if p.notifier != nil && t.Subject != "" {
		if _, err := p.notifier.Notify(settleCtx, t.Subject, events.TypeTaskCompleted, completedPayload{
			TaskID:   t.ID,
			TaskName: t.Name,
			Result:   result,
		}); err != nil {
			log.Warn("completion event failed", "error", err)
		}
	}
}

type completedPayload struct {
	TaskID   string          `json:"task_id"`
	TaskName task.Name       `json:"task_name"`
	Result   json.RawMessage `json:"result,omitempty"`
}

func (p *Pool) fail(ctx context.Context, log *slog.Logger, worker string, t *task.Task, cause error) {
	d, err := p.settler.Fail(ctx, t, worker, cause)
	if err != nil {
		if errors.Is(err, queue.ErrClaimLost) {
			p.stats.Revoked.Add(1)
			log.Warn("claim lost before failure was recorded")
			return
		}
		log.Error("settle failed task", "error", err)
		return
	}
	switch d.Outcome {
	case reliability.OutcomeRetried:
		p.stats.Retried.Add(1)
	case reliability.OutcomeDeadLettered:
		p.stats.DeadLettered.Add(1)
	}
}

type outcome struct {
	result json.RawMessage
	err    error
}

// execute runs the handler on its own goroutine so a handler that ignores
// ctx cannot hold the slot. A revoked execution is abandoned at once; on
// shutdown the handler gets ShutdownGrace to return.
func (p *Pool) execute(ctx context.Context, log *slog.Logger, h Handler, t *task.Task) (json.RawMessage, error) {
	done := make(chan outcome, 1)
	go func() {
		result, err := safeHandle(ctx, h, t)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
	}

	cause := context.Cause(ctx)
	if !errors.Is(cause, reliability.ErrExecutionTimeout) {
		timer := time.NewTimer(p.cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case out := <-done:
			return out.result, out.err
		case <-timer.C:
		}
	}

	select {
	case out := <-done:
		return out.result, out.err
	default:
		p.stats.Abandoned.Add(1)
		log.Warn("handler ignored cancellation, execution abandoned", "cause", cause)
		return nil, cause
	}
}

func safeHandle(ctx context.Context, h Handler, t *task.Task) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, t)
}

func (p *Pool) track(id string, cancel context.CancelCauseFunc) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	p.inflight[id] = cancel
}

func (p *Pool) untrack(id string) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	delete(p.inflight, id)
}

func (p *Pool) cancelInflight(id string, cause error) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	cancel, ok := p.inflight[id]
	if ok {
		cancel(cause)
	}
	return ok
}
