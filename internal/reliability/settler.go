package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/podushkina/jobrelay/internal/retry"
	"github.com/podushkina/jobrelay/internal/task"
)

var (
	ErrExecutionTimeout = errors.New("execution exceeded hard timeout")
	ErrWorkerLost       = errors.New("worker lost while holding task")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Outcome int

const (
	OutcomeRetried Outcome = iota
	OutcomeDeadLettered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRetried:
		return "retried"
	case OutcomeDeadLettered:
		return "dead_lettered"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Decision is what Fail did with a task.
type Decision struct {
	Outcome Outcome
	Delay   time.Duration
}

// Scheduler releases a failed task's claim and either reschedules or buries it.
type Scheduler interface {
	Retry(ctx context.Context, t *task.Task, worker string, delay time.Duration, cause string) error
	Bury(ctx context.Context, t *task.Task, worker string, cause string) error
}

// TerminalHandler is told about every task that will not run again.
type TerminalHandler interface {
	HandleTerminal(ctx context.Context, t *task.Task, cause error) error
}

type Settler struct {
	sched       Scheduler
	policy      retry.Policy
	hooks       []TerminalHandler
	hookTimeout time.Duration
	logger      *slog.Logger
}

func NewSettler(sched Scheduler, policy retry.Policy, logger *slog.Logger, hooks ...TerminalHandler) *Settler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Settler{
		sched:       sched,
		policy:      policy,
		hooks:       hooks,
		hookTimeout: 10 * time.Second,
		logger:      logger.With("component", "settler"),
	}
}

// Fail settles a task whose execution failed with cause. The task is retried
// after the policy delay for its attempt count unless its retries are spent or
// cause is permanent, in which case it is buried and every terminal handler
// runs.
func (s *Settler) Fail(ctx context.Context, t *task.Task, workerID string, cause error) (Decision, error) {
	if cause == nil {
		cause = errors.New("unspecified failure")
	}

	if IsPermanent(cause) || t.Retries >= t.MaxRetry {
		if err := s.sched.Bury(ctx, t, workerID, cause.Error()); err != nil {
			return Decision{}, fmt.Errorf("bury task %s: %w", t.ID, err)
		}
		s.logger.Warn("task failed permanently",
			"task_id", t.ID,
			"task_name", t.Name,
			"queue", t.Queue,
			"retries", t.Retries,
			"error", cause,
		)
		s.terminal(ctx, t, cause)
		return Decision{Outcome: OutcomeDeadLettered}, nil
	}

	delay := s.policy.Delay(t.Retries)
	if err := s.sched.Retry(ctx, t, workerID, delay, cause.Error()); err != nil {
		return Decision{}, fmt.Errorf("retry task %s: %w", t.ID, err)
	}
	s.logger.Info("task scheduled for retry",
		"task_id", t.ID,
		"task_name", t.Name,
		"queue", t.Queue,
		"retries", t.Retries,
		"delay", delay,
		"error", cause,
	)
	return Decision{Outcome: OutcomeRetried, Delay: delay}, nil
}

// terminal runs the hooks on a context detached from the caller's so a
// shutting-down worker still records the failure.
func (s *Settler) terminal(ctx context.Context, t *task.Task, cause error) {
	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.hookTimeout)
	defer cancel()

	for _, h := range s.hooks {
		if err := h.HandleTerminal(hookCtx, t, cause); err != nil {
			s.logger.Error("terminal handler failed",
				"task_id", t.ID,
				"handler", fmt.Sprintf("%T", h),
				"error", err,
			)
		}
	}
}
