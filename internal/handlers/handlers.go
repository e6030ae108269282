package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/podushkina/jobrelay/internal/events"
	"github.com/podushkina/jobrelay/internal/reliability"
	"github.com/podushkina/jobrelay/internal/task"
	"github.com/podushkina/jobrelay/internal/worker"
)

// Runner performs the actual work behind a task.
type Runner interface {
	Run(ctx context.Context, name task.Name, payload task.Payload) (json.RawMessage, error)
}

type Notifier interface {
	Notify(ctx context.Context, subject, eventType string, payload any) (events.Record, error)
}

type Registrar interface {
	Register(name task.Name, h worker.Handler)
}

// Set holds a body for every task name.
type Set struct {
	runner   Runner
	notifier Notifier
	logger   *slog.Logger
}

func NewSet(runner Runner, notifier Notifier, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{runner: runner, notifier: notifier, logger: logger.With("component", "handlers")}
}

// Register installs every body on r.
func (s *Set) Register(r Registrar) {
	r.Register(task.NameAgentRun, s.AgentRun)
	r.Register(task.NameAgentScoreMatches, s.ScoreMatches)
	r.Register(task.NameBriefingGenerate, s.Briefing)
	r.Register(task.NameScrapeJobs, s.Scrape)
}

func decode[P task.Payload](t *task.Task) (P, error) {
	var zero P
	p, err := task.Decode(t.Name, t.Payload)
	if err != nil {
		return zero, reliability.Permanent(err)
	}
	typed, ok := p.(P)
	if !ok {
		return zero, reliability.Permanent(fmt.Errorf("task %s carries %T", t.Name, p))
	}
	return typed, nil
}

func (s *Set) emit(ctx context.Context, t *task.Task, eventType string, payload any) {
	if _, err := s.notifier.Notify(ctx, t.Subject, eventType, payload); err != nil {
		s.logger.Warn("progress event failed", "task_id", t.ID, "type", eventType, "error", err)
	}
}

type stepEvent struct {
	TaskID  string          `json:"task_id"`
	AgentID string          `json:"agent_id"`
	Mode    string          `json:"mode"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func (s *Set) AgentRun(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	p, err := decode[task.AgentRunPayload](t)
	if err != nil {
		return nil, err
	}
	if p.Mode == "" {
		p.Mode = "discover"
	}

	s.emit(ctx, t, events.TypeStepStarted, stepEvent{TaskID: t.ID, AgentID: p.AgentID, Mode: p.Mode})

	result, err := s.runner.Run(ctx, t.Name, p)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, t, events.TypeStepCompleted, stepEvent{TaskID: t.ID, AgentID: p.AgentID, Mode: p.Mode, Result: result})
	return result, nil
}

func (s *Set) ScoreMatches(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	p, err := decode[task.ScoreMatchesPayload](t)
	if err != nil {
		return nil, err
	}

	result, err := s.runner.Run(ctx, t.Name, p)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, t, events.TypeMatchesScored, map[string]any{
		"task_id": t.ID,
		"scored":  len(p.JobIDs),
		"result":  result,
	})
	return result, nil
}

func (s *Set) Briefing(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	p, err := decode[task.BriefingPayload](t)
	if err != nil {
		return nil, err
	}

	result, err := s.runner.Run(ctx, t.Name, p)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, t, events.TypeBriefingReady, map[string]any{
		"task_id": t.ID,
		"date":    p.Date,
	})
	return result, nil
}

func (s *Set) Scrape(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	p, err := decode[task.ScrapePayload](t)
	if err != nil {
		return nil, err
	}

	result, err := s.runner.Run(ctx, t.Name, p)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, t, events.TypeScrapeComplete, map[string]any{
		"task_id": t.ID,
		"source":  p.Source,
		"query":   p.Query,
	})
	return result, nil
}
