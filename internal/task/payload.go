package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Name is the logical name of a task. The router maps it to a physical queue.
type Name string

const (
	NameAgentRun          Name = "agent_run"
	NameAgentScoreMatches Name = "agent_score_matches"
	NameBriefingGenerate  Name = "briefing_generate"
	NameScrapeJobs        Name = "scrape_jobs"
)

// Pausable reports whether tasks with this name honor the per-subject agent
// pause switch.
func (n Name) Pausable() bool {
	return strings.HasPrefix(string(n), "agent_")
}

var ErrUnknownName = errors.New("unknown task name")

// Payload is the typed body of a task. Every logical name has exactly one
// payload type.
type Payload interface {
	TaskName() Name
	SubjectID() string
}

type AgentRunPayload struct {
	UserID  string `json:"user_id" validate:"required,uuid"`
	AgentID string `json:"agent_id" validate:"required"`
	Mode    string `json:"mode,omitempty" validate:"omitempty,oneof=discover apply"`
}

func (AgentRunPayload) TaskName() Name      { return NameAgentRun }
func (p AgentRunPayload) SubjectID() string { return p.UserID }

type ScoreMatchesPayload struct {
	UserID string   `json:"user_id" validate:"required,uuid"`
	JobIDs []string `json:"job_ids" validate:"required,min=1,max=100,dive,required"`
}

func (ScoreMatchesPayload) TaskName() Name      { return NameAgentScoreMatches }
func (p ScoreMatchesPayload) SubjectID() string { return p.UserID }

type BriefingPayload struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	Date   string `json:"date" validate:"required,datetime=2006-01-02"`
}

func (BriefingPayload) TaskName() Name      { return NameBriefingGenerate }
func (p BriefingPayload) SubjectID() string { return p.UserID }

type ScrapePayload struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	Source string `json:"source" validate:"required,oneof=linkedin indeed greenhouse lever"`
	Query  string `json:"query" validate:"required"`
	Limit  int    `json:"limit,omitempty" validate:"gte=0,lte=500"`
}

func (ScrapePayload) TaskName() Name      { return NameScrapeJobs }
func (p ScrapePayload) SubjectID() string { return p.UserID }

var validate = validator.New()

var decoders = map[Name]func(json.RawMessage) (Payload, error){
	NameAgentRun:          decodeInto[AgentRunPayload],
	NameAgentScoreMatches: decodeInto[ScoreMatchesPayload],
	NameBriefingGenerate:  decodeInto[BriefingPayload],
	NameScrapeJobs:        decodeInto[ScrapePayload],
}

// Names returns every known task name in lexical order.
func Names() []Name {
	names := make([]Name, 0, len(decoders))
	for n := range decoders {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Known reports whether name has a registered payload schema.
func Known(name Name) bool {
	_, ok := decoders[name]
	return ok
}

// Decode parses and validates raw as the payload of name.
func Decode(name Name, raw json.RawMessage) (Payload, error) {
	dec, ok := decoders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownName, name)
	}
	return dec(raw)
}

// Validate checks p against its schema.
func Validate(p Payload) error {
	if p == nil {
		return errors.New("payload is required")
	}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid %s payload: %w", p.TaskName(), err)
	}
	return nil
}

func decodeInto[P Payload](raw json.RawMessage) (Payload, error) {
	var p P
	if len(raw) == 0 {
		return nil, fmt.Errorf("invalid %s payload: empty body", p.TaskName())
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", p.TaskName(), err)
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}
