// Package router maps logical task names to physical queues.
package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/podushkina/jobrelay/internal/task"
)

const (
	QueueAgents    = "agents"
	QueueBriefings = "briefings"
	QueueScraping  = "scraping"
	QueueDefault   = "default"
)

var ErrNoRoute = errors.New("no queue for task")

type Rule struct {
	Prefix string
	Queue  string
}

type Router struct {
	rules    []Rule
	fallback string
}

// DefaultRules routes each task family to its own pool.
func DefaultRules() []Rule {
	return []Rule{
		{Prefix: "agent_", Queue: QueueAgents},
		{Prefix: "briefing_", Queue: QueueBriefings},
		{Prefix: "scrape_", Queue: QueueScraping},
	}
}

// New validates the rule set. When fallback is empty every known task name
// has to be covered by a rule, so a gap is reported here at startup instead
// of when a task is dispatched.
func New(rules []Rule, fallback string) (*Router, error) {
	seen := make(map[string]bool, len(rules))
	sorted := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Prefix == "" || r.Queue == "" {
			return nil, fmt.Errorf("router: rule %q -> %q: prefix and queue are required", r.Prefix, r.Queue)
		}
		if seen[r.Prefix] {
			return nil, fmt.Errorf("router: duplicate prefix %q", r.Prefix)
		}
		seen[r.Prefix] = true
		sorted = append(sorted, r)
	}

	// Longest prefix wins; ties cannot happen since prefixes are unique.
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i].Prefix) != len(sorted[j].Prefix) {
			return len(sorted[i].Prefix) > len(sorted[j].Prefix)
		}
		return sorted[i].Prefix < sorted[j].Prefix
	})

	rt := &Router{rules: sorted, fallback: fallback}
	if fallback == "" {
		for _, name := range task.Names() {
			if _, ok := rt.Route(name); !ok {
				return nil, fmt.Errorf("router: %w %q and no default queue configured", ErrNoRoute, name)
			}
		}
	}
	return rt, nil
}

// FromMap builds a router from a prefix -> queue map as it comes out of config.
func FromMap(routes map[string]string, fallback string) (*Router, error) {
	rules := make([]Rule, 0, len(routes))
	for prefix, queue := range routes {
		rules = append(rules, Rule{Prefix: prefix, Queue: queue})
	}
	return New(rules, fallback)
}

// Route resolves the queue for name. It only fails when no rule matches and
// no fallback is configured.
func (r *Router) Route(name task.Name) (string, bool) {
	for _, rule := range r.rules {
		if strings.HasPrefix(string(name), rule.Prefix) {
			return rule.Queue, true
		}
	}
	if r.fallback != "" {
		return r.fallback, true
	}
	return "", false
}

// Queues lists every queue a task can land in, sorted.
func (r *Router) Queues() []string {
	set := make(map[string]bool)
	for _, rule := range r.rules {
		set[rule.Queue] = true
	}
	if r.fallback != "" {
		set[r.fallback] = true
	}
	out := make([]string, 0, len(set))
	for q := range set {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}
