// Package audit keeps the append-only access trail required for PHI
// handling. Writes are best-effort; see Logger.
package audit

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// Result is the outcome recorded for an access attempt.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// UnknownActor is recorded when the caller could not be identified.
const UnknownActor = "unknown"

// ErrUnsupported is returned by sinks that cannot query or purge.
var ErrUnsupported = errors.New("audit: operation not supported by sink")

// Record is one audit trail entry.
type Record struct {
	ID            string         `json:"id"`
	ActorID       string         `json:"actor_id,omitempty"`
	Action        string         `json:"action"`
	Resource      string         `json:"resource,omitempty"`
	ResourceID    string         `json:"resource_id,omitempty"`
	IPAddress     string         `json:"ip_address,omitempty"`
	UserAgent     string         `json:"user_agent,omitempty"`
	PHIAccessed   bool           `json:"phi_accessed"`
	AccessReason  string         `json:"access_reason,omitempty"`
	Result        Result         `json:"result"`
	Error         string         `json:"error,omitempty"`
	RequestMethod string         `json:"request_method,omitempty"`
	RequestPath   string         `json:"request_path,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// FailureAction names the action recorded for a rejection reason.
func FailureAction(reason string) string {
	return "auth_failure_" + strings.ToLower(strings.TrimSpace(reason))
}

// Criteria filters Search results. Zero fields do not filter.
type Criteria struct {
	From        time.Time
	To          time.Time
	ActorID     string
	Action      string
	Resource    string
	PHIAccessed *bool
	IPAddress   string
	Limit       int
	Offset      int
}

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 1000
)

func (c Criteria) limit() int {
	switch {
	case c.Limit <= 0:
		return defaultSearchLimit
	case c.Limit > maxSearchLimit:
		return maxSearchLimit
	}
	return c.Limit
}

// Sink persists audit records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Search(ctx context.Context, c Criteria) ([]Record, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}

type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

// Summary aggregates a page of audit records for compliance reporting.
type Summary struct {
	TotalEntries   int           `json:"total_entries"`
	PHIAccessCount int           `json:"phi_access_count"`
	FailureCount   int           `json:"failure_count"`
	UniqueActors   int           `json:"unique_actors"`
	TopActions     []ActionCount `json:"top_actions"`
}

// Summarize computes a Summary, keeping the five most frequent actions.
func Summarize(records []Record) Summary {
	s := Summary{TotalEntries: len(records)}
	actors := make(map[string]struct{})
	actions := make(map[string]int)
	for _, r := range records {
		if r.PHIAccessed {
			s.PHIAccessCount++
		}
		if r.Result == ResultFailure {
			s.FailureCount++
		}
		if r.ActorID != "" && r.ActorID != UnknownActor {
			actors[r.ActorID] = struct{}{}
		}
		actions[r.Action]++
	}
	s.UniqueActors = len(actors)
	for a, n := range actions {
		s.TopActions = append(s.TopActions, ActionCount{Action: a, Count: n})
	}
	sort.Slice(s.TopActions, func(i, j int) bool {
		if s.TopActions[i].Count != s.TopActions[j].Count {
			return s.TopActions[i].Count > s.TopActions[j].Count
		}
		return s.TopActions[i].Action < s.TopActions[j].Action
	})
	if len(s.TopActions) > 5 {
		s.TopActions = s.TopActions[:5]
	}
	return s
}
