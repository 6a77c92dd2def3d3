package types

import (
	"strings"
	"time"
)

// Event types written by the broker.
const (
	EventDecision     = "decision"
	EventTargetAdded  = "target_added"
	EventTargetExited = "target_exited"
	EventTerminated   = "target_terminated"
)

// PolicyInfo records how one brokered call was decided.
type PolicyInfo struct {
	Decision Decision `json:"decision"`
	// Action is the evaluation result, e.g. ask_broker or fake_success.
	Action string `json:"action,omitempty"`
	// Evaluated is false for calls refused before policy ran.
	Evaluated bool   `json:"evaluated"`
	Message   string `json:"message,omitempty"`
}

type Event struct {
	ID        string      `json:"id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Type      string      `json:"type"`
	TargetID  string      `json:"target_id"`
	PID       int         `json:"pid,omitempty"`
	Policy    *PolicyInfo `json:"policy,omitempty"`

	Service  string `json:"service,omitempty"`
	Resource string `json:"resource,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Status   uint32 `json:"status,omitempty"`
	Win32    uint32 `json:"win32,omitempty"`

	Fields map[string]any `json:"fields,omitempty"`
}

type EventQuery struct {
	TargetID string
	Service  string
	Types    []string
	Since    *time.Time
	Until    *time.Time

	Decision *Decision

	ResourcePrefix string

	Limit  int
	Offset int
	Asc    bool
}

// Match reports whether ev satisfies every filter set in q. Paging fields
// are ignored.
func (q EventQuery) Match(ev Event) bool {
	if q.TargetID != "" && ev.TargetID != q.TargetID {
		return false
	}
	if q.Service != "" && ev.Service != q.Service {
		return false
	}
	if len(q.Types) > 0 {
		found := false
		for _, t := range q.Types {
			if t == ev.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Since != nil && ev.Timestamp.Before(*q.Since) {
		return false
	}
	if q.Until != nil && ev.Timestamp.After(*q.Until) {
		return false
	}
	if q.Decision != nil && (ev.Policy == nil || ev.Policy.Decision != *q.Decision) {
		return false
	}
	return strings.HasPrefix(ev.Resource, q.ResourcePrefix)
}
