package mediator

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// SpanKind classifies a step of a run trace.
type SpanKind string

const (
	// SpanAction is the execution step of a workflow action.
	SpanAction SpanKind = "action"
	// SpanWrapper is a step an action runs on its own behalf: nested-mode
	// inner steps and each-mode enumerator calls.
	SpanWrapper SpanKind = "wrapper"
	// SpanInternal is a step that belongs to no action of the workflow.
	SpanInternal SpanKind = "internal"
)

// Span is one correlated step.
type Span struct {
	Name       string          `json:"name"`
	Kind       SpanKind        `json:"kind"`
	ActionID   string          `json:"action_id,omitempty"`
	ActionKind string          `json:"action_kind,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    time.Time       `json:"ended_at"`
	DurationMs int64           `json:"duration_ms"`
}

// StepTrace is an event's latest run, broken into spans.
type StepTrace struct {
	EventID string           `json:"event_id"`
	RunID   string           `json:"run_id"`
	Status  schema.RunStatus `json:"status"`
	Spans   []Span           `json:"spans"`
}

const startSuffix = ":start"

// Correlate turns checkpointed steps into spans using wf's action map,
// subflows included. A step named exactly as an action id, or as a repeat
// occurrence of it ("id:N") that has an "id:start:N" sibling, is an action
// span and takes its input from that sibling. Start steps fold into their
// action span. Any other step whose name starts with "<action id>:" is a
// wrapper span of that action; the rest are internal.
func Correlate(wf *schema.Workflow, steps []StepRecord) []Span {
	acts := make(map[string]schema.WorkflowAction)
	collectActions(wf, acts)

	byName := make(map[string]StepRecord, len(steps))
	for _, s := range steps {
		byName[s.Name] = s
	}

	spans := make([]Span, 0, len(steps))
	for _, s := range steps {
		if _, ok := startStepOwner(s.Name, acts); ok {
			continue
		}

		span := Span{
			Name:       s.Name,
			Output:     s.Output,
			StartedAt:  s.StartedAt,
			EndedAt:    s.EndedAt,
			DurationMs: s.EndedAt.Sub(s.StartedAt).Milliseconds(),
		}

		if id, startName, ok := actionStep(s.Name, acts, byName); ok {
			span.Kind = SpanAction
			span.ActionID = id
			span.ActionKind = acts[id].Kind
			if start, ok := byName[startName]; ok {
				span.Input = start.Output
				span.StartedAt = start.StartedAt
				span.DurationMs = s.EndedAt.Sub(start.StartedAt).Milliseconds()
			}
		} else if id := prefixAction(s.Name, acts); id != "" {
			span.Kind = SpanWrapper
			span.ActionID = id
			span.ActionKind = acts[id].Kind
		} else {
			span.Kind = SpanInternal
		}
		spans = append(spans, span)
	}
	return spans
}

func collectActions(wf *schema.Workflow, into map[string]schema.WorkflowAction) {
	if wf == nil {
		return
	}
	for _, a := range wf.Actions {
		into[a.ID] = a
	}
	for _, sub := range wf.Subflows {
		collectActions(sub, into)
	}
}

// startStepOwner recognizes "id:start" and "id:start:N".
func startStepOwner(name string, acts map[string]schema.WorkflowAction) (string, bool) {
	base := name
	if head, _, ok := cutOccurrence(name); ok {
		base = head
	}
	id, ok := strings.CutSuffix(base, startSuffix)
	if !ok {
		return "", false
	}
	if _, known := acts[id]; !known {
		return "", false
	}
	return id, true
}

// actionStep reports whether name is an action's execution step and returns
// the name of its start sibling.
func actionStep(name string, acts map[string]schema.WorkflowAction, byName map[string]StepRecord) (id, startName string, ok bool) {
	if _, known := acts[name]; known {
		return name, name + startSuffix, true
	}
	head, n, occ := cutOccurrence(name)
	if !occ {
		return "", "", false
	}
	if _, known := acts[head]; !known {
		return "", "", false
	}
	startName = head + startSuffix + ":" + n
	if _, has := byName[startName]; !has {
		return "", "", false
	}
	return head, startName, true
}

// prefixAction returns the longest action id that prefixes name up to a ':'.
func prefixAction(name string, acts map[string]schema.WorkflowAction) string {
	for i := strings.LastIndexByte(name, ':'); i > 0; i = strings.LastIndexByte(name[:i], ':') {
		if _, ok := acts[name[:i]]; ok {
			return name[:i]
		}
	}
	return ""
}

// cutOccurrence splits "name:N" into name and N.
func cutOccurrence(name string) (head, n string, ok bool) {
	i := strings.LastIndexByte(name, ':')
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	if _, err := strconv.Atoi(name[i+1:]); err != nil {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}
