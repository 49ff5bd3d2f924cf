package schema

import (
	"fmt"
	"slices"
	"strings"
)

// Severity ranks a validation issue. Only errors make a definition unusable.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValidationIssue is one problem found in a workflow definition.
//
// Path locates the offending field from the top-level document. Subflow is
// the chain of owning action ids leading to the workflow level the issue
// belongs to, empty at the top level. ActionID names the action the issue
// is about, when there is one.
type ValidationIssue struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Path     string   `json:"path"`
	ActionID string   `json:"action_id,omitempty"`
	Subflow  []string `json:"subflow,omitempty"`
}

func (i ValidationIssue) String() string {
	var b strings.Builder
	b.WriteString(i.Path)
	if i.ActionID != "" {
		fmt.Fprintf(&b, " (action %s)", i.ActionID)
	}
	if len(i.Subflow) > 0 {
		fmt.Fprintf(&b, " in subflow %s", strings.Join(i.Subflow, "/"))
	}
	b.WriteString(": ")
	b.WriteString(i.Message)
	return b.String()
}

// ValidationResult collects the issues of one validation pass.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether no error was found. Warnings do not count.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Add files issue under Errors or Warnings by its severity.
func (r *ValidationResult) Add(issue ValidationIssue) {
	if issue.Severity == SeverityWarning {
		r.Warnings = append(r.Warnings, issue)
		return
	}
	issue.Severity = SeverityError
	r.Errors = append(r.Errors, issue)
}

// Merge appends other's issues.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ForAction returns the errors and warnings about actionID at the given
// subflow chain.
func (r *ValidationResult) ForAction(actionID string, subflow ...string) []ValidationIssue {
	var out []ValidationIssue
	for _, list := range [][]ValidationIssue{r.Errors, r.Warnings} {
		for _, is := range list {
			if is.ActionID == actionID && slices.Equal(is.Subflow, subflow) {
				out = append(out, is)
			}
		}
	}
	return out
}

// ToError returns nil for a valid result and otherwise a FlowError whose
// code is the errors' common code, or VALIDATION_ERROR when they differ.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	msg := first.Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	code := first.Code
	for _, issue := range r.Errors[1:] {
		if issue.Code != code {
			code = ErrCodeValidation
			break
		}
	}

	return NewError(code, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
