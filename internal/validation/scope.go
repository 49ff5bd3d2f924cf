package validation

import (
	"fmt"
	"slices"

	"github.com/rendis/stepflow/pkg/schema"
)

// scope is the workflow level a check runs on: the path prefix of its
// fields and the owner ids of the subflows enclosing it.
type scope struct {
	path   string
	owners []string
}

func (s scope) subflow(owner string) scope {
	return scope{
		path:   fmt.Sprintf("%ssubflows[%s].", s.path, owner),
		owners: append(slices.Clone(s.owners), owner),
	}
}

func (s scope) issue(sev schema.Severity, field, actionID, code, msg string) schema.ValidationIssue {
	return schema.ValidationIssue{
		Severity: sev,
		Code:     code,
		Message:  msg,
		Path:     s.path + field,
		ActionID: actionID,
		Subflow:  s.owners,
	}
}

func (s scope) fail(r *schema.ValidationResult, field, actionID, code, format string, args ...any) {
	r.Add(s.issue(schema.SeverityError, field, actionID, code, fmt.Sprintf(format, args...)))
}

func (s scope) warn(r *schema.ValidationResult, field, actionID, code, format string, args ...any) {
	r.Add(s.issue(schema.SeverityWarning, field, actionID, code, fmt.Sprintf(format, args...)))
}
