package schema

// ActionStatus is the outcome reported by an action handler.
type ActionStatus string

const (
	ActionRunning   ActionStatus = "RUNNING"
	ActionCompleted ActionStatus = "COMPLETED"
	ActionFailed    ActionStatus = "FAILED"
	// ActionBreak stops traversal past the node without failing the run.
	ActionBreak ActionStatus = "BREAK"
)

// Valid reports whether s is one of the known statuses.
func (s ActionStatus) Valid() bool {
	switch s {
	case ActionRunning, ActionCompleted, ActionFailed, ActionBreak:
		return true
	}
	return false
}

// ActionResult is the normalized outcome of an action.
type ActionResult struct {
	Status ActionStatus `json:"status"`
	Data   any          `json:"data,omitempty"`
}

// Completed wraps data in a COMPLETED result.
func Completed(data any) *ActionResult {
	return &ActionResult{Status: ActionCompleted, Data: data}
}

// Failed wraps a reason in a FAILED result.
func Failed(data any) *ActionResult {
	return &ActionResult{Status: ActionFailed, Data: data}
}

// Break returns a BREAK result carrying data.
func Break(data any) *ActionResult {
	return &ActionResult{Status: ActionBreak, Data: data}
}

// EnumeratorData is one step of an enumerated (each) action.
// EOF true means there is no current element.
type EnumeratorData struct {
	Data    any  `json:"data,omitempty"`
	Current *int `json:"current,omitempty"`
	EOF     bool `json:"eof"`
}

// Index returns the current cursor or -1 when unset.
func (e *EnumeratorData) Index() int {
	if e == nil || e.Current == nil {
		return -1
	}
	return *e.Current
}

// At builds enumerator data positioned at index i.
func At(i int, data any) *EnumeratorData {
	return &EnumeratorData{Data: data, Current: &i}
}

// Exhausted builds enumerator data signalling the end of the sequence.
func Exhausted() *EnumeratorData {
	return &EnumeratorData{EOF: true}
}
