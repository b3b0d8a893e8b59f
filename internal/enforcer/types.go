package enforcer

// TodoStatus is the agent-reported state of one todo item
type TodoStatus string

const (
	TodoStatusPending    TodoStatus = "pending"
	TodoStatusInProgress TodoStatus = "in_progress"
	TodoStatusCompleted  TodoStatus = "completed"
	TodoStatusCancelled  TodoStatus = "cancelled"
)

// Resolved reports whether the item no longer requires work
func (s TodoStatus) Resolved() bool {
	return s == TodoStatusCompleted || s == TodoStatusCancelled
}

// TodoItem is one entry of the agent's self-declared todo list.
// The enforcer reads these, never mutates them.
type TodoItem struct {
	ID       string     `json:"id"`
	Content  string     `json:"content"`
	Status   TodoStatus `json:"status"`
	Priority string     `json:"priority,omitempty"`
}

// DeclarationStatus is the agent's self-reported outcome in its
// "declare completion" tool call
type DeclarationStatus string

const (
	DeclarationSuccess DeclarationStatus = "success"
	DeclarationPartial DeclarationStatus = "partial"
	DeclarationBlocked DeclarationStatus = "blocked"
	DeclarationUnknown DeclarationStatus = "unknown"
)

// Declaration is the payload of the agent's completion tool call
type Declaration struct {
	Status        DeclarationStatus `json:"status"`
	Summary       string            `json:"summary"`
	RemainingWork string            `json:"remaining_work,omitempty"`
	Blocker       string            `json:"blocker,omitempty"`
}

// FlowState is the per-task completion flow state
type FlowState string

const (
	StateIdle                FlowState = "IDLE"
	StateDone                FlowState = "DONE"
	StateBlocked             FlowState = "BLOCKED"
	StatePartialContinuation FlowState = "PARTIAL_CONTINUATION_PENDING"
	StateContinuationPending FlowState = "CONTINUATION_PENDING"
	StateMaxRetriesReached   FlowState = "MAX_RETRIES_REACHED"
)

// Terminal reports whether the task is finished in this state
func (s FlowState) Terminal() bool {
	switch s {
	case StateDone, StateBlocked, StateMaxRetriesReached:
		return true
	}
	return false
}

// EndReason is the reason the agent's turn ended
type EndReason string

const (
	// EndReasonToolUse means the agent is still inside a tool call;
	// the turn is not actually over
	EndReasonToolUse EndReason = "tool_use"
	// EndReasonStop means the agent stopped of its own accord
	EndReasonStop EndReason = "stop"
	// EndReasonEndTurn means the model signalled end of turn
	EndReasonEndTurn EndReason = "end_turn"
)

// terminatesTurn reports whether the end reason marks a real turn boundary
func (r EndReason) terminatesTurn() bool {
	return r != EndReasonToolUse
}

// StepAction is the enforcer's verdict at a turn boundary
type StepAction string

const (
	// ActionContinue means the agent is still working; no intervention
	ActionContinue StepAction = "continue"
	// ActionPending means a continuation prompt is owed
	ActionPending StepAction = "pending"
	// ActionComplete means the task should be finalized
	ActionComplete StepAction = "complete"
)
