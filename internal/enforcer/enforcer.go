// Package enforcer decides, turn by turn, whether an external agent's
// work is actually finished.
//
// Agents routinely claim success while leaving work half done, or end a
// turn without ever declaring completion. The enforcer consumes the
// agent's structured signals (todo-list updates, the "declare
// completion" tool call, turn-end reasons, process exits) and answers
// one question per turn boundary: continue silently, schedule a
// continuation prompt, or finalize the task.
package enforcer

import (
	"context"
	"fmt"
	"log/slog"
)

// ContinuationFunc restarts the agent process with a continuation prompt.
// It may itself trigger pool operations and must not be assumed synchronous.
type ContinuationFunc func(ctx context.Context, prompt string) error

// CompleteFunc finalizes the task
type CompleteFunc func(ctx context.Context) error

// DebugFunc receives a category tag and a human-readable message for
// every state transition. Observability only, never control flow.
type DebugFunc func(category, message string)

// Config holds the enforcer's per-task limits and callbacks
type Config struct {
	MaxContinuationAttempts int

	OnStartContinuation ContinuationFunc
	OnComplete          CompleteFunc
	Debug               DebugFunc // optional
	Logger              *slog.Logger
}

// taskProfile is the pair of sticky flags whose combination classifies a
// turn as conversational or working. Kept together so the classification
// cannot observe an inconsistent combination.
type taskProfile struct {
	// toolsUsedEver is set once any real tool runs and never clears
	// until Reset; a task that touched tools can never again be judged
	// purely conversational.
	toolsUsedEver bool
	// requiresCompletion is set once the agent declares a non-empty todo
	// list; such a task must end with an explicit completion call.
	requiresCompletion bool
}

// conversational reports whether a turn with no tool usage is a simple
// question-answer exchange that needs no completion declaration.
func (p taskProfile) conversational(toolsUsedThisTurn bool) bool {
	return !toolsUsedThisTurn && !p.toolsUsedEver && !p.requiresCompletion
}

// Enforcer is the per-task completion state machine. One instance per
// task; it is not safe for concurrent use and does not need to be,
// since a single task driver owns it.
type Enforcer struct {
	cfg    Config
	logger *slog.Logger

	state       FlowState
	profile     taskProfile
	todos       []TodoItem
	declaration *Declaration

	toolsUsedThisTurn bool
	// todoDowngrade records that the current partial state came from the
	// todo-driven downgrade of a success declaration, which selects the
	// focused continuation prompt.
	todoDowngrade bool

	continuationAttempts int
	pendingContinuation  bool
	inContinuation       bool
}

// New creates an enforcer in the IDLE state
func New(cfg Config) *Enforcer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Enforcer{
		cfg:    cfg,
		logger: cfg.Logger,
		state:  StateIdle,
	}
}

// State returns the current completion flow state
func (e *Enforcer) State() FlowState { return e.state }

// ContinuationAttempts returns how many continuation prompts have been
// counted against this task's budget.
func (e *Enforcer) ContinuationAttempts() int { return e.continuationAttempts }

// ShouldComplete reports whether the task has reached a terminal state
func (e *Enforcer) ShouldComplete() bool { return e.state.Terminal() }

// IsInContinuation reports whether a continuation prompt has been
// dispatched and the task has not yet resolved. The task driver uses this
// to suppress duplicate user-visible messages while a continuation turn
// is in flight.
func (e *Enforcer) IsInContinuation() bool { return e.inContinuation }

// UpdateTodos stores the latest todo snapshot. A non-empty list marks the
// task as requiring an explicit completion call, sticky for the task's
// lifetime.
func (e *Enforcer) UpdateTodos(todos []TodoItem) {
	e.todos = todos
	if len(todos) > 0 && !e.profile.requiresCompletion {
		e.profile.requiresCompletion = true
		e.debug("todos", fmt.Sprintf("todo list declared (%d items), task now requires an explicit completion call", len(todos)))
	}
}

// MarkToolsUsed records that at least one tool call happened this turn.
// countsForContinuation=true marks the task as having done real work,
// sticky until Reset; false (helper or bookkeeping tools) still counts
// for the current turn only.
func (e *Enforcer) MarkToolsUsed(countsForContinuation bool) {
	e.toolsUsedThisTurn = true
	if countsForContinuation && !e.profile.toolsUsedEver {
		e.profile.toolsUsedEver = true
		e.debug("tools", "real tool used, task can no longer be judged conversational")
	}
}

// HandleCompleteTaskDetection processes the agent's "declare completion"
// tool call. Returns true iff this is the first declaration for the task;
// duplicates are ignored without any state change.
func (e *Enforcer) HandleCompleteTaskDetection(d Declaration) bool {
	if e.declaration != nil {
		e.debug("completion", "duplicate completion declaration ignored")
		return false
	}
	copied := d
	e.declaration = &copied

	next := StateBlocked
	switch d.Status {
	case DeclarationSuccess:
		next = StateDone
	case DeclarationPartial:
		next = StatePartialContinuation
	case DeclarationBlocked:
		next = StateBlocked
	default:
		// Missing or malformed status is treated pessimistically.
		e.debug("completion", fmt.Sprintf("unrecognized declaration status %q treated as blocked", d.Status))
	}

	// Downgrade rule: a success claim with unresolved todos is partial,
	// whatever the agent says.
	if next == StateDone {
		if open := e.unresolvedTodos(); len(open) > 0 {
			next = StatePartialContinuation
			e.todoDowngrade = true
			e.debug("completion", fmt.Sprintf("success declaration downgraded to partial: %d unresolved todo item(s)", len(open)))
		}
	}

	e.transition(next, fmt.Sprintf("completion declared with status=%s", d.Status))
	return true
}

// HandleStepFinish is the turn-boundary decision point
func (e *Enforcer) HandleStepFinish(reason EndReason) StepAction {
	if !reason.terminatesTurn() {
		return ActionContinue
	}

	toolsThisTurn := e.toolsUsedThisTurn
	e.toolsUsedThisTurn = false

	// A partial declaration owes a continuation regardless of tool usage.
	if e.state == StatePartialContinuation {
		e.pendingContinuation = true
		return ActionPending
	}

	if e.profile.conversational(toolsThisTurn) {
		e.debug("step", "conversational turn, no completion declaration required")
		e.transition(StateDone, "conversational turn complete")
		return ActionComplete
	}

	if e.state == StateDone || e.state == StateBlocked {
		return ActionComplete
	}

	e.continuationAttempts++
	if e.continuationAttempts > e.cfg.MaxContinuationAttempts {
		e.transition(StateMaxRetriesReached, fmt.Sprintf("continuation attempts exhausted (%d)", e.cfg.MaxContinuationAttempts))
		return ActionComplete
	}

	e.pendingContinuation = true
	e.debug("step", fmt.Sprintf("turn ended without completion declaration, continuation %d/%d scheduled",
		e.continuationAttempts, e.cfg.MaxContinuationAttempts))
	return ActionPending
}

// HandleProcessExit reacts to the agent process exiting. It may invoke
// the continuation callback, which restarts the process with a prompt, or
// the finalize callback.
func (e *Enforcer) HandleProcessExit(ctx context.Context, exitCode int) error {
	if exitCode != 0 {
		// Never continue on a crashed process.
		e.debug("exit", fmt.Sprintf("process exited with code %d, finalizing", exitCode))
		if !e.state.Terminal() {
			e.transition(StateBlocked, "process crashed")
		}
		return e.finalize(ctx)
	}

	if e.state == StatePartialContinuation {
		return e.continuePartial(ctx)
	}

	if e.pendingContinuation && e.continuationAttempts <= e.cfg.MaxContinuationAttempts {
		e.pendingContinuation = false
		e.inContinuation = true
		e.transition(StateContinuationPending, "continuation reminder dispatched")
		return e.cfg.OnStartContinuation(ctx, buildMissingDeclarationPrompt())
	}

	return e.finalize(ctx)
}

// Reset clears all sticky flags, counters and snapshots so the enforcer
// can be reused for the next task without reconstruction.
func (e *Enforcer) Reset() {
	e.state = StateIdle
	e.profile = taskProfile{}
	e.todos = nil
	e.declaration = nil
	e.toolsUsedThisTurn = false
	e.todoDowngrade = false
	e.continuationAttempts = 0
	e.pendingContinuation = false
	e.inContinuation = false
	e.debug("reset", "enforcer reset to IDLE")
}

// continuePartial dispatches the continuation owed by a partial
// declaration, choosing the focused prompt when the partial state came
// from the todo-driven downgrade.
func (e *Enforcer) continuePartial(ctx context.Context) error {
	e.continuationAttempts++
	if e.continuationAttempts > e.cfg.MaxContinuationAttempts {
		e.transition(StateMaxRetriesReached, "partial continuation budget exhausted")
		return e.finalize(ctx)
	}

	var prompt string
	if e.todoDowngrade {
		prompt = buildFocusedTodoPrompt(e.todos)
	} else {
		var d Declaration
		if e.declaration != nil {
			d = *e.declaration
		}
		prompt = buildPartialContinuationPrompt(d)
	}

	e.pendingContinuation = false
	e.inContinuation = true
	e.transition(StateContinuationPending, "partial continuation dispatched")

	if err := e.cfg.OnStartContinuation(ctx, prompt); err != nil {
		return err
	}
	if e.continuationAttempts > e.cfg.MaxContinuationAttempts {
		return e.finalize(ctx)
	}
	return nil
}

func (e *Enforcer) finalize(ctx context.Context) error {
	e.inContinuation = false
	if e.cfg.OnComplete == nil {
		return nil
	}
	return e.cfg.OnComplete(ctx)
}

func (e *Enforcer) transition(next FlowState, why string) {
	if next == e.state {
		return
	}
	prev := e.state
	e.state = next
	if next.Terminal() {
		e.inContinuation = false
	}
	e.logger.Debug("Completion state transition",
		"from", string(prev),
		"to", string(next),
		"reason", why,
	)
	e.debug("state", fmt.Sprintf("%s -> %s: %s", prev, next, why))
}

func (e *Enforcer) unresolvedTodos() []TodoItem {
	var open []TodoItem
	for _, item := range e.todos {
		if !item.Status.Resolved() {
			open = append(open, item)
		}
	}
	return open
}

func (e *Enforcer) debug(category, message string) {
	if e.cfg.Debug != nil {
		e.cfg.Debug(category, message)
	}
}
