// Package guard holds the conversational guard state machine: the current
// guard state, the single pending-confirmation slot, and the authority gate
// that decides whether a routed command may execute.
//
// A Tracker is not internally synchronized. Each active conversation must
// own its own instance; concurrent conversations never share one.
package guard

import (
	"fmt"

	"github.com/voxcore/voxcore/internal/ids"
	"github.com/voxcore/voxcore/internal/model"
	"github.com/voxcore/voxcore/internal/router"
)

// State is the conversational guard state. Non-terminal and cyclic: every
// state can return to Default via an explicit exit command.
type State int

const (
	Default State = iota
	Conversation
	Action
	Research
	Planning
	CommandLock
)

var stateNames = [...]string{
	Default:      "DEFAULT",
	Conversation: "CONVERSATION",
	Action:       "ACTION",
	Research:     "RESEARCH",
	Planning:     "PLANNING",
	CommandLock:  "COMMAND_LOCK",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// PendingCommand is a command waiting for explicit confirmation. At most one
// is alive per Tracker; starting a new one discards the previous.
type PendingCommand struct {
	CommandID      string
	AuthorityLevel int
	Decision       router.Decision
	ChainID        string
}

// EventSink receives trace events emitted by the tracker (confirm.requested,
// confirm.received). Emission is best-effort: the tracker ignores the
// returned error, so a failing sink never affects authorization.
type EventSink func(eventType model.EventType, payload map[string]any) error

// Tracker tracks guard state and command confirmations for one conversation.
type Tracker struct {
	state        State
	pending      *PendingCommand
	lastLevel2   *PendingCommand
	chainLevel   int // 0 = no confirmation chain open
	stateInRound State
	inRound      bool
	sink         EventSink
}

// NewTracker returns a tracker in the Default state.
func NewTracker() *Tracker {
	return &Tracker{state: Default}
}

// SetEventSink installs the best-effort trace sink. A nil sink disables
// emission.
func (t *Tracker) SetEventSink(sink EventSink) { t.sink = sink }

func (t *Tracker) emit(eventType model.EventType, payload map[string]any) {
	if t.sink == nil {
		return
	}
	// Best-effort: trace failures never abort authorization.
	_ = t.sink(eventType, payload)
}

// State returns the current guard state.
func (t *Tracker) State() State { return t.state }

// Pending returns the pending confirmation, or nil.
func (t *Tracker) Pending() *PendingCommand { return t.pending }

// ChainLevel returns the authority level of the open confirmation chain,
// 0 when none is open.
func (t *Tracker) ChainLevel() int { return t.chainLevel }

// EnterState transitions to a new state, clearing the pending confirmation
// and any open chain.
func (t *Tracker) EnterState(target State) {
	t.state = target
	t.pending = nil
	t.chainLevel = 0
}

// CaptureStateIn snapshots the state at round start and returns its name.
// The snapshot is held until the round is marked complete.
func (t *Tracker) CaptureStateIn() string {
	t.stateInRound = t.state
	t.inRound = true
	return t.stateInRound.String()
}

// StateOut returns the current state name for the round footer.
func (t *Tracker) StateOut() string { return t.state.String() }

// AssertStateUnchanged enforces the round-scoped invariant: if the state
// drifted from the round-start snapshot before the round completed, it is
// forcibly reverted. Guards against re-entrant mutation mid-round.
func (t *Tracker) AssertStateUnchanged() {
	if t.inRound && t.state != t.stateInRound {
		t.state = t.stateInRound
	}
}

// EndRound releases the round-start snapshot.
func (t *Tracker) EndRound() { t.inRound = false }

// StartPending registers a pending confirmation for the decision's command,
// replacing any previous pending. Returns the user-facing prompt.
func (t *Tracker) StartPending(d router.Decision, chainID string) string {
	t.pending = &PendingCommand{
		CommandID:      d.CommandID,
		AuthorityLevel: d.AuthorityLevel,
		Decision:       d,
		ChainID:        chainID,
	}
	return fmt.Sprintf("Command `%s` requires confirmation.", d.CommandID)
}

// ConfirmPending consumes and returns the pending confirmation, or nil when
// nothing is pending.
func (t *Tracker) ConfirmPending() *PendingCommand {
	p := t.pending
	t.pending = nil
	return p
}

// ClearPending drops the pending confirmation without consuming it.
func (t *Tracker) ClearPending() { t.pending = nil }

// RegisterLevel2 records the last level-2 action for a later single-step
// undo. Single slot, non-stacking.
func (t *Tracker) RegisterLevel2(d router.Decision) {
	t.lastLevel2 = &PendingCommand{
		CommandID:      d.CommandID,
		AuthorityLevel: d.AuthorityLevel,
		Decision:       d,
	}
}

// UndoLast clears and returns the last registered level-2 command id, or ""
// when there is nothing to undo. The caller reverses the command's effect.
func (t *Tracker) UndoLast() string {
	entry := t.lastLevel2
	t.lastLevel2 = nil
	if entry == nil {
		return ""
	}
	return entry.CommandID
}

// allowedInState gates execution by current state: Default and Conversation
// allow everything, other states only authority levels at or below 2.
func (t *Tracker) allowedInState(authority int) bool {
	if t.state == Default || t.state == Conversation {
		return true
	}
	return authority <= 2
}

// Authorize gates a command-type decision. It never executes anything
// itself: a false result carries the user-facing reason, and for authority
// levels 3 and 4 execution only happens after the caller re-submits or
// explicitly confirms. Non-command decisions are always allowed.
func (t *Tracker) Authorize(d router.Decision) (allowed bool, reason string) {
	if d.Type != router.RouteCommand {
		return true, ""
	}
	authority := d.AuthorityLevel
	if authority < 1 {
		authority = 1
	}
	chainID := d.Macro
	if chainID == "" {
		chainID = d.ChainID
	}
	if chainID == "" {
		chainID = ids.NewCallID()
	}

	// A stricter chain already open wins before any pending-state logic.
	if t.chainLevel > 0 && authority > t.chainLevel {
		return false, "A stricter confirmation chain is already open."
	}
	if authority > t.chainLevel {
		t.chainLevel = authority
	}

	if !t.allowedInState(authority) {
		return false, "Commands are locked in the current state."
	}

	switch {
	case authority >= 4:
		// Two confirmations: first submission arms the pending, an
		// identical second submission re-arms it, and only the explicit
		// confirm that follows releases execution.
		if t.pending == nil || t.pending.CommandID != d.CommandID {
			t.chainLevel = authority
			t.StartPending(d, chainID)
			t.emit(model.EventConfirmRequested, map[string]any{
				"chain_id":   chainID,
				"command_id": d.CommandID,
				"auth_level": authority,
				"summary":    "double confirm step 1",
			})
			return false, fmt.Sprintf("Please confirm `%s` (step 1 of 2).", d.CommandID)
		}
		t.StartPending(d, chainID)
		t.emit(model.EventConfirmRequested, map[string]any{
			"chain_id":   chainID,
			"command_id": d.CommandID,
			"auth_level": authority,
			"summary":    "double confirm step 2",
		})
		return false, fmt.Sprintf("Please confirm `%s` again (step 2 of 2).", d.CommandID)

	case authority == 3:
		if t.pending == nil || t.pending.CommandID != d.CommandID {
			t.chainLevel = authority
			t.StartPending(d, chainID)
			t.emit(model.EventConfirmRequested, map[string]any{
				"chain_id":   chainID,
				"command_id": d.CommandID,
				"auth_level": authority,
				"summary":    "confirm",
			})
			return false, fmt.Sprintf("Confirm `%s` before running.", d.CommandID)
		}
		// Matching pending: allowed. The pending is intentionally left set
		// to match the reference behavior; a later command with the same
		// id will be treated as pre-confirmed unless the caller clears it
		// at round end. See DESIGN.md.

	case authority == 2:
		t.RegisterLevel2(d)
	}

	return true, ""
}

// ApplyTransition handles the explicit state commands (confirm, exit). It
// returns the user-facing message and, for a confirm, the consumed pending
// command so the caller can apply its effect. An empty message means the
// decision is not a state transition and normal processing continues.
func (t *Tracker) ApplyTransition(d router.Decision) (msg string, consumed *PendingCommand) {
	switch d.CommandID {
	case "state.confirm":
		pending := t.ConfirmPending()
		if pending == nil {
			t.emit(model.EventConfirmReceived, map[string]any{
				"confirmation_id": ids.NewCallID(),
				"accepted":        false,
				"channel":         "voice",
			})
			return "Nothing pending to confirm.", nil
		}
		t.emit(model.EventConfirmReceived, map[string]any{
			"confirmation_id": ids.NewCallID(),
			"chain_id":        pending.ChainID,
			"accepted":        true,
			"channel":         "voice",
		})
		switch pending.CommandID {
		case "state.enter_conversation":
			t.EnterState(Conversation)
			return "Conversation mode engaged.", pending
		case "state.enter_planning":
			t.EnterState(Planning)
			return "Planning mode locked.", pending
		}
		return "", pending

	case "state.exit":
		t.EnterState(Default)
		return "Returned to default state.", nil
	}
	return "", nil
}
