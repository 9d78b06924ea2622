// Package lifecycle tracks each channel's conceptual progress through
// the orchestrator: unseen, entered, capturing, trapped, handed off,
// terminated.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"
)

// States.
const (
	StateUnseen     = "unseen"
	StateEntered    = "entered"
	StateCapturing  = "capturing"
	StateTrapped    = "trapped"
	StateHandedOff  = "handed_off"
	StateTerminated = "terminated"
)

// Events.
const (
	EventEnter     = "enter"
	EventCapture   = "capture"
	EventTrap      = "trap"
	EventFree      = "free"
	EventHandOff   = "handoff"
	EventTerminate = "terminate"
)

// ErrInvalidEvent is returned when an event does not apply to the
// channel's current state.
var ErrInvalidEvent = errors.New("event not valid in current state")

// Result describes what a Fire call did.
type Result struct {
	From    string
	To      string
	Changed bool
}

// ChangeFunc observes transitions.
type ChangeFunc func(channelID, from, to string)

// Machine is one channel's state machine.
type Machine struct {
	channelID string
	mu        sync.Mutex
	fsm       *fsm.FSM
}

func newMachine(channelID string, onChange ChangeFunc) *Machine {
	m := &Machine{channelID: channelID}
	m.fsm = fsm.NewFSM(
		StateUnseen,
		fsm.Events{
			{Name: EventEnter, Src: []string{StateUnseen}, Dst: StateEntered},
			{Name: EventCapture, Src: []string{StateEntered, StateTrapped, StateHandedOff}, Dst: StateCapturing},
			{Name: EventTrap, Src: []string{StateEntered, StateHandedOff}, Dst: StateTrapped},
			{Name: EventFree, Src: []string{StateTrapped}, Dst: StateEntered},
			{Name: EventHandOff, Src: []string{StateEntered, StateCapturing, StateTrapped}, Dst: StateHandedOff},
			{Name: EventTerminate, Src: []string{StateUnseen, StateEntered, StateCapturing, StateTrapped, StateHandedOff}, Dst: StateTerminated},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				slog.Debug("[Lifecycle] Channel transition",
					"channel_id", channelID,
					"event", e.Event,
					"from", e.Src,
					"to", e.Dst,
				)
				if onChange != nil {
					onChange(channelID, e.Src, e.Dst)
				}
			},
		},
	)
	return m
}

// State returns the current state.
func (m *Machine) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Current()
}

// Can reports whether event would apply now.
func (m *Machine) Can(event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Can(event)
}

// Fire applies event. An event that leaves the channel where it already
// is (a duplicate delivery) is a no-op, not an error. Events after
// termination are ignored.
func (m *Machine) Fire(ctx context.Context, event string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.fsm.Current()
	if from == StateTerminated {
		return Result{From: from, To: from}, nil
	}
	if !m.fsm.Can(event) && destinationOf(event) == from {
		return Result{From: from, To: from}, nil
	}

	err := m.fsm.Event(ctx, event)
	to := m.fsm.Current()
	if err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return Result{From: from, To: to}, nil
		}
		var invalid fsm.InvalidEventError
		if errors.As(err, &invalid) {
			return Result{From: from, To: to}, fmt.Errorf("%w: %s in %s (channel %s)", ErrInvalidEvent, event, from, m.channelID)
		}
		return Result{From: from, To: to}, fmt.Errorf("lifecycle %s: %w", m.channelID, err)
	}
	return Result{From: from, To: to, Changed: from != to}, nil
}

func destinationOf(event string) string {
	switch event {
	case EventEnter, EventFree:
		return StateEntered
	case EventCapture:
		return StateCapturing
	case EventTrap:
		return StateTrapped
	case EventHandOff:
		return StateHandedOff
	case EventTerminate:
		return StateTerminated
	}
	return ""
}

// Tracker holds one machine per live channel.
type Tracker struct {
	mu       sync.Mutex
	machines map[string]*Machine
	onChange ChangeFunc
}

// NewTracker creates a tracker. onChange may be nil.
func NewTracker(onChange ChangeFunc) *Tracker {
	return &Tracker{machines: make(map[string]*Machine), onChange: onChange}
}

// Machine returns the channel's machine, creating it in unseen.
func (t *Tracker) Machine(channelID string) *Machine {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.machines[channelID]
	if !ok {
		m = newMachine(channelID, t.onChange)
		t.machines[channelID] = m
	}
	return m
}

// Fire applies event to channelID's machine.
func (t *Tracker) Fire(ctx context.Context, channelID, event string) (Result, error) {
	return t.Machine(channelID).Fire(ctx, event)
}

// State returns the channel's state, or unseen if untracked.
func (t *Tracker) State(channelID string) string {
	t.mu.Lock()
	m, ok := t.machines[channelID]
	t.mu.Unlock()
	if !ok {
		return StateUnseen
	}
	return m.State()
}

// Forget drops a channel's machine.
func (t *Tracker) Forget(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.machines, channelID)
}

// Counts returns the number of tracked channels per state.
func (t *Tracker) Counts() map[string]int {
	t.mu.Lock()
	machines := make([]*Machine, 0, len(t.machines))
	for _, m := range t.machines {
		machines = append(machines, m)
	}
	t.mu.Unlock()

	out := make(map[string]int)
	for _, m := range machines {
		out[m.State()]++
	}
	return out
}
