package actor

import (
	"context"

	"github.com/looplab/fsm"
)

// Lifecycle phases of an actor. Every evaluation moves through
// idle -> evaluating -> faulted|healthy|invalid -> idle.
const (
	PhaseIdle       = "idle"
	PhaseEvaluating = "evaluating"
	PhaseFaulted    = "faulted"
	PhaseHealthy    = "healthy"
	PhaseInvalid    = "invalid"
)

const (
	EventEvaluate = "evaluate"
	EventFault    = "fault"
	EventPass     = "pass"
	EventFail     = "fail"
	EventSettle   = "settle"
)

func newLifecycle(initial string, onEnter func(from, to string)) *fsm.FSM {
	return fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: EventEvaluate, Src: []string{PhaseIdle}, Dst: PhaseEvaluating},
			{Name: EventFault, Src: []string{PhaseEvaluating}, Dst: PhaseFaulted},
			{Name: EventPass, Src: []string{PhaseEvaluating}, Dst: PhaseHealthy},
			{Name: EventFail, Src: []string{PhaseEvaluating}, Dst: PhaseInvalid},
			{Name: EventSettle, Src: []string{PhaseFaulted, PhaseHealthy, PhaseInvalid}, Dst: PhaseIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onEnter != nil {
					onEnter(e.Src, e.Dst)
				}
			},
		},
	)
}
