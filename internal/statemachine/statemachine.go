// Package statemachine implements the workflow evaluator of spec §4.3:
// definition validation, transition matching with guard evaluation, and the
// split between inline actions (mutate context directly) and enqueued
// actions (become tasks).
package statemachine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/r3e-network/workflow-engine/internal/apperr"
	"github.com/r3e-network/workflow-engine/internal/model"
	"github.com/r3e-network/workflow-engine/internal/runtime/script"
)

// GuardTimeout is the hard ceiling on guard evaluation (spec §4.3).
const GuardTimeout = 30 * time.Second

// Validate checks a state machine is well-formed: the initial state exists
// and every transition target exists (spec §3).
func Validate(sm *model.StateMachine) error {
	if len(sm.States) == 0 {
		return apperr.InvalidInput("state machine has no states")
	}
	if _, ok := sm.States[sm.InitialState]; !ok {
		return apperr.InvalidInput(fmt.Sprintf("initial state %q does not exist", sm.InitialState))
	}
	for name, st := range sm.States {
		for _, tr := range st.Transitions {
			if _, ok := sm.States[tr.TargetState]; !ok {
				return apperr.InvalidInput(fmt.Sprintf("state %q: transition on %q targets unknown state %q", name, tr.Event, tr.TargetState))
			}
		}
	}
	return nil
}

// MatchResult is the outcome of resolving a transition for an incoming
// event (spec §4.3's matching rule).
type MatchResult struct {
	Transition model.Transition
	FromState  model.State
	ToState    model.State
}

// Evaluator runs guards and actions against instance context.
type Evaluator struct {
	scriptEngine *script.Engine
}

func NewEvaluator(scriptEngine *script.Engine) *Evaluator {
	return &Evaluator{scriptEngine: scriptEngine}
}

// Match scans the current state's transitions in declaration order and
// returns the first one whose event matches and whose guard (if any)
// evaluates true. A guard that throws counts as false (spec §4.3).
func (e *Evaluator) Match(ctx context.Context, sm *model.StateMachine, fromState, event string, instCtx map[string]any) (*MatchResult, error) {
	st, ok := sm.States[fromState]
	if !ok {
		return nil, apperr.Internal(fmt.Sprintf("instance references unknown state %q", fromState), nil)
	}

	for _, tr := range st.Transitions {
		if tr.Event != event {
			continue
		}
		ok, err := e.evaluateGuard(ctx, tr.Guard, instCtx)
		if err != nil {
			continue // a throwing guard counts as false, not as a hard failure
		}
		if !ok {
			continue
		}
		target, exists := sm.States[tr.TargetState]
		if !exists {
			return nil, apperr.Internal(fmt.Sprintf("transition targets unknown state %q", tr.TargetState), nil)
		}
		return &MatchResult{Transition: tr, FromState: st, ToState: target}, nil
	}

	return nil, apperr.TransitionNotAllowed(fromState, event)
}

// evaluateGuard runs guard source as a predicate over instCtx. An empty
// guard is always true.
func (e *Evaluator) evaluateGuard(ctx context.Context, guard string, instCtx map[string]any) (bool, error) {
	if guard == "" {
		return true, nil
	}
	if e.scriptEngine == nil {
		return false, apperr.Runtime("no script engine configured for guard evaluation", nil)
	}

	input, err := json.Marshal(instCtx)
	if err != nil {
		return false, apperr.Internal("marshal instance context for guard", err)
	}

	source := "export default (ctx) => Boolean(" + guard + ")"
	res, err := e.scriptEngine.Execute(ctx, source, input, GuardTimeout)
	if err != nil {
		return false, err
	}
	b, _ := res.Value.(bool)
	return b, nil
}

// ApplyInline mutates instCtx in place for SetData/Log/NoOp actions (spec
// §4.3: these run inside the same transition transaction and never reach
// the queue).
func ApplyInline(action model.Action, instCtx map[string]any) {
	switch action.Kind {
	case model.ActionSetData:
		instCtx[action.Key] = action.Value
	case model.ActionLog, model.ActionNoOp:
		// no context mutation
	}
}

// IdempotencyKey derives a deterministic fingerprint for an enqueued action
// so retries of the same (instance, position, attempt) never double-execute
// an external effect (spec §4.3: hash(instance_id ‖ action_position ‖
// attempt_nonce)).
func IdempotencyKey(instanceID string, actionPosition int, attemptNonce string) string {
	return HashString(fmt.Sprintf("%s:%d:%s", instanceID, actionPosition, attemptNonce))
}
