package statemachine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/workflow-engine/internal/apperr"
	"github.com/r3e-network/workflow-engine/internal/model"
	"github.com/r3e-network/workflow-engine/internal/runtime/script"
)

func unaryMachine() *model.StateMachine {
	return &model.StateMachine{
		InitialState: "start",
		States: map[string]model.State{
			"start": {
				Name: "start",
				Transitions: []model.Transition{
					{Event: "finish", TargetState: "end"},
				},
			},
			"end": {Name: "end", Terminal: true},
		},
	}
}

func TestValidateRejectsUnknownInitialState(t *testing.T) {
	sm := &model.StateMachine{InitialState: "missing", States: map[string]model.State{"a": {Name: "a"}}}
	err := Validate(sm)
	require.Error(t, err)
	require.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestValidateRejectsTransitionToUnknownTarget(t *testing.T) {
	sm := &model.StateMachine{
		InitialState: "a",
		States: map[string]model.State{
			"a": {Name: "a", Transitions: []model.Transition{{Event: "go", TargetState: "ghost"}}},
		},
	}
	err := Validate(sm)
	require.Error(t, err)
}

func TestValidateRejectsEmptyStateMachine(t *testing.T) {
	sm := &model.StateMachine{}
	require.Error(t, Validate(sm))
}

func TestValidateAcceptsWellFormedMachine(t *testing.T) {
	require.NoError(t, Validate(unaryMachine()))
}

func TestMatchReturnsFirstMatchingTransitionWithoutGuard(t *testing.T) {
	e := NewEvaluator(nil)
	sm := unaryMachine()

	res, err := e.Match(context.Background(), sm, "start", "finish", map[string]any{})
	require.NoError(t, err)
	require.Equal(t, "end", res.Transition.TargetState)
}

func TestMatchFailsWithTransitionNotAllowedOnUnknownEvent(t *testing.T) {
	e := NewEvaluator(nil)
	sm := unaryMachine()

	_, err := e.Match(context.Background(), sm, "start", "nope", map[string]any{})
	require.Error(t, err)
	require.Equal(t, apperr.KindTransitionNotAllowed, apperr.KindOf(err))
}

func TestMatchEvaluatesGuardAndSkipsWhenFalse(t *testing.T) {
	sm := &model.StateMachine{
		InitialState: "start",
		States: map[string]model.State{
			"start": {
				Name: "start",
				Transitions: []model.Transition{
					{Event: "go", Guard: "ctx.n > 10", TargetState: "big"},
					{Event: "go", TargetState: "small"},
				},
			},
			"big":   {Name: "big", Terminal: true},
			"small": {Name: "small", Terminal: true},
		},
	}
	e := NewEvaluator(script.NewEngine(2))

	res, err := e.Match(context.Background(), sm, "start", "go", map[string]any{"n": float64(1)})
	require.NoError(t, err)
	require.Equal(t, "small", res.Transition.TargetState, "guard false must fall through to the next candidate")

	res, err = e.Match(context.Background(), sm, "start", "go", map[string]any{"n": float64(100)})
	require.NoError(t, err)
	require.Equal(t, "big", res.Transition.TargetState)
}

func TestMatchTreatsThrowingGuardAsFalse(t *testing.T) {
	sm := &model.StateMachine{
		InitialState: "start",
		States: map[string]model.State{
			"start": {
				Name: "start",
				Transitions: []model.Transition{
					{Event: "go", Guard: "ctx.missing.field", TargetState: "a"},
					{Event: "go", TargetState: "b"},
				},
			},
			"a": {Name: "a", Terminal: true},
			"b": {Name: "b", Terminal: true},
		},
	}
	e := NewEvaluator(script.NewEngine(2))

	res, err := e.Match(context.Background(), sm, "start", "go", map[string]any{})
	require.NoError(t, err)
	require.Equal(t, "b", res.Transition.TargetState)
}

func TestApplyInlineSetDataMutatesContext(t *testing.T) {
	ctx := map[string]any{}
	ApplyInline(model.Action{Kind: model.ActionSetData, Key: "k", Value: "v"}, ctx)
	require.Equal(t, "v", ctx["k"])
}

func TestIdempotencyKeyIsDeterministicPerInputs(t *testing.T) {
	k1 := IdempotencyKey("inst-1", 0, "nonce-a")
	k2 := IdempotencyKey("inst-1", 0, "nonce-a")
	k3 := IdempotencyKey("inst-1", 0, "nonce-b")
	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, k3)
}

func TestToTaskDefinitionMapsScriptAction(t *testing.T) {
	def, err := ToTaskDefinition(model.Action{Kind: model.ActionScript, Code: "export default (x)=>x"})
	require.NoError(t, err)
	require.Equal(t, model.RuntimeJavaScript, def.RuntimeType)
	require.Equal(t, "export default (x)=>x", string(def.CodeBytes))
}
