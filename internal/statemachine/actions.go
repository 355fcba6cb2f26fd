package statemachine

import (
	"encoding/json"

	"github.com/r3e-network/workflow-engine/internal/model"
)

// ToTaskDefinition converts an enqueueable action (ExecuteTask, Script,
// Http, Delay) into the TaskDefinition its runtime_type expects. SetData,
// Log, and NoOp are inline and never reach this function (spec §3, §4.3).
func ToTaskDefinition(action model.Action) (model.TaskDefinition, error) {
	switch action.Kind {
	case model.ActionExecuteTask:
		return *action.Task, nil

	case model.ActionScript:
		return model.TaskDefinition{
			Name:        "script-action",
			RuntimeType: model.RuntimeJavaScript,
			CodeBytes:   []byte(action.Code),
			TimeoutMs:   30_000,
		}, nil

	case model.ActionHTTP:
		httpScript := httpActionScript(action)
		return model.TaskDefinition{
			Name:        "http-action",
			RuntimeType: model.RuntimeJavaScript,
			CodeBytes:   []byte(httpScript),
			TimeoutMs:   30_000,
		}, nil

	case model.ActionDelay:
		delayScript := delayActionScript(action.Seconds)
		return model.TaskDefinition{
			Name:        "delay-action",
			RuntimeType: model.RuntimeJavaScript,
			CodeBytes:   []byte(delayScript),
			TimeoutMs:   int64(action.Seconds)*1000 + 5_000,
		}, nil

	default:
		return model.TaskDefinition{}, nil
	}
}

// httpActionScript wraps an Http action's fields as a script task whose
// result is the request description (method, url, headers, body). The
// script runtime's builtins provide no fetch shim, so neither the engine nor
// the worker sends the HTTP request.
func httpActionScript(action model.Action) string {
	headers, _ := json.Marshal(action.Headers)
	return "export default (ctx) => ({ method: " + jsonString(action.Method) +
		", url: " + jsonString(action.URL) +
		", headers: " + string(headers) +
		", body: " + jsonString(action.Body) + " })"
}

func delayActionScript(seconds int) string {
	return "export default (ctx) => ({ delayed_seconds: " + jsonNumber(seconds) + " })"
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func jsonNumber(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}
