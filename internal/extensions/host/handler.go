package host

import (
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"

	"github.com/apex-build/sheetext-host/internal/extensions"
	"github.com/apex-build/sheetext-host/internal/extensions/events"
	"github.com/apex-build/sheetext-host/internal/extensions/sandbox"
	"github.com/apex-build/sheetext-host/internal/extensions/worker"
)

// newHandler builds the worker.Handler for one extension: it loads the
// main module on activate, builds the context object activate(context)
// registers commands/custom functions/data connectors/event listeners
// against, and routes every later message to the matching registered
// callable. Grounded on spec §4.3/§4.4's description of the protocol
// rather than any teacher file, since the teacher has no comparable
// extension-activation contract; the VSCode-style "activate(context)
// registers handlers on context, deactivate() tears them down" shape is
// the one spec.md's own wording names directly.
func newHandler(reg *registrations, manifest *extensions.Manifest) worker.Handler {
	return func(sb *sandbox.Sandbox, msgType worker.MessageType, payload json.RawMessage) (json.RawMessage, error) {
		switch msgType {
		case worker.MsgActivate:
			return nil, handleActivate(sb, reg, manifest)
		case worker.MsgExecuteCommand:
			return handleNamedCall(sb, reg.command, payload, "command")
		case worker.MsgInvokeCustomFunction:
			return handleNamedCall(sb, reg.customFunction, payload, "name")
		case worker.MsgInvokeDataConnector:
			return handleNamedCall(sb, reg.dataConnector, payload, "id")
		case worker.MsgDeliverEvent:
			return handleDeliverEvent(sb, reg, payload)
		case worker.MsgDispose:
			return nil, handleDispose(sb, reg)
		default:
			return nil, fmt.Errorf("host: unrecognized message type %q", msgType)
		}
	}
}

func handleActivate(sb *sandbox.Sandbox, reg *registrations, manifest *extensions.Manifest) error {
	exportsVal, err := sb.RunMain(manifest.Main)
	if err != nil {
		return err
	}
	obj := exportsVal.ToObject(sb.Runtime())
	activateVal := obj.Get("activate")
	if activateVal == nil || goja.IsUndefined(activateVal) {
		return &extensions.SandboxPolicyError{Detail: fmt.Sprintf("extension %s's main module does not export activate(context)", manifest.ID())}
	}
	activateFn, ok := goja.AssertFunction(activateVal)
	if !ok {
		return &extensions.SandboxPolicyError{Detail: fmt.Sprintf("extension %s's activate export is not a function", manifest.ID())}
	}

	ctxObj := buildContext(sb, reg)
	_, err = sb.Call(activateFn, goja.Undefined(), ctxObj)
	if err != nil {
		return err
	}

	if deactivateVal := obj.Get("deactivate"); deactivateVal != nil && !goja.IsUndefined(deactivateVal) {
		if fn, ok := goja.AssertFunction(deactivateVal); ok {
			reg.setDeactivate(fn)
		}
	}
	return nil
}

// buildContext builds the object passed to activate(context): one
// registration method per contribution kind, each installing the given JS
// function into reg so later messages can find and call it. Extension
// code reaches the privileged cell/sheet/storage/network API separately,
// via require('apex:extension-api'); context exists only for
// registration, mirroring VSCode's ExtensionContext/subscription idiom.
func buildContext(sb *sandbox.Sandbox, reg *registrations) *goja.Object {
	rt := sb.Runtime()
	ctx := rt.NewObject()

	ctx.Set("registerCommand", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		fn, ok := goja.AssertFunction(call.Argument(1))
		if ok {
			reg.setCommand(id, fn)
		}
		return goja.Undefined()
	})

	ctx.Set("registerCustomFunction", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		fn, ok := goja.AssertFunction(call.Argument(1))
		if ok {
			reg.setCustomFunction(name, fn)
		}
		return goja.Undefined()
	})

	ctx.Set("registerDataConnector", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		fn, ok := goja.AssertFunction(call.Argument(1))
		if ok {
			reg.setDataConnector(id, fn)
		}
		return goja.Undefined()
	})

	ctx.Set("onEvent", func(call goja.FunctionCall) goja.Value {
		kind := events.Kind(call.Argument(0).String())
		fn, ok := goja.AssertFunction(call.Argument(1))
		if ok {
			reg.setEventListener(kind, fn)
		}
		return goja.Undefined()
	})

	return ctx
}

// handleNamedCall looks up and invokes the registered callable for the
// name carried in payload[field], marshaling its argument list through.
func handleNamedCall(sb *sandbox.Sandbox, lookup func(string) (goja.Callable, bool), payload json.RawMessage, field string) (json.RawMessage, error) {
	var call struct {
		Command string            `json:"command"`
		Name    string            `json:"name"`
		ID      string            `json:"id"`
		Args    []json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(payload, &call); err != nil {
		return nil, &extensions.ShapeError{Detail: "invalid call payload"}
	}
	var key string
	switch field {
	case "command":
		key = call.Command
	case "name":
		key = call.Name
	case "id":
		key = call.ID
	}

	fn, ok := lookup(key)
	if !ok {
		return nil, &extensions.ShapeError{Detail: fmt.Sprintf("no handler registered for %q", key)}
	}

	rt := sb.Runtime()
	args := make([]goja.Value, len(call.Args))
	for i, raw := range call.Args {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &extensions.ShapeError{Detail: "invalid call argument"}
		}
		args[i] = rt.ToValue(v)
	}

	result, err := sb.Call(fn, goja.Undefined(), args...)
	if err != nil {
		return nil, err
	}
	if result == nil || goja.IsUndefined(result) {
		return nil, nil
	}
	out, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("host: marshal handler result: %w", err)
	}
	return out, nil
}

func handleDeliverEvent(sb *sandbox.Sandbox, reg *registrations, payload json.RawMessage) (json.RawMessage, error) {
	var evt struct {
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, &extensions.ShapeError{Detail: "invalid event payload"}
	}
	fn, ok := reg.eventListener(events.Kind(evt.Kind))
	if !ok {
		return nil, nil
	}

	var v interface{}
	if len(evt.Payload) > 0 {
		if err := json.Unmarshal(evt.Payload, &v); err != nil {
			return nil, &extensions.ShapeError{Detail: "invalid event payload"}
		}
	}

	rt := sb.Runtime()
	_, err := sb.Call(fn, goja.Undefined(), rt.ToValue(v))
	return nil, err
}

func handleDispose(sb *sandbox.Sandbox, reg *registrations) error {
	fn, ok := reg.deactivateFn()
	if !ok {
		return nil
	}
	_, err := sb.Call(fn, goja.Undefined())
	return err
}
