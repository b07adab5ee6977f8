package host

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/apex-build/sheetext-host/internal/extensions"
	"github.com/apex-build/sheetext-host/internal/extensions/events"
	"github.com/apex-build/sheetext-host/internal/extensions/worker"
	"github.com/apex-build/sheetext-host/internal/logging"
)

func logActivationFailure(id extensions.ExtensionID, err error) {
	logging.S().Warnw("extension activation failed", "extension", id, "error", err)
}

// Startup activates every extension declaring onStartupFinished in
// parallel, then broadcasts workbookOpened once they've all settled
// (spec §5: "in parallel, activate every extension whose activationEvents
// contain onStartupFinished; then broadcast a workbookOpened event").
// A single extension's activation failure is logged and does not stop the
// others or the broadcast — startup failures surface per-extension, not
// as a host-wide fault.
func (h *Host) Startup(ctx context.Context) {
	h.mu.RLock()
	var ids []extensions.ExtensionID
	for id, r := range h.records {
		if hasStartupActivation(r.manifest) {
			ids = append(ids, id)
		}
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id extensions.ExtensionID) {
			defer wg.Done()
			if err := h.ensureActive(ctx, id); err != nil {
				logActivationFailure(id, err)
			}
		}(id)
	}
	wg.Wait()

	active, _ := h.spreadsheetApi().GetActiveSheet()
	h.opts.Events.Broadcast(ctx, events.Event{Kind: events.KindWorkbookOpened, Payload: map[string]interface{}{"activeSheet": active}})
}

// ActivateView broadcasts viewActivated to every currently active
// extension, then activates (if needed) every extension declaring
// onView:<viewId> and delivers the event to it directly — the general
// broadcast above necessarily misses an extension that was still
// inactive at broadcast time (spec §5: "never gate this event on a
// single extension's activation success").
func (h *Host) ActivateView(ctx context.Context, viewID string) {
	h.opts.Events.Broadcast(ctx, events.Event{Kind: events.KindViewActivated, Payload: map[string]interface{}{"viewId": viewID}})

	h.mu.RLock()
	var toActivate []extensions.ExtensionID
	for id, r := range h.records {
		if hasActivationEvent(r.manifest, extensions.ActivationOnView, viewID) {
			toActivate = append(toActivate, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range toActivate {
		if err := h.ensureActive(ctx, id); err != nil {
			logActivationFailure(id, err)
			continue
		}
		r, ok := h.recordFor(id)
		if !ok {
			continue
		}
		r.mu.Lock()
		w := r.w
		r.mu.Unlock()
		if w == nil {
			continue
		}
		payload, _ := json.Marshal(struct {
			Kind    events.Kind `json:"kind"`
			Payload interface{} `json:"payload"`
		}{Kind: events.KindViewActivated, Payload: map[string]interface{}{"viewId": viewID}})
		if _, err := w.Send(ctx, worker.MsgDeliverEvent, payload); err != nil {
			logging.S().Warnw("viewActivated delivery failed", "extension", id, "error", err)
		}
	}
}

// ExecuteCommand resolves command's owning extension, activates it if
// needed (requiring a matching onCommand activation event when inactive),
// and awaits its result (spec §5).
func (h *Host) ExecuteCommand(ctx context.Context, command string, args []interface{}) (json.RawMessage, error) {
	id, ok := h.commandOwner(command)
	if !ok {
		return nil, &extensions.ShapeError{Detail: fmt.Sprintf("no extension contributes command %q", command)}
	}
	if err := h.ensureActivatedFor(ctx, id, extensions.ActivationOnCommand, command); err != nil {
		return nil, err
	}
	w, err := h.activeWorker(id)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(struct {
		Command string        `json:"command"`
		Args    []interface{} `json:"args"`
	}{Command: command, Args: args})
	if err != nil {
		return nil, err
	}
	return w.Send(ctx, worker.MsgExecuteCommand, payload)
}

// InvokeCustomFunction resolves name's owning extension the same way
// ExecuteCommand does, for onCustomFunction activation.
func (h *Host) InvokeCustomFunction(ctx context.Context, name string, args []interface{}) (json.RawMessage, error) {
	id, ok := h.customFunctionOwner(name)
	if !ok {
		return nil, &extensions.ShapeError{Detail: fmt.Sprintf("no extension contributes custom function %q", name)}
	}
	if err := h.ensureActivatedFor(ctx, id, extensions.ActivationOnCustomFunction, name); err != nil {
		return nil, err
	}
	w, err := h.activeWorker(id)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(struct {
		Name string        `json:"name"`
		Args []interface{} `json:"args"`
	}{Name: name, Args: args})
	if err != nil {
		return nil, err
	}
	return w.Send(ctx, worker.MsgInvokeCustomFunction, payload)
}

// InvokeDataConnector resolves id's owning extension the same way
// ExecuteCommand does, for onDataConnector activation.
func (h *Host) InvokeDataConnector(ctx context.Context, connectorID string, args []interface{}) (json.RawMessage, error) {
	id, ok := h.dataConnectorOwner(connectorID)
	if !ok {
		return nil, &extensions.ShapeError{Detail: fmt.Sprintf("no extension contributes data connector %q", connectorID)}
	}
	if err := h.ensureActivatedFor(ctx, id, extensions.ActivationOnDataConnector, connectorID); err != nil {
		return nil, err
	}
	w, err := h.activeWorker(id)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(struct {
		ID   string        `json:"id"`
		Args []interface{} `json:"args"`
	}{ID: connectorID, Args: args})
	if err != nil {
		return nil, err
	}
	return w.Send(ctx, worker.MsgInvokeDataConnector, payload)
}

// ensureActivatedFor activates id if inactive, requiring that its
// manifest actually declares the matching activation event before doing
// so (spec §5: resolving an id never implicitly activates an extension
// that never opted into that trigger).
func (h *Host) ensureActivatedFor(ctx context.Context, id extensions.ExtensionID, kind extensions.ActivationEventKind, target string) error {
	r, ok := h.recordFor(id)
	if !ok {
		return &extensions.ManifestError{Reason: fmt.Sprintf("extension %s is not loaded", id)}
	}
	r.mu.Lock()
	alreadyActive := r.w != nil && r.w.State() == worker.StateActive
	r.mu.Unlock()
	if alreadyActive {
		return nil
	}
	if !hasActivationEvent(r.manifest, kind, target) {
		return &extensions.ShapeError{Detail: fmt.Sprintf("extension %s does not declare activation event %s:%s", id, kind, target)}
	}
	return h.ensureActive(ctx, id)
}

func (h *Host) activeWorker(id extensions.ExtensionID) (*worker.Worker, error) {
	r, ok := h.recordFor(id)
	if !ok {
		return nil, &extensions.ManifestError{Reason: fmt.Sprintf("extension %s is not loaded", id)}
	}
	r.mu.Lock()
	w := r.w
	r.mu.Unlock()
	if w == nil {
		return nil, &extensions.ExtensionWorkerTerminatedError{}
	}
	return w, nil
}

// ResetExtensionState clears id's persisted permission grants and storage
// without unloading it, used by the host's "reset this extension"
// administrative action. Configuration overrides held by the ConfigStore
// are left as they are.
func (h *Host) ResetExtensionState(id extensions.ExtensionID) error {
	if err := h.opts.Dispatcher.Perms.Reset(id); err != nil {
		return err
	}
	if h.opts.Dispatcher.Storage != nil {
		if err := h.opts.Dispatcher.Storage.DeleteAll(id); err != nil {
			return err
		}
	}
	return nil
}
