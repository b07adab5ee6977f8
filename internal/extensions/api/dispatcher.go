// Package api implements the ApiDispatcher (spec §4.5): the single entry
// point every api_call from a worker passes through on its way to the
// spreadsheet collaborator or host-local state. The static
// method-name -> {requiredPerms, handler} table (built once at init, per
// the Design Note against per-call reflection) mirrors the teacher's
// package-level static dispatch maps elsewhere in the codebase (e.g. the
// model-routing table in internal/ai), checked before the handler runs
// rather than reflected over.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/apex-build/sheetext-host/internal/extensions"
	"github.com/apex-build/sheetext-host/internal/extensions/a1"
	"github.com/apex-build/sheetext-host/internal/extensions/permissions"
	"github.com/apex-build/sheetext-host/internal/extensions/sandbox"
	"github.com/apex-build/sheetext-host/internal/extensions/spreadsheetapi"
)

// EventEmitter is the narrow slice of events.Broadcaster the dispatcher
// needs, kept as an interface here so this package never imports events
// (events does not need to import api either — host wires the concrete
// type in).
type EventEmitter interface {
	EmitConfigChanged(id extensions.ExtensionID, key string, value interface{})
}

// AuditSink receives a record of every permission denial the dispatcher
// observes (spec §4.5 step 5: "audit events for denied network calls").
// Defined here, not imported from the audit package, so api has no
// dependency on how audit events are persisted.
type AuditSink interface {
	LogDenied(ctx context.Context, event AuditEvent)
}

// AuditEvent is the denial record shape spec §4.5 names.
type AuditEvent struct {
	ExtensionID extensions.ExtensionID      `json:"extensionId"`
	APIKey      string                      `json:"apiKey"`
	Permissions []extensions.Permission     `json:"permissions"`
	URL         string                      `json:"url,omitempty"`
	Message     string                      `json:"message"`
}

// apiHandler implements one namespace.method call. args is the raw JSON
// argument object the worker sent; the return value is marshaled back to
// the worker as the api_result payload.
type apiHandler func(d *Dispatcher, ctx context.Context, reqCtx RequestContext, args json.RawMessage) (interface{}, error)

// apiSpec is one row of the static dispatch table.
type apiSpec struct {
	requiredPerms []extensions.Permission
	validateShape func(args json.RawMessage) error
	handler       apiHandler
}

// RequestContext identifies the calling extension for one dispatched call.
type RequestContext struct {
	ID       extensions.ExtensionID
	Manifest *extensions.Manifest
}

// Dispatcher is the host-side ApiDispatcher. One Dispatcher instance is
// shared by every extension; ForExtension binds it to a specific
// extension identity to satisfy the sandbox.Bridge interface a worker
// expects.
type Dispatcher struct {
	Perms       *permissions.Manager
	Storage     *Store
	Config      *ConfigStore
	Spreadsheet spreadsheetapi.SpreadsheetApi
	Events      EventEmitter
	Audit       AuditSink
	Fetcher     *Fetcher

	mu                 sync.Mutex
	registeredCommands map[string]extensions.ExtensionID
	panels             map[string]*Panel
	contextMenus       map[string]*ContextMenu
}

// NewDispatcher wires a Dispatcher from its collaborators. Audit, Events,
// and Fetcher may be nil in tests that don't exercise those paths.
func NewDispatcher(perms *permissions.Manager, storage *Store, config *ConfigStore, sheet spreadsheetapi.SpreadsheetApi, events EventEmitter, audit AuditSink, fetcher *Fetcher) *Dispatcher {
	return &Dispatcher{
		Perms: perms, Storage: storage, Config: config, Spreadsheet: sheet,
		Events: events, Audit: audit, Fetcher: fetcher,
		registeredCommands: map[string]extensions.ExtensionID{},
		panels:             map[string]*Panel{},
		contextMenus:       map[string]*ContextMenu{},
	}
}

// ForExtension returns a sandbox.Bridge bound to one extension identity.
func (d *Dispatcher) ForExtension(id extensions.ExtensionID, manifest *extensions.Manifest) sandbox.Bridge {
	return &boundBridge{d: d, reqCtx: RequestContext{ID: id, Manifest: manifest}}
}

type boundBridge struct {
	d      *Dispatcher
	reqCtx RequestContext
}

func (b *boundBridge) Dispatch(ctx context.Context, method string, argsJSON string) (string, error) {
	return b.d.Dispatch(ctx, b.reqCtx, method, argsJSON)
}

// Dispatch runs one api_call end to end: shape validation, permission
// check, then the handler (spec §4.5 steps 1-5).
func (d *Dispatcher) Dispatch(ctx context.Context, reqCtx RequestContext, method string, argsJSON string) (string, error) {
	spec, ok := apiTable[method]
	if !ok {
		return "", &extensions.ShapeError{Detail: fmt.Sprintf("unknown API method %q", method)}
	}

	raw := json.RawMessage(argsJSON)
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	// Step 1: argument shape, before any permission check or prompt.
	if spec.validateShape != nil {
		if err := spec.validateShape(raw); err != nil {
			return "", err
		}
	}

	// Steps 2-3: static permission mapping, then ensure each is held.
	// Network methods compute their own requirement from the URL inside
	// the handler (EnsureNetworkHost), so they carry no entry here.
	for _, perm := range spec.requiredPerms {
		if err := d.Perms.EnsurePermission(ctx, reqCtx.ID, reqCtx.Manifest, perm); err != nil {
			d.logDenied(ctx, reqCtx.ID, method, spec.requiredPerms, "", err.Error())
			return "", err
		}
	}

	// Step 4-5: dispatch and serialize.
	result, err := spec.handler(d, ctx, reqCtx, raw)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("api: marshal result of %s: %w", method, err)
	}
	return string(out), nil
}

func (d *Dispatcher) logDenied(ctx context.Context, id extensions.ExtensionID, method string, perms []extensions.Permission, url, message string) {
	if d.Audit == nil {
		return
	}
	d.Audit.LogDenied(ctx, AuditEvent{ExtensionID: id, APIKey: method, Permissions: perms, URL: url, Message: message})
}

// RegisterCommand implements commands.registerCommand's ownership rule:
// reject if another extension already owns id; otherwise track it so
// ClearOwnedBy can release it on termination (spec §4.5).
func (d *Dispatcher) RegisterCommand(id extensions.ExtensionID, command string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if owner, exists := d.registeredCommands[command]; exists && owner != id {
		return &extensions.ShapeError{Detail: fmt.Sprintf("command %q is already registered by %s", command, owner)}
	}
	d.registeredCommands[command] = id
	return nil
}

// ClearOwnedBy releases every runtime-registered artifact id owns —
// commands, panels, and context menus — called when id's worker terminates
// (spec: "runtime-registered artifacts ... are removed when the owning
// worker terminates").
func (d *Dispatcher) ClearOwnedBy(id extensions.ExtensionID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for command, owner := range d.registeredCommands {
		if owner == id {
			delete(d.registeredCommands, command)
		}
	}
	for panelID, p := range d.panels {
		if p.ExtensionID == id {
			delete(d.panels, panelID)
		}
	}
	for menuID, m := range d.contextMenus {
		if m.ExtensionID == id {
			delete(d.contextMenus, menuID)
		}
	}
}

// checkRangeSize parses ref and rejects it before any spreadsheet access
// if it exceeds extensions.MaxRangeCells (spec §4.5 step 4).
func checkRangeSize(ref string) (a1.Range, error) {
	parsed, err := a1.Parse(ref)
	if err != nil {
		return a1.Range{}, &extensions.ShapeError{Detail: err.Error()}
	}
	if n := parsed.CellCount(); n > extensions.MaxRangeCells {
		return a1.Range{}, &extensions.TooLargeError{CellCount: n}
	}
	return parsed, nil
}
