// Package host implements the ExtensionHost facade (spec §5): the public
// operations a caller (the daemon's HTTP/WS layer) drives, the
// load->activating->active->terminating->dead worker lifecycle, and the
// activation single-flight coalescing that keeps a concurrent burst of
// requests for the same inactive extension from running activate() more
// than once.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/apex-build/sheetext-host/internal/extensions"
	"github.com/apex-build/sheetext-host/internal/extensions/api"
	"github.com/apex-build/sheetext-host/internal/extensions/events"
	"github.com/apex-build/sheetext-host/internal/extensions/manifest"
	"github.com/apex-build/sheetext-host/internal/extensions/sandbox"
	"github.com/apex-build/sheetext-host/internal/extensions/spreadsheetapi"
	"github.com/apex-build/sheetext-host/internal/extensions/worker"
	"github.com/apex-build/sheetext-host/internal/logging"
)

// record is the host's bookkeeping for one loaded extension: its manifest,
// the worker currently serving it (nil until first activation), the JS
// registrations that worker's activate() populated, and the single-flight
// state coalescing concurrent activation attempts.
type record struct {
	manifest *extensions.Manifest

	mu             sync.Mutex
	w              *worker.Worker
	reg            *registrations
	activating     chan struct{}
	activationErr  error
	unsubscribeAll func()
}

// Options configures a Host.
type Options struct {
	Dispatcher       *api.Dispatcher
	Events           *events.Broadcaster
	DataRoot         string
	EngineVersion    string
	MemoryLimitBytes int64
	MaxSpawnAttempts int
}

// Host is the ExtensionHost facade. One Host serves every loaded
// extension in a single process.
type Host struct {
	mu       sync.RWMutex
	records  map[extensions.ExtensionID]*record
	opts     Options
}

// New builds an empty Host.
func New(opts Options) *Host {
	return &Host{records: map[extensions.ExtensionID]*record{}, opts: opts}
}

// LoadExtension reads and validates the manifest at rootDir/package.json
// and registers the extension without activating it (spec §5: "load ->
// (optionally) activate").
func (h *Host) LoadExtension(rootDir string) (*extensions.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(rootDir, "package.json"))
	if err != nil {
		return nil, fmt.Errorf("host: read manifest: %w", err)
	}
	m, err := manifest.Validate(data, manifest.Options{
		EngineVersion: h.opts.EngineVersion,
		EnforceEngine: h.opts.EngineVersion != "",
	})
	if err != nil {
		return nil, err
	}
	m.RootDir = rootDir

	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[m.ID()] = &record{manifest: m}
	return m, nil
}

// Manifest returns the currently loaded manifest for id, if any.
func (h *Host) Manifest(id extensions.ExtensionID) (*extensions.Manifest, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.records[id]
	if !ok {
		return nil, false
	}
	return r.manifest, true
}

func (h *Host) recordFor(id extensions.ExtensionID) (*record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.records[id]
	return r, ok
}

// ensureActive activates id if it is not already active, coalescing
// concurrent callers onto a single in-flight activate() call (spec §8
// scenario 1: "concurrent activations... trigger activate at most once;
// all callers observe the same result").
func (h *Host) ensureActive(ctx context.Context, id extensions.ExtensionID) error {
	r, ok := h.recordFor(id)
	if !ok {
		return &extensions.ManifestError{Reason: fmt.Sprintf("extension %s is not loaded", id)}
	}

	r.mu.Lock()
	if r.w != nil && r.w.State() == worker.StateActive {
		r.mu.Unlock()
		return nil
	}
	if r.activating != nil {
		ch := r.activating
		r.mu.Unlock()
		<-ch
		r.mu.Lock()
		err := r.activationErr
		r.mu.Unlock()
		return err
	}
	ch := make(chan struct{})
	r.activating = ch
	r.mu.Unlock()

	err := h.doActivate(ctx, id, r)

	r.mu.Lock()
	r.activationErr = err
	r.activating = nil
	r.mu.Unlock()
	close(ch)
	return err
}

func (h *Host) doActivate(ctx context.Context, id extensions.ExtensionID, r *record) error {
	r.mu.Lock()
	needsSpawn := r.w == nil || r.w.State() == worker.StateDead
	m := r.manifest
	r.mu.Unlock()

	if needsSpawn {
		reg := newRegistrations()
		w, err := worker.Spawn(id, m, worker.SpawnOptions{
			SandboxOptions: sandbox.Options{
				RootDir:          m.RootDir,
				Bridge:           h.opts.Dispatcher.ForExtension(id, m),
				MemoryLimitBytes: h.opts.MemoryLimitBytes,
			},
			Handler:     newHandler(reg, m),
			MaxAttempts: h.opts.MaxSpawnAttempts,
		})
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.w = w
		r.reg = reg
		r.unsubscribeAll = h.subscribeAllEvents(id, w)
		r.mu.Unlock()
	}

	r.mu.Lock()
	w := r.w
	r.mu.Unlock()

	w.SetState(worker.StateActivating)
	_, err := w.Send(ctx, worker.MsgActivate, json.RawMessage("{}"))
	if err != nil {
		w.SetState(worker.StateDead)
		return err
	}
	w.SetState(worker.StateActive)
	return nil
}

// subscribeAllEvents wires every broadcast event kind to w, returning a
// single func that tears every subscription down at once. The worker's
// own registrations (built from ctx.onEvent calls in activate()) decide
// which kinds it actually acts on; delivery happens unconditionally so a
// late onEvent registration during activate() is never missed by timing.
func (h *Host) subscribeAllEvents(id extensions.ExtensionID, w *worker.Worker) func() {
	kinds := []events.Kind{
		events.KindWorkbookOpened, events.KindBeforeSave, events.KindViewActivated,
		events.KindSelectionChanged, events.KindCellChanged, events.KindSheetActivated,
		events.KindConfigChanged,
	}
	dispatch := func(ctx context.Context, _ extensions.ExtensionID, event events.Event) error {
		payload, err := json.Marshal(struct {
			Kind    events.Kind `json:"kind"`
			Payload interface{} `json:"payload"`
		}{Kind: event.Kind, Payload: event.Payload})
		if err != nil {
			return err
		}
		_, err = w.Send(ctx, worker.MsgDeliverEvent, payload)
		return err
	}
	var unsubs []func()
	for _, k := range kinds {
		unsubs = append(unsubs, h.opts.Events.Subscribe(k, id, dispatch))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// ReloadExtension terminates id's current worker (if any) and clears its
// command ownership, leaving it loaded but inactive; the next request
// that needs it spawns a fresh worker and reactivates lazily (spec §5).
func (h *Host) ReloadExtension(id extensions.ExtensionID) error {
	r, ok := h.recordFor(id)
	if !ok {
		return &extensions.ManifestError{Reason: fmt.Sprintf("extension %s is not loaded", id)}
	}
	r.mu.Lock()
	w := r.w
	unsub := r.unsubscribeAll
	r.w = nil
	r.reg = nil
	r.unsubscribeAll = nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if w != nil {
		w.Terminate(nil)
	}
	h.opts.Dispatcher.ClearOwnedBy(id)
	return nil
}

// UnloadExtension fully removes id: terminates its worker, clears its
// event subscriptions and command ownership, and deletes its record.
func (h *Host) UnloadExtension(id extensions.ExtensionID) error {
	if err := h.ReloadExtension(id); err != nil {
		return err
	}
	h.opts.Events.Unsubscribe(id)
	h.mu.Lock()
	delete(h.records, id)
	h.mu.Unlock()
	return nil
}

// Dispose tears every loaded extension's worker down, used on host
// shutdown.
func (h *Host) Dispose() {
	h.mu.RLock()
	ids := make([]extensions.ExtensionID, 0, len(h.records))
	for id := range h.records {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		if err := h.UnloadExtension(id); err != nil {
			logging.S().Warnw("host dispose: unload failed", "extension", id, "error", err)
		}
	}
}

// spreadsheetApi returns the collaborator the daemon wires startup's
// workbookOpened snapshot from; kept here rather than duplicated so
// ops.go's Startup has one place to read it from.
func (h *Host) spreadsheetApi() spreadsheetapi.SpreadsheetApi {
	return h.opts.Dispatcher.Spreadsheet
}
