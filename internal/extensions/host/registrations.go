package host

import (
	"sync"

	"github.com/dop251/goja"

	"github.com/apex-build/sheetext-host/internal/extensions/events"
)

// registrations holds every JS callback one extension's activate(context)
// call registered against its context object (spec §4: "the extension's
// activation code registers runtime handlers by calling back into the
// host API"). One registrations value is created per worker and lives for
// as long as that worker does; a reload or reactivation gets a fresh one.
type registrations struct {
	mu              sync.Mutex
	commands        map[string]goja.Callable
	customFunctions map[string]goja.Callable
	dataConnectors  map[string]goja.Callable
	eventListeners  map[events.Kind]goja.Callable
	deactivate      goja.Callable
}

func newRegistrations() *registrations {
	return &registrations{
		commands:        map[string]goja.Callable{},
		customFunctions: map[string]goja.Callable{},
		dataConnectors:  map[string]goja.Callable{},
		eventListeners:  map[events.Kind]goja.Callable{},
	}
}

func (r *registrations) setCommand(id string, fn goja.Callable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[id] = fn
}

func (r *registrations) setCustomFunction(name string, fn goja.Callable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customFunctions[name] = fn
}

func (r *registrations) setDataConnector(id string, fn goja.Callable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dataConnectors[id] = fn
}

func (r *registrations) setEventListener(kind events.Kind, fn goja.Callable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventListeners[kind] = fn
}

func (r *registrations) setDeactivate(fn goja.Callable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deactivate = fn
}

func (r *registrations) command(id string) (goja.Callable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.commands[id]
	return fn, ok
}

func (r *registrations) customFunction(name string) (goja.Callable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.customFunctions[name]
	return fn, ok
}

func (r *registrations) dataConnector(id string) (goja.Callable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.dataConnectors[id]
	return fn, ok
}

func (r *registrations) eventListener(kind events.Kind) (goja.Callable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.eventListeners[kind]
	return fn, ok
}

func (r *registrations) deactivateFn() (goja.Callable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deactivate, r.deactivate != nil
}
