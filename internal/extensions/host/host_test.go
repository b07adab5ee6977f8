package host

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/apex-build/sheetext-host/internal/extensions"
	"github.com/apex-build/sheetext-host/internal/extensions/api"
	"github.com/apex-build/sheetext-host/internal/extensions/events"
	"github.com/apex-build/sheetext-host/internal/extensions/permissions"
	"github.com/apex-build/sheetext-host/internal/extensions/spreadsheetapi"
)

// alwaysGrant approves every permission prompt, so tests that exercise
// ui.commands/ui.panels/etc. never block on a real consent UI.
func alwaysGrant(ctx context.Context, id extensions.ExtensionID, perm extensions.Permission, host string) (bool, error) {
	return true, nil
}

func newTestHost(t *testing.T) *Host {
	t.Helper()
	dir := t.TempDir()
	store := permissions.NewStore(filepath.Join(dir, "permissions.json"))
	perms := permissions.NewManager(store, permissions.PrompterFunc(alwaysGrant), nil)
	dispatcher := api.NewDispatcher(perms, nil, nil, spreadsheetapi.NewMemorySpreadsheet(), nil, nil, nil)
	return New(Options{
		Dispatcher:       dispatcher,
		Events:           events.NewBroadcaster(),
		DataRoot:         dir,
		MaxSpawnAttempts: 1,
	})
}

// writeExtension lays out a minimal extension directory with the given
// package.json and main.js source, returning its root.
func writeExtension(t *testing.T, manifestJSON, mainJS string) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "package.json"), []byte(manifestJSON), 0o644); err != nil {
		t.Fatalf("write package.json: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "main.js"), []byte(mainJS), 0o644); err != nil {
		t.Fatalf("write main.js: %v", err)
	}
	return root
}

// TestConcurrentActivationCoalesces is the spec's own worked example: two
// commands owned by the same not-yet-active extension, invoked at once,
// must trigger activate() exactly once and both callers must see the
// side effect it produced (a counter bumped to 1, never 2).
func TestConcurrentActivationCoalesces(t *testing.T) {
	t.Parallel()

	manifestJSON := `{
		"name": "x", "publisher": "t", "version": "1.0.0", "main": "main.js",
		"engines": {"formula": "^1.0.0"},
		"activationEvents": ["onCommand:t.x.a", "onCommand:t.x.b"],
		"permissions": ["ui.commands"],
		"contributes": {"commands": [{"command": "t.x.a", "title": "A"}, {"command": "t.x.b", "title": "B"}]}
	}`
	mainJS := `
		var counter = 0;
		function activate(context) {
			counter = counter + 1;
			context.registerCommand("t.x.a", function() { return counter; });
			context.registerCommand("t.x.b", function() { return counter; });
		}
		module.exports = { activate: activate };
	`
	root := writeExtension(t, manifestJSON, mainJS)

	h := newTestHost(t)
	if _, err := h.LoadExtension(root); err != nil {
		t.Fatalf("LoadExtension: %v", err)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	results := make([]json.RawMessage, 2)
	errs := make([]error, 2)
	commands := []string{"t.x.a", "t.x.b"}
	for i := range commands {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.ExecuteCommand(ctx, commands[i], nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("ExecuteCommand(%s): %v", commands[i], err)
		}
		if string(results[i]) != "1" {
			t.Fatalf("ExecuteCommand(%s) = %s, want 1 (activate must run exactly once)", commands[i], results[i])
		}
	}
}

func TestExecuteCommandUnknownCommandFails(t *testing.T) {
	t.Parallel()
	h := newTestHost(t)
	_, err := h.ExecuteCommand(context.Background(), "nope.nope", nil)
	if err == nil {
		t.Fatal("expected an error for an unowned command")
	}
}

func TestExecuteCommandRequiresDeclaredActivationEvent(t *testing.T) {
	t.Parallel()

	manifestJSON := `{
		"name": "x", "publisher": "t", "version": "1.0.0", "main": "main.js",
		"engines": {"formula": "^1.0.0"},
		"activationEvents": ["onStartupFinished"],
		"permissions": ["ui.commands"],
		"contributes": {"commands": [{"command": "t.x.a", "title": "A"}]}
	}`
	mainJS := `function activate(context) { context.registerCommand("t.x.a", function() { return 1; }); } module.exports = { activate: activate };`
	root := writeExtension(t, manifestJSON, mainJS)

	h := newTestHost(t)
	if _, err := h.LoadExtension(root); err != nil {
		t.Fatalf("LoadExtension: %v", err)
	}

	// t.x.a is contributed but the manifest never declares
	// onCommand:t.x.a, so resolving it must never implicitly activate.
	if _, err := h.ExecuteCommand(context.Background(), "t.x.a", nil); err == nil {
		t.Fatal("expected ExecuteCommand to fail without a matching activation event")
	}
}

func TestReloadExtensionReactivatesOnNextCommand(t *testing.T) {
	t.Parallel()

	manifestJSON := `{
		"name": "x", "publisher": "t", "version": "1.0.0", "main": "main.js",
		"engines": {"formula": "^1.0.0"},
		"activationEvents": ["onCommand:t.x.a"],
		"permissions": ["ui.commands"],
		"contributes": {"commands": [{"command": "t.x.a", "title": "A"}]}
	}`
	mainJS := `function activate(context) { context.registerCommand("t.x.a", function() { return 1; }); } module.exports = { activate: activate };`
	root := writeExtension(t, manifestJSON, mainJS)

	h := newTestHost(t)
	id, err := h.LoadExtension(root)
	if err != nil {
		t.Fatalf("LoadExtension: %v", err)
	}

	if _, err := h.ExecuteCommand(context.Background(), "t.x.a", nil); err != nil {
		t.Fatalf("ExecuteCommand before reload: %v", err)
	}

	if err := h.ReloadExtension(id.ID()); err != nil {
		t.Fatalf("ReloadExtension: %v", err)
	}

	// After reload the extension is inactive again but still loaded, so
	// the same command reactivates it lazily rather than failing.
	if _, err := h.ExecuteCommand(context.Background(), "t.x.a", nil); err != nil {
		t.Fatalf("ExecuteCommand after reload: %v", err)
	}
}

func TestUnloadExtensionRemovesRecord(t *testing.T) {
	t.Parallel()

	manifestJSON := `{
		"name": "x", "publisher": "t", "version": "1.0.0", "main": "main.js",
		"engines": {"formula": "^1.0.0"},
		"activationEvents": ["onStartupFinished"]
	}`
	root := writeExtension(t, manifestJSON, `module.exports = {};`)

	h := newTestHost(t)
	id, err := h.LoadExtension(root)
	if err != nil {
		t.Fatalf("LoadExtension: %v", err)
	}

	if err := h.UnloadExtension(id.ID()); err != nil {
		t.Fatalf("UnloadExtension: %v", err)
	}
	if _, ok := h.Manifest(id.ID()); ok {
		t.Fatal("expected the manifest to be gone after UnloadExtension")
	}
}

func TestDeliverEventReachesRegisteredListener(t *testing.T) {
	t.Parallel()

	manifestJSON := `{
		"name": "x", "publisher": "t", "version": "1.0.0", "main": "main.js",
		"engines": {"formula": "^1.0.0"},
		"activationEvents": ["onCommand:t.x.seen"],
		"contributes": {"commands": [{"command": "t.x.seen", "title": "Seen"}]}
	}`
	mainJS := `
		var seen = null;
		function activate(context) {
			context.onEvent("selectionChanged", function(payload) { seen = payload; });
			context.registerCommand("t.x.seen", function() { return seen; });
		}
		module.exports = { activate: activate };
	`
	root := writeExtension(t, manifestJSON, mainJS)

	h := newTestHost(t)
	id, err := h.LoadExtension(root)
	if err != nil {
		t.Fatalf("LoadExtension: %v", err)
	}
	if err := h.ensureActive(context.Background(), id.ID()); err != nil {
		t.Fatalf("ensureActive: %v", err)
	}

	h.opts.Events.Broadcast(context.Background(), events.Event{
		Kind:    events.KindSelectionChanged,
		Payload: map[string]interface{}{"sheet": "Sheet1", "startRow": 0, "startCol": 0, "endRow": 1, "endCol": 1},
	})

	result, err := h.ExecuteCommand(context.Background(), "t.x.seen", nil)
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got["sheet"] != "Sheet1" {
		t.Fatalf("listener did not observe the broadcast event: %v", got)
	}
}

func TestResetExtensionStateClearsPermissions(t *testing.T) {
	t.Parallel()

	h := newTestHost(t)
	id := extensions.NewExtensionID("t", "x")
	manifestWithStorage := &extensions.Manifest{Publisher: "t", Name: "x", Permissions: []extensions.Permission{extensions.PermStorage}}
	if err := h.opts.Dispatcher.Perms.EnsurePermission(context.Background(), id, manifestWithStorage, extensions.PermStorage); err != nil {
		t.Fatalf("EnsurePermission: %v", err)
	}
	rec, err := h.opts.Dispatcher.Perms.Granted(id)
	if err != nil {
		t.Fatalf("Granted: %v", err)
	}
	if !rec.Grants[extensions.PermStorage] {
		t.Fatal("expected storage permission to be granted before reset")
	}

	if err := h.ResetExtensionState(id); err != nil {
		t.Fatalf("ResetExtensionState: %v", err)
	}
	rec, err = h.opts.Dispatcher.Perms.Granted(id)
	if err != nil {
		t.Fatalf("Granted after reset: %v", err)
	}
	if rec.Grants[extensions.PermStorage] {
		t.Fatal("expected storage permission to be cleared by ResetExtensionState")
	}
}
