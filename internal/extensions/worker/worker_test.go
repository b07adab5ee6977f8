package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apex-build/sheetext-host/internal/extensions"
	"github.com/apex-build/sheetext-host/internal/extensions/sandbox"
)

func extensionRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "main.js"), []byte("module.exports = {};"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return root
}

func testManifest() *extensions.Manifest {
	return &extensions.Manifest{Name: "x", Publisher: "acme", Version: "1.0.0", Main: "main.js"}
}

func echoHandler(sb *sandbox.Sandbox, msgType MessageType, payload json.RawMessage) (json.RawMessage, error) {
	return payload, nil
}

func TestWorkerSendRoundTrip(t *testing.T) {
	t.Parallel()

	w, err := Spawn(extensions.NewExtensionID("acme", "x"), testManifest(), SpawnOptions{
		SandboxOptions: sandbox.Options{RootDir: extensionRoot(t)},
		Handler:        echoHandler,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer w.Terminate(nil)

	payload := json.RawMessage(`{"hello":"world"}`)
	result, err := w.Send(context.Background(), MsgExecuteCommand, payload)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(result) != string(payload) {
		t.Fatalf("result = %s, want %s", result, payload)
	}
}

func TestWorkerSendAfterTerminateFails(t *testing.T) {
	t.Parallel()

	w, err := Spawn(extensions.NewExtensionID("acme", "x"), testManifest(), SpawnOptions{
		SandboxOptions: sandbox.Options{RootDir: extensionRoot(t)},
		Handler:        echoHandler,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	w.Terminate(nil)
	w.Wait()

	_, err = w.Send(context.Background(), MsgExecuteCommand, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected Send on a terminated worker to fail")
	}
	if _, ok := err.(*extensions.ExtensionWorkerTerminatedError); !ok {
		t.Fatalf("error = %v (%T), want *extensions.ExtensionWorkerTerminatedError", err, err)
	}
}

func TestWorkerSendTimeoutTerminatesWorker(t *testing.T) {
	t.Parallel()

	blockForever := func(sb *sandbox.Sandbox, msgType MessageType, payload json.RawMessage) (json.RawMessage, error) {
		select {} // never returns
	}

	w, err := Spawn(extensions.NewExtensionID("acme", "x"), testManifest(), SpawnOptions{
		SandboxOptions: sandbox.Options{RootDir: extensionRoot(t)},
		Handler:        blockForever,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer w.Terminate(nil)

	// The context deadline lies well past MsgDeliverEvent's 2s default
	// budget, so the per-type timeout fires first.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = w.Send(ctx, MsgDeliverEvent, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected Send to fail once the timeout fires")
	}
	if _, ok := err.(*extensions.ExtensionTimeoutError); !ok {
		t.Fatalf("error = %v (%T), want *extensions.ExtensionTimeoutError", err, err)
	}
	if w.State() != StateDead {
		t.Fatalf("worker state after timeout = %s, want %s", w.State(), StateDead)
	}
}

func TestWorkerStateTransitions(t *testing.T) {
	t.Parallel()

	w, err := Spawn(extensions.NewExtensionID("acme", "x"), testManifest(), SpawnOptions{
		SandboxOptions: sandbox.Options{RootDir: extensionRoot(t)},
		Handler:        echoHandler,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer w.Terminate(nil)

	if w.State() != StateLoaded {
		t.Fatalf("initial state = %s, want %s", w.State(), StateLoaded)
	}
	w.SetState(StateActivating)
	if w.State() != StateActivating {
		t.Fatalf("state = %s, want %s", w.State(), StateActivating)
	}
	w.SetState(StateActive)
	if w.State() != StateActive {
		t.Fatalf("state = %s, want %s", w.State(), StateActive)
	}
}
