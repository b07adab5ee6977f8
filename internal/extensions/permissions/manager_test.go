package permissions

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/apex-build/sheetext-host/internal/extensions"
)

func testManifest(t *testing.T, perms ...extensions.Permission) *extensions.Manifest {
	t.Helper()
	return &extensions.Manifest{
		Name: "csv-importer", Publisher: "acme", Version: "1.0.0", Main: "dist/main.js",
		Permissions: perms,
	}
}

func TestEnsurePermissionNotDeclaredNeverPrompts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "permissions.json"))
	var promptCalls int32
	mgr := NewManager(store, PrompterFunc(func(ctx context.Context, id extensions.ExtensionID, perm extensions.Permission, host string) (bool, error) {
		atomic.AddInt32(&promptCalls, 1)
		return true, nil
	}), nil)

	id := extensions.NewExtensionID("acme", "csv-importer")
	manifest := testManifest(t) // no declared permissions
	err := mgr.EnsurePermission(context.Background(), id, manifest, extensions.PermNetwork)
	if err == nil {
		t.Fatal("expected a NotDeclaredError")
	}
	if _, ok := err.(*extensions.NotDeclaredError); !ok {
		t.Fatalf("error = %v (%T), want *extensions.NotDeclaredError", err, err)
	}
	if atomic.LoadInt32(&promptCalls) != 0 {
		t.Fatalf("prompt was called %d times, want 0", promptCalls)
	}
}

func TestEnsurePermissionPromptsOnceThenPersists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "permissions.json"))
	var promptCalls int32
	mgr := NewManager(store, PrompterFunc(func(ctx context.Context, id extensions.ExtensionID, perm extensions.Permission, host string) (bool, error) {
		atomic.AddInt32(&promptCalls, 1)
		return true, nil
	}), nil)

	id := extensions.NewExtensionID("acme", "csv-importer")
	manifest := testManifest(t, extensions.PermStorage)

	if err := mgr.EnsurePermission(context.Background(), id, manifest, extensions.PermStorage); err != nil {
		t.Fatalf("first EnsurePermission: %v", err)
	}
	if err := mgr.EnsurePermission(context.Background(), id, manifest, extensions.PermStorage); err != nil {
		t.Fatalf("second EnsurePermission: %v", err)
	}
	if got := atomic.LoadInt32(&promptCalls); got != 1 {
		t.Fatalf("prompt was called %d times, want exactly 1", got)
	}
}

func TestEnsurePermissionDenialIsNotPersisted(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "permissions.json"))
	mgr := NewManager(store, PrompterFunc(func(ctx context.Context, id extensions.ExtensionID, perm extensions.Permission, host string) (bool, error) {
		return false, nil
	}), nil)

	id := extensions.NewExtensionID("acme", "csv-importer")
	manifest := testManifest(t, extensions.PermStorage)

	err := mgr.EnsurePermission(context.Background(), id, manifest, extensions.PermStorage)
	if err == nil {
		t.Fatal("expected a denial error")
	}
	if _, ok := err.(*extensions.PermissionError); !ok {
		t.Fatalf("error = %v (%T), want *extensions.PermissionError", err, err)
	}

	rec, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Grants[extensions.PermStorage] {
		t.Fatal("a denied permission must not be persisted as granted")
	}
}

func TestEnsurePermissionCoalescesConcurrentPrompts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "permissions.json"))
	var promptCalls int32
	mgr := NewManager(store, PrompterFunc(func(ctx context.Context, id extensions.ExtensionID, perm extensions.Permission, host string) (bool, error) {
		atomic.AddInt32(&promptCalls, 1)
		return true, nil
	}), nil)

	id := extensions.NewExtensionID("acme", "csv-importer")
	manifest := testManifest(t, extensions.PermStorage)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = mgr.EnsurePermission(context.Background(), id, manifest, extensions.PermStorage)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&promptCalls); got != 1 {
		t.Fatalf("prompt was called %d times across 10 concurrent callers, want exactly 1", got)
	}
}

func TestEnsureNetworkHostAllowlist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "permissions.json"))
	var promptedHosts []string
	mgr := NewManager(store, PrompterFunc(func(ctx context.Context, id extensions.ExtensionID, perm extensions.Permission, host string) (bool, error) {
		promptedHosts = append(promptedHosts, host)
		return host != "evil.net", nil
	}), nil)

	id := extensions.NewExtensionID("acme", "csv-importer")
	manifest := testManifest(t, extensions.PermNetwork)

	if err := mgr.SetNetworkPolicy(id, NetworkPolicy{Mode: NetworkAllowlist, Hosts: []string{"*.example.com"}}); err != nil {
		t.Fatalf("SetNetworkPolicy: %v", err)
	}

	// A host already covered by the allowlist never reaches the prompter.
	if err := mgr.EnsureNetworkHost(context.Background(), id, manifest, "api.example.com"); err != nil {
		t.Fatalf("expected api.example.com to be allowed: %v", err)
	}

	// A host outside the allowlist is prompted for; a denial fails with
	// the network(host) detail.
	if err := mgr.EnsureNetworkHost(context.Background(), id, manifest, "evil.net"); err == nil {
		t.Fatal("expected evil.net to be rejected by the allowlist")
	} else if pe, ok := err.(*extensions.PermissionError); !ok || pe.Error() != "Permission denied: network (evil.net)" {
		t.Fatalf("error = %v, want PermissionError with detail %q", err, "network (evil.net)")
	}

	// A host outside the allowlist that the prompt grants is persisted,
	// sorted, into the allowlist, so a later call no longer prompts.
	if err := mgr.EnsureNetworkHost(context.Background(), id, manifest, "allowed-by-prompt.net"); err != nil {
		t.Fatalf("expected allowed-by-prompt.net to be granted by the prompt: %v", err)
	}
	rec, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !hostAllowed(rec.Network.Hosts, "allowed-by-prompt.net") {
		t.Fatalf("allowlist %v does not contain allowed-by-prompt.net after the prompt granted it", rec.Network.Hosts)
	}

	promptedHosts = nil
	if err := mgr.EnsureNetworkHost(context.Background(), id, manifest, "allowed-by-prompt.net"); err != nil {
		t.Fatalf("expected allowed-by-prompt.net to be allowed without reprompting: %v", err)
	}
	if len(promptedHosts) != 0 {
		t.Fatalf("allowed-by-prompt.net reprompted after being persisted: %v", promptedHosts)
	}
}

func TestEnsureNetworkHostDenyMode(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "permissions.json"))
	var hostPromptCalls int32
	// Grant the base "network" permission (host == "") but deny every
	// per-host prompt, isolating the NetworkDeny behavior under test.
	mgr := NewManager(store, PrompterFunc(func(ctx context.Context, id extensions.ExtensionID, perm extensions.Permission, host string) (bool, error) {
		if host == "" {
			return true, nil
		}
		atomic.AddInt32(&hostPromptCalls, 1)
		return false, nil
	}), nil)

	id := extensions.NewExtensionID("acme", "csv-importer")
	manifest := testManifest(t, extensions.PermNetwork)
	if err := mgr.SetNetworkPolicy(id, NetworkPolicy{Mode: NetworkDeny}); err != nil {
		t.Fatalf("SetNetworkPolicy: %v", err)
	}

	// Deny mode still prompts on every call rather than hard-rejecting.
	if err := mgr.EnsureNetworkHost(context.Background(), id, manifest, "api.example.com"); err == nil {
		t.Fatal("expected network access to be denied")
	} else if pe, ok := err.(*extensions.PermissionError); !ok || pe.Error() != "Permission denied: network (api.example.com)" {
		t.Fatalf("error = %v, want PermissionError with detail %q", err, "network (api.example.com)")
	}
	if got := atomic.LoadInt32(&hostPromptCalls); got != 1 {
		t.Fatalf("host-level prompt was called %d times, want exactly 1", got)
	}
}

func TestRevokeForcesReprompt(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "permissions.json"))
	var promptCalls int32
	mgr := NewManager(store, PrompterFunc(func(ctx context.Context, id extensions.ExtensionID, perm extensions.Permission, host string) (bool, error) {
		atomic.AddInt32(&promptCalls, 1)
		return true, nil
	}), nil)

	id := extensions.NewExtensionID("acme", "csv-importer")
	manifest := testManifest(t, extensions.PermStorage)

	if err := mgr.EnsurePermission(context.Background(), id, manifest, extensions.PermStorage); err != nil {
		t.Fatalf("EnsurePermission: %v", err)
	}
	if err := mgr.Revoke(id, extensions.PermStorage); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := mgr.EnsurePermission(context.Background(), id, manifest, extensions.PermStorage); err != nil {
		t.Fatalf("EnsurePermission after revoke: %v", err)
	}
	if got := atomic.LoadInt32(&promptCalls); got != 2 {
		t.Fatalf("prompt was called %d times, want exactly 2 (before and after revoke)", got)
	}
}
