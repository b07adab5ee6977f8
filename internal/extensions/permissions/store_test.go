package permissions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/apex-build/sheetext-host/internal/extensions"
)

func TestStorePutGetRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "permissions.json"))

	id := extensions.NewExtensionID("acme", "csv-importer")
	rec := Record{
		Grants:  map[extensions.Permission]bool{extensions.PermCellsWrite: true, extensions.PermStorage: true},
		Network: NetworkPolicy{Mode: NetworkAllowlist, Hosts: []string{"api.example.com"}},
	}
	if err := store.Put(id, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Grants[extensions.PermCellsWrite] || !got.Grants[extensions.PermStorage] {
		t.Fatalf("Grants = %+v, want cells.write and storage", got.Grants)
	}
	if got.Network.Mode != NetworkAllowlist || len(got.Network.Hosts) != 1 || got.Network.Hosts[0] != "api.example.com" {
		t.Fatalf("Network = %+v", got.Network)
	}
}

func TestStoreGetMissingReturnsZeroRecord(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "permissions.json"))
	rec, err := store.Get(extensions.NewExtensionID("acme", "unknown"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !rec.Empty() {
		t.Fatalf("expected an empty record for a never-persisted extension, got %+v", rec)
	}
}

func TestStoreMigratesLegacyArrayFormat(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "permissions.json")
	legacy := map[string][]string{
		"acme.csv-importer": {"cells.write", "network"},
	}
	data, err := json.Marshal(legacy)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	store := NewStore(path)
	rec, err := store.Get(extensions.NewExtensionID("acme", "csv-importer"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !rec.Grants[extensions.PermCellsWrite] {
		t.Fatalf("expected cells.write to survive legacy migration, got %+v", rec.Grants)
	}
	if rec.Network.Mode != NetworkFull {
		t.Fatalf("expected legacy bare 'network' entry to migrate to full mode, got %+v", rec.Network)
	}
}

func TestStoreDeleteAndDeleteAll(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "permissions.json"))

	a := extensions.NewExtensionID("acme", "a")
	b := extensions.NewExtensionID("acme", "b")
	rec := Record{Grants: map[extensions.Permission]bool{extensions.PermStorage: true}}
	if err := store.Put(a, rec); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := store.Put(b, rec); err != nil {
		t.Fatalf("Put b: %v", err)
	}

	if err := store.Delete(a); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := store.Get(a)
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if !got.Empty() {
		t.Fatalf("expected a to be empty after Delete, got %+v", got)
	}

	if err := store.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	got, err = store.Get(b)
	if err != nil {
		t.Fatalf("Get after DeleteAll: %v", err)
	}
	if !got.Empty() {
		t.Fatalf("expected b to be empty after DeleteAll, got %+v", got)
	}
}

func TestAddAllowlistHostDeduplicatesAndSorts(t *testing.T) {
	t.Parallel()

	var policy NetworkPolicy
	AddAllowlistHost(&policy, "b.example.com")
	AddAllowlistHost(&policy, "a.example.com")
	AddAllowlistHost(&policy, "b.example.com")

	want := []string{"a.example.com", "b.example.com"}
	if len(policy.Hosts) != len(want) {
		t.Fatalf("Hosts = %v, want %v", policy.Hosts, want)
	}
	for i := range want {
		if policy.Hosts[i] != want[i] {
			t.Fatalf("Hosts = %v, want %v", policy.Hosts, want)
		}
	}
}
