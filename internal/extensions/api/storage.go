package api

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/apex-build/sheetext-host/internal/extensions"
	"github.com/apex-build/sheetext-host/internal/extensions/storeutil"
)

// Store is the per-extension key/value storage the storage.* API methods
// expose (spec §6 storage namespace). It persists to a single
// storage.json file, one record per extension, applying the same
// __proto__ key aliasing as the permission store so a malicious key
// never round-trips to a literal prototype-polluting JSON object key.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore opens (without yet reading) the storage file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// DefaultStoragePath returns the conventional storage.json path under a
// host data root.
func DefaultStoragePath(dataRoot string) string {
	return filepath.Join(dataRoot, "storage.json")
}

func (s *Store) load() (map[extensions.ExtensionID]map[string]interface{}, error) {
	out := map[extensions.ExtensionID]map[string]interface{}{}
	if err := storeutil.ReadJSON(s.path, &out); err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	return out, nil
}

func (s *Store) save(all map[extensions.ExtensionID]map[string]interface{}) error {
	pruned := make(map[extensions.ExtensionID]map[string]interface{}, len(all))
	for id, rec := range all {
		if len(rec) > 0 {
			pruned[id] = rec
		}
	}
	return storeutil.WriteJSONAtomic(s.path, pruned)
}

// Get returns the stored value for key under id, and whether it was present.
func (s *Store) Get(id extensions.ExtensionID, key string) (interface{}, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return nil, false, err
	}
	rec, ok := all[id]
	if !ok {
		return nil, false, nil
	}
	v, ok := rec[storeutil.EncodeKey(key)]
	return v, ok, nil
}

// Set persists value under key for id.
func (s *Store) Set(id extensions.ExtensionID, key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return err
	}
	rec, ok := all[id]
	if !ok {
		rec = map[string]interface{}{}
		all[id] = rec
	}
	rec[storeutil.EncodeKey(key)] = value
	return s.save(all)
}

// Delete removes key from id's record, pruning the record entirely once
// it is empty.
func (s *Store) Delete(id extensions.ExtensionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return err
	}
	rec, ok := all[id]
	if !ok {
		return nil
	}
	delete(rec, storeutil.EncodeKey(key))
	if len(rec) == 0 {
		delete(all, id)
	}
	return s.save(all)
}

// DeleteAll clears id's entire record, used by the host's
// ResetExtensionState.
func (s *Store) DeleteAll(id extensions.ExtensionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return err
	}
	delete(all, id)
	return s.save(all)
}
