// Package permissions implements the PermissionStore (on-disk persistence,
// schema migration) and PermissionManager (declared-vs-granted checks,
// prompting, allowlist matching) of spec §4.2, grounded on the teacher's
// UserExtension.GrantedPermissions JSON-array convention in
// internal/extensions/models.go, generalized to the structured
// {permKey: true, network: {...}} record shape and legacy migration the
// spec requires.
package permissions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/apex-build/sheetext-host/internal/extensions"
	"github.com/apex-build/sheetext-host/internal/extensions/storeutil"
)

// NetworkMode is the outbound-network policy an extension is running under.
type NetworkMode string

const (
	NetworkFull      NetworkMode = "full"
	NetworkDeny      NetworkMode = "deny"
	NetworkAllowlist NetworkMode = "allowlist"
)

// NetworkPolicy is the structured network grant of a permission record.
type NetworkPolicy struct {
	Mode  NetworkMode `json:"mode"`
	Hosts []string    `json:"hosts,omitempty"`
}

// Record is one extension's persisted permission grants.
type Record struct {
	Grants  map[extensions.Permission]bool
	Network NetworkPolicy
}

// Empty reports whether the record has nothing worth persisting.
func (r Record) Empty() bool {
	if r.Network.Mode != "" {
		return false
	}
	for _, v := range r.Grants {
		if v {
			return false
		}
	}
	return true
}

// MarshalJSON flattens the record into {permKey: true, ..., network: {...}}.
func (r Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(r.Grants)+1)
	for k, v := range r.Grants {
		if v {
			flat[string(k)] = true
		}
	}
	if r.Network.Mode != "" {
		flat["network"] = r.Network
	}
	return json.Marshal(flat)
}

// UnmarshalJSON parses either the structured record shape or a legacy
// array-of-permission-strings shape, migrating the latter transparently.
func (r *Record) UnmarshalJSON(data []byte) error {
	r.Grants = map[extensions.Permission]bool{}
	r.Network = NetworkPolicy{}

	var legacy []string
	if err := json.Unmarshal(data, &legacy); err == nil {
		for _, p := range legacy {
			if p == "network" {
				r.Network = NetworkPolicy{Mode: NetworkFull}
				continue
			}
			r.Grants[extensions.Permission(p)] = true
		}
		return nil
	}

	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	for k, raw := range flat {
		if k == "network" {
			// Either a structured {mode, hosts} object or the legacy
			// truthy marker (a bare `true`/"network" string).
			var policy NetworkPolicy
			if err := json.Unmarshal(raw, &policy); err == nil && policy.Mode != "" {
				r.Network = policy
				continue
			}
			r.Network = NetworkPolicy{Mode: NetworkFull}
			continue
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil && b {
			r.Grants[extensions.Permission(k)] = true
		}
	}
	return nil
}

// Store persists per-extension permission records to a single JSON file.
// It loads lazily and writes atomically after every mutation (spec §5
// shared-resource policy).
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore opens (without yet reading) the permission store at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) load() (map[extensions.ExtensionID]Record, error) {
	out := map[extensions.ExtensionID]Record{}
	if err := storeutil.ReadJSON(s.path, &out); err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	return out, nil
}

func (s *Store) save(records map[extensions.ExtensionID]Record) error {
	// Persist only non-empty records (spec §4.2).
	pruned := make(map[extensions.ExtensionID]Record, len(records))
	for id, rec := range records {
		if !rec.Empty() {
			pruned[id] = rec
		}
	}
	return storeutil.WriteJSONAtomic(s.path, pruned)
}

// Get returns the current record for id, or a zero-value record if none is
// persisted.
func (s *Store) Get(id extensions.ExtensionID) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return Record{}, err
	}
	rec, ok := records[id]
	if !ok {
		return Record{Grants: map[extensions.Permission]bool{}}, nil
	}
	return rec, nil
}

// Put persists rec as the current record for id.
func (s *Store) Put(id extensions.ExtensionID, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	records[id] = rec
	return s.save(records)
}

// Delete removes id's record entirely.
func (s *Store) Delete(id extensions.ExtensionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	delete(records, id)
	return s.save(records)
}

// DeleteAll clears every extension's record.
func (s *Store) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(map[extensions.ExtensionID]Record{})
}

// AddAllowlistHost inserts host into the network policy's Hosts in sorted
// order, de-duplicating.
func AddAllowlistHost(policy *NetworkPolicy, host string) {
	for _, h := range policy.Hosts {
		if h == host {
			return
		}
	}
	policy.Hosts = append(policy.Hosts, host)
	sort.Strings(policy.Hosts)
}

// DefaultPath returns the conventional permissions.json path under a host
// data root.
func DefaultPath(dataRoot string) string {
	return filepath.Join(dataRoot, "permissions.json")
}
