package api

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/apex-build/sheetext-host/internal/extensions"
	"github.com/apex-build/sheetext-host/internal/extensions/storeutil"
)

// ConfigStore backs the config.* API methods (spec §6 configuration
// namespace): config.get falls back through a stored override to the
// manifest-declared default, and config.update rejects any key the
// manifest's contributes.configuration.properties never declared.
type ConfigStore struct {
	mu   sync.Mutex
	path string
}

// NewConfigStore opens (without yet reading) the config overrides file.
func NewConfigStore(path string) *ConfigStore {
	return &ConfigStore{path: path}
}

// DefaultConfigPath returns the conventional config.json path under a
// host data root.
func DefaultConfigPath(dataRoot string) string {
	return filepath.Join(dataRoot, "config.json")
}

func (c *ConfigStore) load() (map[extensions.ExtensionID]map[string]interface{}, error) {
	out := map[extensions.ExtensionID]map[string]interface{}{}
	if err := storeutil.ReadJSON(c.path, &out); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return out, nil
}

func (c *ConfigStore) save(all map[extensions.ExtensionID]map[string]interface{}) error {
	pruned := make(map[extensions.ExtensionID]map[string]interface{}, len(all))
	for id, rec := range all {
		if len(rec) > 0 {
			pruned[id] = rec
		}
	}
	return storeutil.WriteJSONAtomic(c.path, pruned)
}

// Get returns the effective value of key for id: the persisted override if
// one exists, otherwise the manifest-declared default, otherwise nil.
func (c *ConfigStore) Get(id extensions.ExtensionID, manifest *extensions.Manifest, key string) (interface{}, error) {
	prop, declared := manifest.Contributes.Configuration.Properties[key]

	c.mu.Lock()
	all, err := c.load()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if rec, ok := all[id]; ok {
		if v, ok := rec[key]; ok {
			return v, nil
		}
	}
	if declared {
		return prop.Default, nil
	}
	return nil, nil
}

// Update sets key to value for id, rejecting keys the manifest never
// declared in contributes.configuration.properties (spec §6).
func (c *ConfigStore) Update(id extensions.ExtensionID, manifest *extensions.Manifest, key string, value interface{}) error {
	if _, declared := manifest.Contributes.Configuration.Properties[key]; !declared {
		return &extensions.ShapeError{Detail: fmt.Sprintf("configuration key %q is not declared in contributes.configuration", key)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	all, err := c.load()
	if err != nil {
		return err
	}
	rec, ok := all[id]
	if !ok {
		rec = map[string]interface{}{}
		all[id] = rec
	}
	rec[key] = value
	return c.save(all)
}
