package permissions

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/apex-build/sheetext-host/internal/extensions"
	"github.com/apex-build/sheetext-host/internal/logging"
)

// Prompter asks the host UI to grant or deny a permission, returning the
// user's decision. host is the hostname the prompt concerns when perm is
// PermNetwork and the policy is being consulted per-URL; it is empty for
// every other prompt. Implementations must be safe to call concurrently.
type Prompter interface {
	Prompt(ctx context.Context, id extensions.ExtensionID, perm extensions.Permission, host string) (bool, error)
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, id extensions.ExtensionID, perm extensions.Permission, host string) (bool, error)

func (f PrompterFunc) Prompt(ctx context.Context, id extensions.ExtensionID, perm extensions.Permission, host string) (bool, error) {
	return f(ctx, id, perm, host)
}

// promptLock coalesces concurrent prompts for the same (extension, permission)
// pair so the user is never asked the same question twice at once. It prefers
// a Redis SETNX lock so multiple host instances sharing one extension don't
// double-prompt; it falls back to an in-process mutex table when Redis is
// unset, mirroring the teacher's RedisCache fall-back-to-memory design.
type promptLock struct {
	redis *goredis.Client
	ttl   time.Duration

	mu    sync.Mutex
	local map[string]*sync.Mutex
}

func newPromptLock(redis *goredis.Client) *promptLock {
	return &promptLock{redis: redis, ttl: 30 * time.Second, local: map[string]*sync.Mutex{}}
}

func (l *promptLock) localFor(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.local[key]
	if !ok {
		m = &sync.Mutex{}
		l.local[key] = m
	}
	return m
}

// withLock runs fn while holding the coalescing lock for key.
func (l *promptLock) withLock(ctx context.Context, key string, fn func() (bool, error)) (bool, error) {
	if l.redis == nil {
		m := l.localFor(key)
		m.Lock()
		defer m.Unlock()
		return fn()
	}

	lockKey := "sheetext:prompt-lock:" + key
	ok, err := l.redis.SetNX(ctx, lockKey, "1", l.ttl).Result()
	if err != nil {
		logging.S().Warnw("prompt lock: redis unavailable, proceeding unlocked", "key", key, "error", err)
		return fn()
	}
	if !ok {
		// Another instance is already prompting for this key; treat as
		// a denial rather than blocking indefinitely on someone else's
		// UI interaction.
		return false, &extensions.PermissionError{Detail: "a permission prompt for this extension is already in flight"}
	}
	defer l.redis.Del(context.Background(), lockKey)
	return fn()
}

// Manager enforces and grants permissions per spec §4.2: declared-set
// checks always run before any prompt, grants persist via Store, and
// network access is additionally scoped by an allowlist.
type Manager struct {
	store    *Store
	prompter Prompter
	lock     *promptLock
}

// NewManager builds a Manager. redis may be nil, in which case prompt
// coalescing falls back to an in-process mutex table.
func NewManager(store *Store, prompter Prompter, redis *goredis.Client) *Manager {
	return &Manager{store: store, prompter: prompter, lock: newPromptLock(redis)}
}

// EnsurePermission returns nil if id currently holds perm, prompting the
// user if the extension declared perm in its manifest but has neither been
// granted nor denied it yet. It never prompts for a permission the
// manifest did not declare — that is always a hard NotDeclaredError.
func (m *Manager) EnsurePermission(ctx context.Context, id extensions.ExtensionID, manifest *extensions.Manifest, perm extensions.Permission) error {
	if !manifest.HasPermission(perm) {
		return &extensions.NotDeclaredError{Permission: perm}
	}

	rec, err := m.store.Get(id)
	if err != nil {
		return fmt.Errorf("permissions: load record for %s: %w", id, err)
	}
	if rec.Grants[perm] {
		return nil
	}

	key := string(id) + "/" + string(perm)
	granted, err := m.lock.withLock(ctx, key, func() (bool, error) {
		// Re-check after acquiring the lock: another goroutine may have
		// already resolved this prompt while we waited.
		rec, err := m.store.Get(id)
		if err != nil {
			return false, err
		}
		if rec.Grants[perm] {
			return true, nil
		}
		ok, err := m.prompter.Prompt(ctx, id, perm, "")
		if err != nil {
			return false, err
		}
		if ok {
			if rec.Grants == nil {
				rec.Grants = map[extensions.Permission]bool{}
			}
			rec.Grants[perm] = true
			if err := m.store.Put(id, rec); err != nil {
				return false, err
			}
		}
		return ok, nil
	})
	if err != nil {
		return err
	}
	if !granted {
		return &extensions.PermissionError{Detail: fmt.Sprintf("permission %q was denied for %s", perm, id)}
	}
	return nil
}

// EnsureNetworkHost validates that id is allowed to reach host, prompting
// for the base "network" permission first, then consulting the network
// policy for host itself. A Mode of NetworkFull permits any host without a
// further prompt; NetworkAllowlist permits exact or wildcard-suffix matches
// in Hosts without a further prompt and prompts for anything else; NetworkDeny
// always prompts. On NetworkAllowlist, accepting the prompt adds host to the
// allowlist in sorted order so the same origin is not re-prompted next time.
func (m *Manager) EnsureNetworkHost(ctx context.Context, id extensions.ExtensionID, manifest *extensions.Manifest, host string) error {
	if err := m.EnsurePermission(ctx, id, manifest, extensions.PermNetwork); err != nil {
		return err
	}
	rec, err := m.store.Get(id)
	if err != nil {
		return fmt.Errorf("permissions: load record for %s: %w", id, err)
	}
	switch rec.Network.Mode {
	case "", NetworkFull:
		return nil
	case NetworkAllowlist:
		if hostAllowed(rec.Network.Hosts, host) {
			return nil
		}
	case NetworkDeny:
		// Falls through to the prompt below on every call.
	default:
		return &extensions.PermissionError{Detail: fmt.Sprintf("unknown network policy mode %q", rec.Network.Mode)}
	}

	key := string(id) + "/network/" + host
	granted, err := m.lock.withLock(ctx, key, func() (bool, error) {
		// Re-check after acquiring the lock: another goroutine may have
		// already added this host to the allowlist while we waited.
		rec, err := m.store.Get(id)
		if err != nil {
			return false, err
		}
		if rec.Network.Mode == NetworkAllowlist && hostAllowed(rec.Network.Hosts, host) {
			return true, nil
		}
		ok, err := m.prompter.Prompt(ctx, id, extensions.PermNetwork, host)
		if err != nil {
			return false, err
		}
		if ok && rec.Network.Mode == NetworkAllowlist {
			AddAllowlistHost(&rec.Network, host)
			if err := m.store.Put(id, rec); err != nil {
				return false, err
			}
		}
		return ok, nil
	})
	if err != nil {
		return err
	}
	if !granted {
		return &extensions.PermissionError{Detail: fmt.Sprintf("%s (%s)", extensions.PermNetwork, host)}
	}
	return nil
}

func hostAllowed(allowlist []string, host string) bool {
	host = strings.ToLower(host)
	for _, pattern := range allowlist {
		pattern = strings.ToLower(pattern)
		if pattern == host {
			return true
		}
		if strings.HasPrefix(pattern, "*.") && strings.HasSuffix(host, pattern[1:]) {
			return true
		}
	}
	return false
}

// SetNetworkPolicy replaces id's network policy wholesale (used by the
// host-facing consent UI, not by extensions themselves).
func (m *Manager) SetNetworkPolicy(id extensions.ExtensionID, policy NetworkPolicy) error {
	rec, err := m.store.Get(id)
	if err != nil {
		return err
	}
	rec.Network = policy
	return m.store.Put(id, rec)
}

// Revoke clears a single granted permission for id, forcing a re-prompt on
// next use.
func (m *Manager) Revoke(id extensions.ExtensionID, perm extensions.Permission) error {
	rec, err := m.store.Get(id)
	if err != nil {
		return err
	}
	delete(rec.Grants, perm)
	return m.store.Put(id, rec)
}

// Reset clears every permission and the network policy for a single
// extension.
func (m *Manager) Reset(id extensions.ExtensionID) error {
	return m.store.Delete(id)
}

// ResetAll clears every extension's permission record, used by the host's
// "reset all extension permissions" administrative action.
func (m *Manager) ResetAll() error {
	return m.store.DeleteAll()
}

// Granted reports the permission record currently held by id, for display
// in a permissions-management UI.
func (m *Manager) Granted(id extensions.ExtensionID) (Record, error) {
	return m.store.Get(id)
}
