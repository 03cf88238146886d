// lookup.go resolves escalation binaries (su, sudo, a vendor-specific helper)
// before a session is built so that a missing binary fails fast with a clear
// message instead of a generic spawn error.
package executor

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// LookupCache caches resolved escalation binary paths.
type LookupCache struct {
	mu    sync.RWMutex
	cache map[string]string
}

// NewLookupCache creates an empty cache.
func NewLookupCache() *LookupCache {
	return &LookupCache{
		cache: make(map[string]string),
	}
}

// Resolve returns the absolute path of the first word of escalation.
func (c *LookupCache) Resolve(escalation string) (string, error) {
	fields := strings.Fields(escalation)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty escalation command")
	}
	name := fields[0]

	c.mu.RLock()
	if path, ok := c.cache[name]; ok {
		c.mu.RUnlock()
		return path, nil
	}
	c.mu.RUnlock()

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("escalation command %q not found: %w", name, err)
	}

	c.mu.Lock()
	c.cache[name] = path
	c.mu.Unlock()

	return path, nil
}

var globalCache = NewLookupCache()

// ResolveEscalation resolves using a process-wide cache.
func ResolveEscalation(escalation string) (string, error) {
	return globalCache.Resolve(escalation)
}
