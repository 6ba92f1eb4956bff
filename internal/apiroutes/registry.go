// Package apiroutes keeps a process-wide registry of the monitor
// surface's endpoints so GET /api can list what the server exposes.
package apiroutes

import (
	"sync"
)

// APIRoute describes one registered endpoint.
type APIRoute struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var (
	routeRegistry = make([]APIRoute, 0)
	registryMu    sync.RWMutex
)

// Register adds a route to the registry. Re-registering the same path
// and method updates the description, so rebuilding a router leaves
// the listing unchanged.
func Register(path, method, description string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for i := range routeRegistry {
		if routeRegistry[i].Path == path && routeRegistry[i].Method == method {
			routeRegistry[i].Description = description
			return
		}
	}
	routeRegistry = append(routeRegistry, APIRoute{
		Path:        path,
		Method:      method,
		Description: description,
	})
}

// Get returns a copy of the registry.
func Get() []APIRoute {
	registryMu.RLock()
	defer registryMu.RUnlock()
	registryCopy := make([]APIRoute, len(routeRegistry))
	copy(registryCopy, routeRegistry)
	return registryCopy
}

// ClearForTesting removes all registered routes. For use in tests only.
func ClearForTesting() {
	registryMu.Lock()
	defer registryMu.Unlock()
	routeRegistry = make([]APIRoute, 0)
}
