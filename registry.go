package mailkit

import (
	"sort"
	"strings"
	"sync"
)

// BackendFactory builds a Backend for an account.
type BackendFactory func(settings AccountSettings) (Backend, error)

var (
	registryMu sync.RWMutex
	backends   = make(map[string]BackendFactory)
	features   = make(map[string]struct{})
)

// Register makes a backend available under name (the account "format").
// It is meant to be called from a backend package's init function, so that a
// blank import enables the backend:
//
//	import _ "github.com/BrianLeishman/mailkit/maildir"
//
// Register panics if called twice with the same name or a nil factory.
func Register(name string, factory BackendFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	name = strings.ToLower(name)
	if factory == nil {
		panic("mailkit: Register factory is nil for " + name)
	}
	if _, dup := backends[name]; dup {
		panic("mailkit: Register called twice for backend " + name)
	}
	backends[name] = factory
	features[name+"_backend"] = struct{}{}
}

// RegisterFeature records an optional capability as enabled.
func RegisterFeature(name string) {
	registryMu.Lock()
	features[name] = struct{}{}
	registryMu.Unlock()
}

// Features lists enabled capabilities, sorted.
func Features() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(features))
	for f := range features {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// HasFeature reports whether a capability is enabled.
func HasFeature(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := features[name]
	return ok
}

// Backends lists registered backend formats, sorted.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(backends))
	for b := range backends {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// NewBackend builds the backend named by settings.Format.
func NewBackend(settings AccountSettings) (Backend, error) {
	registryMu.RLock()
	factory, ok := backends[strings.ToLower(settings.Format)]
	registryMu.RUnlock()
	if !ok {
		return nil, Errorf(KindNotSupported, "account %s: no backend registered for format %q (available: %s)",
			settings.Name, settings.Format, strings.Join(Backends(), ", "))
	}
	return factory(settings)
}
