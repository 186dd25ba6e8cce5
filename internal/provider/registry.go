package provider

import (
	"fmt"
	"sync"
)

// Registry holds the known providers keyed by id. It is an open registry:
// wiring code registers whichever sources the deployment enables.
type Registry struct {
	mu      sync.RWMutex
	byKey   map[string]Source
	ordered []Source
}

func NewRegistry() *Registry {
	return &Registry{byKey: map[string]Source{}}
}

func (r *Registry) Register(srcs ...Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, src := range srcs {
		if src == nil {
			continue
		}
		key := src.Key()
		if key == "" {
			return fmt.Errorf("provider with empty key")
		}
		if _, dup := r.byKey[key]; dup {
			return fmt.Errorf("provider %q registered twice", key)
		}
		r.byKey[key] = src
		r.ordered = append(r.ordered, src)
	}
	return nil
}

// ByKey resolves a provider id. The bool is false for unknown ids.
func (r *Registry) ByKey(key string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.byKey[key]
	return src, ok
}

// ForURL finds the first registered provider that recognizes the URL.
func (r *Registry) ForURL(rawURL string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, src := range r.ordered {
		if src.Recognizes(rawURL) {
			return src, true
		}
	}
	return nil, false
}

// Keys lists registered provider ids in registration order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.ordered))
	for _, src := range r.ordered {
		keys = append(keys, src.Key())
	}
	return keys
}
