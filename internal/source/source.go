// Package source holds the adapter registry and the HTTP plumbing shared by
// the per-provider adapters in its subpackages.
package source

import (
	"fmt"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
)

// Registry maps each source to its adapter.
type Registry struct {
	adapters map[feedback.Source]feedback.SourceAdapter
}

// NewRegistry indexes the adapters by source. Registering the same source
// twice is an error.
func NewRegistry(adapters ...feedback.SourceAdapter) (*Registry, error) {
	r := &Registry{adapters: make(map[feedback.Source]feedback.SourceAdapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		src := a.Source()
		if src.Index() == 0 {
			return nil, fmt.Errorf("adapter for unknown source %q", src)
		}
		if _, dup := r.adapters[src]; dup {
			return nil, fmt.Errorf("duplicate adapter for %s", src)
		}
		r.adapters[src] = a
	}
	return r, nil
}

// Adapter returns the adapter for src.
func (r *Registry) Adapter(src feedback.Source) (feedback.SourceAdapter, bool) {
	if r == nil {
		return nil, false
	}
	a, ok := r.adapters[src]
	return a, ok
}

// Window returns the items of a fetched page starting at offset, capped at
// maxCount, together with the next offset and whether the page is used up.
func Window[T any](items []T, offset, maxCount int) ([]T, int, bool) {
	if offset < 0 || offset > len(items) {
		offset = len(items)
	}
	rest := items[offset:]
	if maxCount > 0 && len(rest) > maxCount {
		return rest[:maxCount], offset + maxCount, false
	}
	return rest, len(items), true
}
