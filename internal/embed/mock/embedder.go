// Package mock provides a configurable Embedder test double.
package mock

import (
	"context"
	"sync"

	"github.com/mindwell/syncpipe/internal/extract"
	"github.com/mindwell/syncpipe/internal/models"
)

// Embedder records calls and returns a canned error.
type Embedder struct {
	mu sync.Mutex

	Err error

	// ErrForItem overrides Err per item id.
	ErrForItem map[string]error

	Calls []Call
}

// Call records one Embed invocation.
type Call struct {
	Segments []extract.Segment
	Scope    models.Scope
	ScopeID  string
	ItemID   string
}

func (m *Embedder) Embed(_ context.Context, segments []extract.Segment, scope models.Scope, scopeID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, Call{Segments: segments, Scope: scope, ScopeID: scopeID, ItemID: itemID})

	if err, ok := m.ErrForItem[itemID]; ok {
		return err
	}
	return m.Err
}

// CallCount returns the number of Embed invocations.
func (m *Embedder) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
