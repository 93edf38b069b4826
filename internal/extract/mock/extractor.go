// Package mock provides a configurable Extractor test double.
package mock

import (
	"context"
	"sync"

	"github.com/mindwell/syncpipe/internal/extract"
)

// Extractor records calls and returns canned segments or errors, keyed by
// content type when the per-type maps are set.
type Extractor struct {
	mu sync.Mutex

	Segments []extract.Segment
	Err      error

	// ByContentType overrides Segments/Err per MIME type.
	ByContentType map[string]Result

	Calls []Call
}

// Result is a canned outcome for one content type.
type Result struct {
	Segments []extract.Segment
	Err      error
}

// Call records one Extract invocation.
type Call struct {
	Data        []byte
	ContentType string
}

func (m *Extractor) Extract(_ context.Context, data []byte, contentType string) ([]extract.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, Call{Data: data, ContentType: contentType})

	if r, ok := m.ByContentType[contentType]; ok {
		return r.Segments, r.Err
	}
	return m.Segments, m.Err
}

// CallCount returns the number of Extract invocations.
func (m *Extractor) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
