// Package extract defines the content extraction collaborator contract.
// Extraction itself (PDF parsing, HTML boilerplate removal, transcript
// splitting) runs in an external service; the processor only depends on this
// interface.
package extract

import "context"

// Segment is one ordered piece of extracted content.
type Segment struct {
	// Position preserves document order; embedding results keep it.
	Position int
	Text     string
	// Metadata carries format-specific context (page number, heading path).
	Metadata map[string]string
}

// Extractor turns raw bytes plus a MIME type into ordered segments.
// Implementations must be safe for concurrent use.
type Extractor interface {
	// Extract returns the ordered segments of the content, or an error from
	// the common taxonomy (UNSUPPORTED_FORMAT and EXTRACTION_FAILED are
	// permanent; timeouts are transient).
	Extract(ctx context.Context, data []byte, contentType string) ([]Segment, error)
}
