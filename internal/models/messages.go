package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Subject prefixes. Full subjects are SyncSubject(kind) and
// ProcessSubject(family); dead-lettered messages move to "dlq." + subject.
const (
	syncSubjectPrefix    = "sync.trigger."
	processSubjectPrefix = "item.process."
	DLQPrefix            = "dlq."
)

// SyncSubject returns the bus subject carrying sync triggers for a family.
func SyncSubject(kind SourceKind) string {
	return syncSubjectPrefix + string(kind)
}

// ProcessSubject returns the bus subject carrying processing triggers for a
// content family.
func ProcessSubject(family ContentFamily) string {
	return processSubjectPrefix + string(family)
}

// ContentFamily routes items to the processor queue group able to extract
// them.
type ContentFamily string

const (
	FamilyText  ContentFamily = "text"
	FamilyImage ContentFamily = "image"
	FamilyAudio ContentFamily = "audio"
)

// FamilyFor maps a MIME type to its processing family. Anything that is not
// clearly image or audio is treated as text: the text extractor owns the
// long tail of document formats.
func FamilyFor(contentType string) ContentFamily {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return FamilyImage
	case strings.HasPrefix(contentType, "audio/"):
		return FamilyAudio
	default:
		return FamilyText
	}
}

// SyncTrigger is the scheduler → fetcher envelope. One message per claimed
// source per cycle.
type SyncTrigger struct {
	SourceID    string          `json:"source_id"`
	Kind        SourceKind      `json:"kind"`
	Scope       Scope           `json:"scope"`
	ScopeID     string          `json:"scope_id"`
	Config      json.RawMessage `json:"config"`
	Cursor      json.RawMessage `json:"cursor,omitempty"`
	BatchID     string          `json:"batch_id"`
	TriggeredAt time.Time       `json:"triggered_at"`
}

// ProcessTrigger is the fetcher → processor envelope. One message per
// downloaded item.
type ProcessTrigger struct {
	ItemID      string `json:"item_id"`
	SourceID    string `json:"source_id"`
	BlobKey     string `json:"blob_key"`
	ContentType string `json:"content_type"`
	Scope       Scope  `json:"scope"`
	ScopeID     string `json:"scope_id"`
	BatchID     string `json:"batch_id"`
}
