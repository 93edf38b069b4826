package models

import "time"

// ItemStatus is the item state machine position.
//
//	downloaded --processor claim--> processing --> indexed | failed
//
// Terminal states are never retried automatically; re-processing requires a
// new sync cycle producing a fresh row for a changed fingerprint.
type ItemStatus string

const (
	ItemDownloaded ItemStatus = "downloaded"
	ItemProcessing ItemStatus = "processing"
	ItemIndexed    ItemStatus = "indexed"
	ItemFailed     ItemStatus = "failed"
)

// Item is one discovered unit of content (a file, a page, a transcript).
// Rows are created by the fetcher at download time and mutated only by the
// processor; the pipeline never deletes them.
type Item struct {
	ID         string
	SourceID   string
	ExternalID string
	Title      string

	ContentType string
	Fingerprint string
	BlobKey     string

	BatchID string
	Status  ItemStatus

	ErrorCode    string
	ErrorMessage string

	// SegmentCount is the number of segments handed to the embedder for an
	// indexed item.
	SegmentCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BatchStats summarizes the terminal outcomes of one sync batch.
type BatchStats struct {
	BatchID string
	Indexed int
	Failed  int
	// Remaining counts items still downloaded or processing.
	Remaining int
}
