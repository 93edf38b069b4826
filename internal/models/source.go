// Package models holds the persistent and wire-level types shared by the
// scheduler, fetcher and processor roles.
package models

import (
	"encoding/json"
	"time"
)

// SourceKind identifies the source family. It selects both the change
// detection strategy and the fetcher queue the sync trigger lands on.
type SourceKind string

const (
	// KindWeb is a single crawlable resource checked with a conditional GET.
	KindWeb SourceKind = "web"
	// KindUpload is manually uploaded content; no periodic re-detection.
	KindUpload SourceKind = "upload"
	// KindDriveDelta is a cloud-drive folder exposing a delta feed of
	// changed files keyed by a content-change tag.
	KindDriveDelta SourceKind = "drive_delta"
	// KindManifestFeed is a provider exposing a paged changes feed with
	// per-item checksums.
	KindManifestFeed SourceKind = "manifest_feed"
)

// Kinds lists every known source family. The set is closed: adding a family
// means adding a strategy and a fetcher queue binding.
func Kinds() []SourceKind {
	return []SourceKind{KindWeb, KindUpload, KindDriveDelta, KindManifestFeed}
}

// SourceStatus is the source state machine position.
//
//	active/error --scheduler claim--> pending --fetcher claim--> syncing
//	syncing --batch complete--> active | error
//
// disabled is reachable only by explicit admin action and is excluded from
// scheduling until re-enabled.
type SourceStatus string

const (
	SourceActive   SourceStatus = "active"
	SourcePending  SourceStatus = "pending"
	SourceSyncing  SourceStatus = "syncing"
	SourceError    SourceStatus = "error"
	SourceDisabled SourceStatus = "disabled"
)

// Scope partitions indexed results downstream.
type Scope string

const (
	ScopeUser  Scope = "user"
	ScopeGroup Scope = "group"
	ScopeOrg   Scope = "org"
)

// Source is one configured external data origin.
type Source struct {
	ID            string
	OwnerID       string
	Scope         Scope
	ScopeID       string
	Kind          SourceKind
	Name          string
	Status        SourceStatus
	StatusMessage string

	// RefreshInterval of nil means manual-trigger-only.
	RefreshInterval *time.Duration
	LastSyncedAt    *time.Time

	// ClaimedAt is stamped on every claim and drives the stuck sweep.
	ClaimedAt *time.Time

	// Cursor is opaque per-strategy change-detection state.
	Cursor json.RawMessage
	// Config is the admin-provided connection blob; the pipeline never
	// writes it.
	Config json.RawMessage

	// BatchID correlates the in-flight sync cycle, empty when idle.
	BatchID string

	CreatedAt time.Time
}
