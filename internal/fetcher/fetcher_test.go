package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindwell/syncpipe/internal/common"
	"github.com/mindwell/syncpipe/internal/config"
	"github.com/mindwell/syncpipe/internal/logging"
	"github.com/mindwell/syncpipe/internal/models"
	"github.com/mindwell/syncpipe/internal/store/items"
	"github.com/mindwell/syncpipe/internal/store/sources"
	"github.com/mindwell/syncpipe/internal/tracker"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type fakeSources struct {
	sources.Repository

	mu sync.Mutex

	claimErr  error
	claims    []string
	errMsgs   []string
	cursors   []json.RawMessage
	completed []completion

	// pub lets UpdateCursor record how many messages were already out, to
	// assert the cursor never advances before the publishes.
	pub             *fakePublisher
	publishedAtSave []int
}

type completion struct {
	status  models.SourceStatus
	message string
}

func (f *fakeSources) ClaimSyncing(_ context.Context, id, batchID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return f.claimErr
	}
	f.claims = append(f.claims, id+"/"+batchID)
	return nil
}

func (f *fakeSources) MarkError(_ context.Context, _, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errMsgs = append(f.errMsgs, message)
	return nil
}

func (f *fakeSources) UpdateCursor(_ context.Context, _ string, cursor json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, cursor)
	if f.pub != nil {
		f.publishedAtSave = append(f.publishedAtSave, f.pub.count())
	}
	return nil
}

func (f *fakeSources) CompleteBatch(_ context.Context, _ string, status models.SourceStatus, message string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, completion{status: status, message: message})
	return nil
}

type fakeItems struct {
	items.Repository

	mu   sync.Mutex
	rows []*models.Item
}

func (f *fakeItems) Upsert(_ context.Context, item *models.Item) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, item)
	return item.ID, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMsg
}

type publishedMsg struct {
	subject string
	msgID   string
	payload []byte
}

func (f *fakePublisher) Publish(_ context.Context, subject, msgID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMsg{subject: subject, msgID: msgID, payload: payload})
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type memBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{blobs: make(map[string][]byte)}
}

func (m *memBlobStore) Put(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = data
	return nil
}

func (m *memBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return b, nil
}

func (m *memBlobStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

// fakeStrategy scripts one detection result and per-item fetch outcomes.
type fakeStrategy struct {
	kind      models.SourceKind
	result    *tracker.Result
	detectErr error
	fetchErr  map[string]error
	content   map[string][]byte
}

func (f *fakeStrategy) Kind() models.SourceKind { return f.kind }

func (f *fakeStrategy) Detect(_ context.Context, _, _ json.RawMessage) (*tracker.Result, error) {
	if f.detectErr != nil {
		return nil, f.detectErr
	}
	return f.result, nil
}

func (f *fakeStrategy) Fetch(_ context.Context, _ json.RawMessage, item tracker.ChangedItem) (*tracker.Content, error) {
	if err, ok := f.fetchErr[item.ExternalID]; ok {
		return nil, err
	}
	return &tracker.Content{Data: f.content[item.ExternalID], ContentType: item.ContentType}, nil
}

type harness struct {
	svc     *Service
	sources *fakeSources
	items   *fakeItems
	pub     *fakePublisher
	blobs   *memBlobStore
}

func newHarness(t *testing.T, strategy tracker.Strategy) *harness {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.DownloadWorkers = 2

	pub := &fakePublisher{}
	src := &fakeSources{pub: pub}
	it := &fakeItems{}
	blobs := newMemBlobStore()

	svc, err := NewService(src, it, tracker.NewRegistry(strategy), blobs, pub, cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	n := 0
	svc.newItemID = func() string { n++; return fmt.Sprintf("item-%d", n) }
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	return &harness{svc: svc, sources: src, items: it, pub: pub, blobs: blobs}
}

func triggerPayload(t *testing.T, kind models.SourceKind) []byte {
	t.Helper()
	b, err := json.Marshal(models.SyncTrigger{
		SourceID: "s1",
		Kind:     kind,
		Scope:    models.ScopeUser,
		ScopeID:  "u1",
		Config:   json.RawMessage(`{}`),
		BatchID:  "b1",
	})
	require.NoError(t, err)
	return b
}

func TestHandleSync(t *testing.T) {
	strategy := &fakeStrategy{
		kind: models.KindWeb,
		result: &tracker.Result{
			Changed: []tracker.ChangedItem{
				{ExternalID: "doc-1", Title: "Doc 1", ContentType: "text/html", Fingerprint: "fp1"},
				{ExternalID: "img-1", Title: "Img 1", ContentType: "image/png", Fingerprint: "fp2"},
			},
			NewCursor: json.RawMessage(`{"etag":"v2"}`),
		},
		content: map[string][]byte{"doc-1": []byte("hello"), "img-1": []byte{0x89}},
	}
	h := newHarness(t, strategy)

	err := h.svc.Handle(context.Background(), "sync.trigger.web", triggerPayload(t, models.KindWeb))
	require.NoError(t, err)

	assert.Equal(t, []string{"s1/b1"}, h.sources.claims)

	require.Len(t, h.items.rows, 2)
	for _, row := range h.items.rows {
		assert.Equal(t, models.ItemDownloaded, row.Status)
		assert.Equal(t, "b1", row.BatchID)
		assert.NotEmpty(t, row.BlobKey)
		if _, err := h.blobs.Get(context.Background(), row.BlobKey); err != nil {
			t.Errorf("blob %s missing: %v", row.BlobKey, err)
		}
	}

	require.Len(t, h.pub.published, 2)
	subjects := map[string]bool{}
	for _, m := range h.pub.published {
		subjects[m.subject] = true
		var pt models.ProcessTrigger
		require.NoError(t, json.Unmarshal(m.payload, &pt))
		assert.Equal(t, "item-"+pt.ItemID, m.msgID)
		assert.Equal(t, "b1", pt.BatchID)
		assert.Equal(t, models.ScopeUser, pt.Scope)
	}
	assert.True(t, subjects["item.process.text"])
	assert.True(t, subjects["item.process.image"])

	require.Len(t, h.sources.cursors, 1)
	assert.JSONEq(t, `{"etag":"v2"}`, string(h.sources.cursors[0]))
	assert.Equal(t, []int{2}, h.sources.publishedAtSave, "cursor must persist after every publish")
	assert.Empty(t, h.sources.completed, "batch completion belongs to the processor")
}

func TestHandleStaleTriggerDiscarded(t *testing.T) {
	strategy := &fakeStrategy{kind: models.KindWeb, detectErr: errors.New("must not be called")}
	h := newHarness(t, strategy)
	h.sources.claimErr = common.ErrClaimConflict

	err := h.svc.Handle(context.Background(), "sync.trigger.web", triggerPayload(t, models.KindWeb))
	require.NoError(t, err)

	assert.Empty(t, h.items.rows)
	assert.Empty(t, h.pub.published)
	assert.Empty(t, h.sources.errMsgs)
}

func TestHandleDetectTransientFailure(t *testing.T) {
	strategy := &fakeStrategy{
		kind:      models.KindWeb,
		detectErr: common.Transient(common.CodeRateLimited, errors.New("429")),
	}
	h := newHarness(t, strategy)

	err := h.svc.Handle(context.Background(), "sync.trigger.web", triggerPayload(t, models.KindWeb))
	require.Error(t, err)

	// Source stays syncing so the redelivered trigger can re-claim the batch.
	assert.Empty(t, h.sources.errMsgs)
	assert.Empty(t, h.sources.cursors)
	assert.Empty(t, h.sources.completed)
}

func TestHandleDetectPermanentFailure(t *testing.T) {
	strategy := &fakeStrategy{
		kind:      models.KindWeb,
		detectErr: common.Permanent(common.CodeAuthFailed, errors.New("credentials revoked")),
	}
	h := newHarness(t, strategy)

	err := h.svc.Handle(context.Background(), "sync.trigger.web", triggerPayload(t, models.KindWeb))
	require.Error(t, err)
	assert.Equal(t, common.ClassPermanent, common.Classify(err))

	require.Len(t, h.sources.errMsgs, 1)
	assert.Contains(t, h.sources.errMsgs[0], "credentials revoked")
	assert.Empty(t, h.sources.cursors, "cursor never advances on a failed detection")
}

func TestHandleNoChanges(t *testing.T) {
	strategy := &fakeStrategy{
		kind:   models.KindWeb,
		result: &tracker.Result{NewCursor: json.RawMessage(`{"etag":"same"}`)},
	}
	h := newHarness(t, strategy)

	err := h.svc.Handle(context.Background(), "sync.trigger.web", triggerPayload(t, models.KindWeb))
	require.NoError(t, err)

	assert.Empty(t, h.items.rows)
	assert.Empty(t, h.pub.published)
	require.Len(t, h.sources.completed, 1)
	assert.Equal(t, models.SourceActive, h.sources.completed[0].status)
}

func TestHandlePartialDownloadFailure(t *testing.T) {
	strategy := &fakeStrategy{
		kind: models.KindWeb,
		result: &tracker.Result{
			Changed: []tracker.ChangedItem{
				{ExternalID: "good", ContentType: "text/plain", Fingerprint: "a"},
				{ExternalID: "bad", ContentType: "text/plain", Fingerprint: "b"},
			},
			NewCursor: json.RawMessage(`{"page":"2"}`),
		},
		content:  map[string][]byte{"good": []byte("ok")},
		fetchErr: map[string]error{"bad": errors.New("410 gone")},
	}
	h := newHarness(t, strategy)

	err := h.svc.Handle(context.Background(), "sync.trigger.web", triggerPayload(t, models.KindWeb))
	require.NoError(t, err)

	require.Len(t, h.items.rows, 2)
	byExt := map[string]*models.Item{}
	for _, row := range h.items.rows {
		byExt[row.ExternalID] = row
	}
	assert.Equal(t, models.ItemDownloaded, byExt["good"].Status)
	assert.Equal(t, models.ItemFailed, byExt["bad"].Status)
	assert.Equal(t, string(common.CodeDownloadFailed), byExt["bad"].ErrorCode)

	// Only the good item reaches the processor tier; the batch still moves.
	require.Len(t, h.pub.published, 1)
	require.Len(t, h.sources.cursors, 1)
	assert.Empty(t, h.sources.completed)
}

func TestHandleAllDownloadsFailed(t *testing.T) {
	strategy := &fakeStrategy{
		kind: models.KindWeb,
		result: &tracker.Result{
			Changed: []tracker.ChangedItem{
				{ExternalID: "a", ContentType: "text/plain"},
				{ExternalID: "b", ContentType: "text/plain"},
			},
		},
		fetchErr: map[string]error{
			"a": errors.New("boom"),
			"b": errors.New("boom"),
		},
	}
	h := newHarness(t, strategy)

	err := h.svc.Handle(context.Background(), "sync.trigger.web", triggerPayload(t, models.KindWeb))
	require.NoError(t, err)

	assert.Empty(t, h.pub.published)
	require.Len(t, h.sources.completed, 1)
	assert.Equal(t, models.SourceError, h.sources.completed[0].status)
	assert.Contains(t, h.sources.completed[0].message, "all 2 items failed")
}

func TestHandleMalformedTrigger(t *testing.T) {
	h := newHarness(t, &fakeStrategy{kind: models.KindWeb})

	err := h.svc.Handle(context.Background(), "sync.trigger.web", []byte("{nope"))
	require.Error(t, err)
	assert.Equal(t, common.ClassPermanent, common.Classify(err))
}
