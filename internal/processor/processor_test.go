package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindwell/syncpipe/internal/common"
	"github.com/mindwell/syncpipe/internal/config"
	embedmock "github.com/mindwell/syncpipe/internal/embed/mock"
	"github.com/mindwell/syncpipe/internal/extract"
	extractmock "github.com/mindwell/syncpipe/internal/extract/mock"
	"github.com/mindwell/syncpipe/internal/logging"
	"github.com/mindwell/syncpipe/internal/models"
	"github.com/mindwell/syncpipe/internal/store/items"
	"github.com/mindwell/syncpipe/internal/store/sources"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type fakeItems struct {
	items.Repository

	claimErr error
	stats    *models.BatchStats

	claimed []string
	indexed map[string]int
	failed  map[string]string
}

func newFakeItems() *fakeItems {
	return &fakeItems{
		stats:   &models.BatchStats{Remaining: 1},
		indexed: map[string]int{},
		failed:  map[string]string{},
	}
}

func (f *fakeItems) ClaimProcessing(_ context.Context, id string, _ time.Time) error {
	if f.claimErr != nil {
		return f.claimErr
	}
	f.claimed = append(f.claimed, id)
	return nil
}

func (f *fakeItems) MarkIndexed(_ context.Context, id string, segmentCount int, _ time.Time) error {
	f.indexed[id] = segmentCount
	return nil
}

func (f *fakeItems) MarkFailed(_ context.Context, id string, code, _ string, _ time.Time) error {
	f.failed[id] = code
	return nil
}

func (f *fakeItems) BatchStats(_ context.Context, batchID string) (*models.BatchStats, error) {
	s := *f.stats
	s.BatchID = batchID
	return &s, nil
}

type fakeSources struct {
	sources.Repository

	completeErr error
	completed   []completion
}

type completion struct {
	status  models.SourceStatus
	message string
}

func (f *fakeSources) CompleteBatch(_ context.Context, _ string, status models.SourceStatus, message string, _ time.Time) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed = append(f.completed, completion{status: status, message: message})
	return nil
}

type memBlobStore struct {
	blobs map[string][]byte
	err   error
}

func (m *memBlobStore) Put(_ context.Context, key string, data []byte, _ string) error {
	m.blobs[key] = data
	return nil
}

func (m *memBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	b, ok := m.blobs[key]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return b, nil
}

func (m *memBlobStore) Delete(_ context.Context, key string) error {
	delete(m.blobs, key)
	return nil
}

type harness struct {
	svc       *Service
	items     *fakeItems
	sources   *fakeSources
	blobs     *memBlobStore
	extractor *extractmock.Extractor
	embedder  *embedmock.Embedder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()

	h := &harness{
		items:   newFakeItems(),
		sources: &fakeSources{},
		blobs: &memBlobStore{blobs: map[string][]byte{
			"sources/s1/blob": []byte("raw content"),
		}},
		extractor: &extractmock.Extractor{
			Segments: []extract.Segment{{Position: 0, Text: "one"}, {Position: 1, Text: "two"}},
		},
		embedder: &embedmock.Embedder{},
	}
	h.svc = NewService(h.sources, h.items, h.blobs, h.extractor, h.embedder, cfg, testLogger())
	h.svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return h
}

func processPayload(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(models.ProcessTrigger{
		ItemID:      "i1",
		SourceID:    "s1",
		BlobKey:     "sources/s1/blob",
		ContentType: "text/plain",
		Scope:       models.ScopeUser,
		ScopeID:     "u1",
		BatchID:     "b1",
	})
	require.NoError(t, err)
	return b
}

func TestHandleProcess(t *testing.T) {
	h := newHarness(t)

	err := h.svc.Handle(context.Background(), "item.process.text", processPayload(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"i1"}, h.items.claimed)
	assert.Equal(t, 2, h.items.indexed["i1"])
	require.Equal(t, 1, h.embedder.CallCount())
	call := h.embedder.Calls[0]
	assert.Equal(t, models.ScopeUser, call.Scope)
	assert.Equal(t, "u1", call.ScopeID)
	assert.Equal(t, "i1", call.ItemID)

	// One item of the batch is still in flight.
	assert.Empty(t, h.sources.completed)
}

func TestHandleLastItemCompletesBatch(t *testing.T) {
	h := newHarness(t)
	h.items.stats = &models.BatchStats{Indexed: 3, Failed: 1, Remaining: 0}

	err := h.svc.Handle(context.Background(), "item.process.text", processPayload(t))
	require.NoError(t, err)

	require.Len(t, h.sources.completed, 1)
	assert.Equal(t, models.SourceActive, h.sources.completed[0].status)
	assert.Equal(t, "batch b1: 3 indexed, 1 failed", h.sources.completed[0].message)
}

func TestHandleAllItemsFailedBatch(t *testing.T) {
	h := newHarness(t)
	h.extractor.Err = common.Permanent(common.CodeUnsupportedFormat, errors.New("binary garbage"))
	h.items.stats = &models.BatchStats{Indexed: 0, Failed: 2, Remaining: 0}

	err := h.svc.Handle(context.Background(), "item.process.text", processPayload(t))
	require.NoError(t, err)

	assert.Equal(t, string(common.CodeUnsupportedFormat), h.items.failed["i1"])
	require.Len(t, h.sources.completed, 1)
	assert.Equal(t, models.SourceError, h.sources.completed[0].status)
}

func TestHandleDuplicateDeliveryDropped(t *testing.T) {
	h := newHarness(t)
	h.items.claimErr = common.ErrClaimConflict

	err := h.svc.Handle(context.Background(), "item.process.text", processPayload(t))
	require.NoError(t, err)

	assert.Equal(t, 0, h.extractor.CallCount())
	assert.Equal(t, 0, h.embedder.CallCount())
	assert.Empty(t, h.sources.completed)
}

func TestHandleExtractionPermanentFailure(t *testing.T) {
	h := newHarness(t)
	h.extractor.Err = common.Permanent(common.CodeExtractionFailed, errors.New("corrupt pdf"))

	err := h.svc.Handle(context.Background(), "item.process.text", processPayload(t))
	require.NoError(t, err)

	assert.Equal(t, string(common.CodeExtractionFailed), h.items.failed["i1"])
	assert.Equal(t, 0, h.embedder.CallCount())
}

func TestHandleEmbeddingTransientFailure(t *testing.T) {
	h := newHarness(t)
	h.embedder.Err = common.Transient(common.CodeEmbeddingFailed, errors.New("vector store timeout"))

	err := h.svc.Handle(context.Background(), "item.process.text", processPayload(t))
	require.Error(t, err)
	assert.Equal(t, common.ClassTransient, common.Classify(err))

	// The item stays processing; the redelivered message re-claims it.
	assert.Empty(t, h.items.failed)
	assert.Empty(t, h.items.indexed)
}

func TestHandleUncodedExtractionError(t *testing.T) {
	h := newHarness(t)
	h.extractor.Err = errors.New("panic in parser")

	// Uncoded errors classify transient and ride the redelivery budget.
	err := h.svc.Handle(context.Background(), "item.process.text", processPayload(t))
	require.Error(t, err)
	assert.Equal(t, common.ClassTransient, common.Classify(err))
}

func TestHandleMissingBlob(t *testing.T) {
	h := newHarness(t)
	h.blobs.blobs = map[string][]byte{}

	err := h.svc.Handle(context.Background(), "item.process.text", processPayload(t))
	require.NoError(t, err)

	assert.Equal(t, string(common.CodeDownloadFailed), h.items.failed["i1"])
}

func TestHandleNoSegments(t *testing.T) {
	h := newHarness(t)
	h.extractor.Segments = nil

	err := h.svc.Handle(context.Background(), "item.process.text", processPayload(t))
	require.NoError(t, err)

	assert.Equal(t, string(common.CodeExtractionFailed), h.items.failed["i1"])
	assert.Equal(t, 0, h.embedder.CallCount())
}

func TestHandleCompletionRaceLostIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.items.stats = &models.BatchStats{Indexed: 1, Remaining: 0}
	h.sources.completeErr = common.ErrClaimConflict

	err := h.svc.Handle(context.Background(), "item.process.text", processPayload(t))
	require.NoError(t, err)
}
