package items

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindwell/syncpipe/internal/common"
	"github.com/mindwell/syncpipe/internal/models"
)

func newMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepository(db), mock
}

func TestUpsert(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Now()

	item := &models.Item{
		ID:          "i1",
		SourceID:    "s1",
		ExternalID:  "doc-1",
		Title:       "Doc 1",
		ContentType: "text/html",
		Fingerprint: "fp1",
		BlobKey:     "sources/s1/abc",
		BatchID:     "b1",
		Status:      models.ItemDownloaded,
		CreatedAt:   now,
	}

	mock.ExpectQuery("INSERT INTO items").
		WithArgs("i1", "s1", "doc-1", "Doc 1", "text/html", "fp1",
			"sources/s1/abc", "b1", "downloaded", "", "", now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("i1"))

	id, err := repo.Upsert(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, "i1", id)
}

func TestUpsertReturnsExistingID(t *testing.T) {
	repo, mock := newMock(t)

	// A re-run of the same batch hits the conflict target and keeps the id
	// the first run already published downstream.
	mock.ExpectQuery("INSERT INTO items").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("i-original"))

	id, err := repo.Upsert(context.Background(), &models.Item{ID: "i-rerun", Status: models.ItemDownloaded})
	require.NoError(t, err)
	assert.Equal(t, "i-original", id)
}

func TestClaimProcessing(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Now()

	mock.ExpectExec("UPDATE items").
		WithArgs("i1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.ClaimProcessing(context.Background(), "i1", now))
}

func TestClaimProcessingTerminalItemConflicts(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectExec("UPDATE items").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.ClaimProcessing(context.Background(), "i1", time.Now())
	assert.ErrorIs(t, err, common.ErrClaimConflict)
}

func TestMarkIndexed(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Now()

	mock.ExpectExec("UPDATE items").
		WithArgs("i1", 7, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.MarkIndexed(context.Background(), "i1", 7, now))
}

func TestMarkFailed(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Now()

	mock.ExpectExec("UPDATE items").
		WithArgs("i1", "EXTRACTION_FAILED", "corrupt pdf", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.MarkFailed(context.Background(), "i1", "EXTRACTION_FAILED", "corrupt pdf", now))
}

func TestBatchStats(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectQuery("SELECT").
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"indexed", "failed", "remaining"}).AddRow(3, 1, 2))

	stats, err := repo.BatchStats(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, &models.BatchStats{BatchID: "b1", Indexed: 3, Failed: 1, Remaining: 2}, stats)
}

func TestLatestFingerprints(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectQuery("SELECT DISTINCT ON").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"external_id", "fingerprint"}).
			AddRow("doc-1", "fp1").
			AddRow("doc-2", "fp2"))

	fps, err := repo.LatestFingerprints(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"doc-1": "fp1", "doc-2": "fp2"}, fps)
}
