// Package fetcher consumes sync triggers, runs change detection, downloads
// changed content into the blob store, and fans items out to the processor
// tier. One fetcher queue group exists per source family.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/mindwell/syncpipe/internal/blob"
	"github.com/mindwell/syncpipe/internal/common"
	"github.com/mindwell/syncpipe/internal/config"
	"github.com/mindwell/syncpipe/internal/logging"
	"github.com/mindwell/syncpipe/internal/models"
	"github.com/mindwell/syncpipe/internal/store/items"
	"github.com/mindwell/syncpipe/internal/store/sources"
	"github.com/mindwell/syncpipe/internal/tracker"
)

// Publisher is the bus surface the fetcher needs.
type Publisher interface {
	Publish(ctx context.Context, subject, msgID string, payload []byte) error
}

// Service handles one sync trigger at a time per goroutine; horizontal
// scale-out comes from running more instances in the same queue group.
type Service struct {
	sources   sources.Repository
	items     items.Repository
	registry  *tracker.Registry
	blobs     blob.Store
	publisher Publisher
	pool      *ants.Pool
	cfg       *config.Config
	logger    logging.Logger

	now       func() time.Time
	newItemID func() string
}

// NewService wires the fetcher and its bounded download pool.
func NewService(src sources.Repository, it items.Repository, reg *tracker.Registry, blobs blob.Store, pub Publisher, cfg *config.Config, logger logging.Logger) (*Service, error) {
	workers := cfg.DownloadWorkers
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("download pool: %w", err)
	}
	return &Service{
		sources:   src,
		items:     it,
		registry:  reg,
		blobs:     blobs,
		publisher: pub,
		pool:      pool,
		cfg:       cfg,
		logger:    logger.With("module", "fetcher"),
		now:       time.Now,
		newItemID: func() string { return uuid.NewString() },
	}, nil
}

// Close releases the download pool.
func (s *Service) Close() {
	if s.pool != nil {
		s.pool.Release()
	}
}

// downloaded is the outcome of one item download.
type downloaded struct {
	item    tracker.ChangedItem
	blobKey string
	err     error
}

// Handle processes one sync trigger delivery. The returned error follows the
// bus contract: nil or permanent acks, transient naks for redelivery.
func (s *Service) Handle(ctx context.Context, _ string, payload []byte) error {
	var trigger models.SyncTrigger
	if err := json.Unmarshal(payload, &trigger); err != nil {
		return common.Permanent(common.CodeInternal, fmt.Errorf("malformed sync trigger: %w", err))
	}

	log := s.logger.With("source_id", trigger.SourceID, "kind", trigger.Kind, "batch_id", trigger.BatchID)

	// Redelivery-safety guard: pending -> syncing, or re-claim of the same
	// in-flight batch after a crash. Anything else is a stale duplicate.
	err := s.sources.ClaimSyncing(ctx, trigger.SourceID, trigger.BatchID, s.now())
	if err != nil {
		if errors.Is(err, common.ErrClaimConflict) {
			log.Info(ctx, "stale or duplicate sync trigger, discarding")
			return nil
		}
		return fmt.Errorf("claim syncing: %w", err)
	}

	strategy, err := s.registry.For(trigger.Kind)
	if err != nil {
		// Unknown kind is data corruption; record it on the source.
		s.failSource(ctx, trigger.SourceID, err.Error())
		return common.Permanent(common.CodeInternal, err)
	}

	detectCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	result, err := strategy.Detect(detectCtx, trigger.Config, trigger.Cursor)
	cancel()
	if err != nil {
		if common.Classify(err) == common.ClassTransient {
			// Leave the source syncing; redelivery re-claims this batch
			// and retries detection. The sweep catches a spent budget.
			log.Warn(ctx, "change detection failed, will retry", "error", err)
			return err
		}
		log.Error(ctx, "change detection failed", "error", err)
		s.failSource(ctx, trigger.SourceID, err.Error())
		return err
	}

	if len(result.Changed) == 0 {
		if result.NewCursor != nil {
			if err := s.sources.UpdateCursor(ctx, trigger.SourceID, result.NewCursor); err != nil {
				return fmt.Errorf("persist cursor: %w", err)
			}
		}
		if err := s.completeEmptyBatch(ctx, trigger.SourceID); err != nil {
			return err
		}
		log.Info(ctx, "source unchanged, sync complete")
		return nil
	}

	// Phase 1: download everything and create the item rows. Rows must all
	// exist before the first processing trigger goes out, otherwise a fast
	// processor could see the batch as already complete.
	results := s.downloadAll(ctx, strategy, &trigger, result.Changed)

	published := 0
	for _, d := range results {
		itemID, perr := s.persistItem(ctx, &trigger, d)
		if perr != nil {
			return perr
		}
		if d.err != nil {
			log.Warn(ctx, "item download failed",
				"external_id", d.item.ExternalID, "error", d.err)
			continue
		}
		// Phase 2: hand the item to the processor tier.
		if err := s.publishProcessTrigger(ctx, &trigger, itemID, d); err != nil {
			return fmt.Errorf("publish processing trigger: %w", err)
		}
		published++
	}

	// Phase 3: only now is the whole batch durably in flight; advancing the
	// cursor earlier would lose items on a mid-batch crash.
	if result.NewCursor != nil {
		if err := s.sources.UpdateCursor(ctx, trigger.SourceID, result.NewCursor); err != nil {
			return fmt.Errorf("persist cursor: %w", err)
		}
	}

	if published == 0 {
		// Every download failed: no processor message will ever close this
		// batch, so close it here.
		status := models.SourceStatus(s.cfg.AllFailedBatchStatus)
		message := fmt.Sprintf("all %d items failed to download", len(results))
		if err := s.completeBatch(ctx, trigger.SourceID, status, message); err != nil {
			return err
		}
		log.Warn(ctx, "sync finished with all downloads failed", "items", len(results))
		return nil
	}

	log.Info(ctx, "sync dispatched", "items", len(results), "published", published)
	return nil
}

// downloadAll fans the changed items out over the bounded pool and waits for
// every download to settle.
func (s *Service) downloadAll(ctx context.Context, strategy tracker.Strategy, trigger *models.SyncTrigger, changed []tracker.ChangedItem) []downloaded {
	results := make([]downloaded, len(changed))
	var wg sync.WaitGroup

	for i, item := range changed {
		i, item := i, item
		wg.Add(1)
		task := func() {
			defer wg.Done()
			results[i] = s.downloadOne(ctx, strategy, trigger, item)
		}
		if err := s.pool.Submit(task); err != nil {
			// Pool is released only on shutdown; run inline as fallback.
			task()
		}
	}
	wg.Wait()
	return results
}

func (s *Service) downloadOne(ctx context.Context, strategy tracker.Strategy, trigger *models.SyncTrigger, item tracker.ChangedItem) downloaded {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	content, err := strategy.Fetch(fetchCtx, trigger.Config, item)
	if err != nil {
		return downloaded{item: item, err: common.Permanent(common.CodeDownloadFailed, err)}
	}

	contentType := item.ContentType
	if contentType == "" {
		contentType = content.ContentType
	}
	item.ContentType = contentType

	key := blob.Key(trigger.SourceID, item.ExternalID)
	if err := s.blobs.Put(fetchCtx, key, content.Data, contentType); err != nil {
		return downloaded{item: item, err: common.Permanent(common.CodeDownloadFailed, err)}
	}
	return downloaded{item: item, blobKey: key}
}

// persistItem upserts the item row; failed downloads are recorded as
// terminal failed rows so the batch accounting still includes them.
func (s *Service) persistItem(ctx context.Context, trigger *models.SyncTrigger, d downloaded) (string, error) {
	row := &models.Item{
		ID:          s.newItemID(),
		SourceID:    trigger.SourceID,
		ExternalID:  d.item.ExternalID,
		Title:       d.item.Title,
		ContentType: d.item.ContentType,
		Fingerprint: d.item.Fingerprint,
		BlobKey:     d.blobKey,
		BatchID:     trigger.BatchID,
		Status:      models.ItemDownloaded,
		CreatedAt:   s.now(),
	}
	if d.err != nil {
		row.Status = models.ItemFailed
		row.ErrorCode = string(common.CodeOf(d.err))
		row.ErrorMessage = d.err.Error()
	}

	id, err := s.items.Upsert(ctx, row)
	if err != nil {
		return "", fmt.Errorf("upsert item: %w", err)
	}
	return id, nil
}

func (s *Service) publishProcessTrigger(ctx context.Context, trigger *models.SyncTrigger, itemID string, d downloaded) error {
	payload, err := json.Marshal(models.ProcessTrigger{
		ItemID:      itemID,
		SourceID:    trigger.SourceID,
		BlobKey:     d.blobKey,
		ContentType: d.item.ContentType,
		Scope:       trigger.Scope,
		ScopeID:     trigger.ScopeID,
		BatchID:     trigger.BatchID,
	})
	if err != nil {
		return err
	}
	subject := models.ProcessSubject(models.FamilyFor(d.item.ContentType))
	return s.publisher.Publish(ctx, subject, "item-"+itemID, payload)
}

func (s *Service) completeEmptyBatch(ctx context.Context, sourceID string) error {
	return s.completeBatch(ctx, sourceID, models.SourceActive, "")
}

func (s *Service) completeBatch(ctx context.Context, sourceID string, status models.SourceStatus, message string) error {
	err := s.sources.CompleteBatch(ctx, sourceID, status, message, s.now())
	if err != nil && !errors.Is(err, common.ErrClaimConflict) {
		return fmt.Errorf("complete batch: %w", err)
	}
	return nil
}

// failSource records a whole-source failure. The cursor is untouched: the
// next successful cycle re-detects from the previous position.
func (s *Service) failSource(ctx context.Context, sourceID, message string) {
	if err := s.sources.MarkError(ctx, sourceID, message); err != nil {
		s.logger.Error(ctx, "failed to record source error",
			"source_id", sourceID, "error", err)
	}
}
