// Package processor consumes processing triggers, extracts and embeds item
// content, and closes sync batches once their last item reaches a terminal
// status. One processor queue group exists per content family.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mindwell/syncpipe/internal/blob"
	"github.com/mindwell/syncpipe/internal/common"
	"github.com/mindwell/syncpipe/internal/config"
	"github.com/mindwell/syncpipe/internal/embed"
	"github.com/mindwell/syncpipe/internal/extract"
	"github.com/mindwell/syncpipe/internal/logging"
	"github.com/mindwell/syncpipe/internal/models"
	"github.com/mindwell/syncpipe/internal/store/items"
	"github.com/mindwell/syncpipe/internal/store/sources"
)

// Service turns downloaded items into indexed ones.
type Service struct {
	sources   sources.Repository
	items     items.Repository
	blobs     blob.Store
	extractor extract.Extractor
	embedder  embed.Embedder
	cfg       *config.Config
	logger    logging.Logger

	now func() time.Time
}

// NewService wires the processor.
func NewService(src sources.Repository, it items.Repository, blobs blob.Store, ex extract.Extractor, em embed.Embedder, cfg *config.Config, logger logging.Logger) *Service {
	return &Service{
		sources:   src,
		items:     it,
		blobs:     blobs,
		extractor: ex,
		embedder:  em,
		cfg:       cfg,
		logger:    logger.With("module", "processor"),
		now:       time.Now,
	}
}

// Handle processes one processing trigger delivery. The returned error
// follows the bus contract: nil or permanent acks, transient naks for
// redelivery.
func (s *Service) Handle(ctx context.Context, _ string, payload []byte) error {
	var trigger models.ProcessTrigger
	if err := json.Unmarshal(payload, &trigger); err != nil {
		return common.Permanent(common.CodeInternal, fmt.Errorf("malformed processing trigger: %w", err))
	}

	log := s.logger.With("item_id", trigger.ItemID, "source_id", trigger.SourceID, "batch_id", trigger.BatchID)

	// Terminal items conflict here, so a duplicate delivery of an already
	// indexed or failed item is dropped without re-running the pipeline.
	err := s.items.ClaimProcessing(ctx, trigger.ItemID, s.now())
	if err != nil {
		if errors.Is(err, common.ErrClaimConflict) {
			log.Info(ctx, "item already settled, discarding duplicate")
			return nil
		}
		return fmt.Errorf("claim processing: %w", err)
	}

	if err := s.processOne(ctx, &trigger, log); err != nil {
		if common.Classify(err) == common.ClassTransient {
			log.Warn(ctx, "processing failed, will retry", "error", err)
			return err
		}
		log.Error(ctx, "processing failed", "error", err)
		if ferr := s.items.MarkFailed(ctx, trigger.ItemID, string(common.CodeOf(err)), err.Error(), s.now()); ferr != nil {
			if errors.Is(ferr, common.ErrClaimConflict) {
				return nil
			}
			return fmt.Errorf("mark item failed: %w", ferr)
		}
	}

	return s.maybeCompleteBatch(ctx, &trigger, log)
}

// processOne runs the extract → embed → index sequence for one claimed item.
// Any permanent error it returns becomes the item's terminal failure.
func (s *Service) processOne(ctx context.Context, trigger *models.ProcessTrigger, log logging.Logger) error {
	data, err := s.blobs.Get(ctx, trigger.BlobKey)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return common.Permanent(common.CodeDownloadFailed, fmt.Errorf("blob %s missing: %w", trigger.BlobKey, err))
		}
		// Store hiccup: retry the whole item.
		return common.Transient(common.CodeNetwork, err)
	}

	extractCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	segments, err := s.extractor.Extract(extractCtx, data, trigger.ContentType)
	cancel()
	if err != nil {
		if common.Classify(err) == common.ClassTransient {
			return err
		}
		code := common.CodeOf(err)
		if code == common.CodeInternal {
			code = common.CodeExtractionFailed
		}
		return common.Permanent(code, err)
	}
	if len(segments) == 0 {
		return common.Permanent(common.CodeExtractionFailed, errors.New("no segments extracted"))
	}

	embedCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	err = s.embedder.Embed(embedCtx, segments, trigger.Scope, trigger.ScopeID, trigger.ItemID)
	cancel()
	if err != nil {
		if common.Classify(err) == common.ClassTransient {
			return err
		}
		code := common.CodeOf(err)
		if code == common.CodeInternal {
			code = common.CodeEmbeddingFailed
		}
		return common.Permanent(code, err)
	}

	if err := s.items.MarkIndexed(ctx, trigger.ItemID, len(segments), s.now()); err != nil {
		if errors.Is(err, common.ErrClaimConflict) {
			// A concurrent re-run settled the item first.
			log.Info(ctx, "item settled concurrently")
			return nil
		}
		return fmt.Errorf("mark item indexed: %w", err)
	}
	log.Info(ctx, "item indexed", "segments", len(segments))
	return nil
}

// maybeCompleteBatch flips the source out of syncing once the batch has no
// in-flight items left. The conditional update on the source row makes the
// flip exactly-once even when two processors finish the last two items
// simultaneously.
func (s *Service) maybeCompleteBatch(ctx context.Context, trigger *models.ProcessTrigger, log logging.Logger) error {
	stats, err := s.items.BatchStats(ctx, trigger.BatchID)
	if err != nil {
		return fmt.Errorf("batch stats: %w", err)
	}
	if stats.Remaining > 0 {
		return nil
	}

	status := models.SourceActive
	if stats.Indexed == 0 && stats.Failed > 0 {
		status = models.SourceStatus(s.cfg.AllFailedBatchStatus)
	}
	message := fmt.Sprintf("batch %s: %d indexed, %d failed", trigger.BatchID, stats.Indexed, stats.Failed)

	err = s.sources.CompleteBatch(ctx, trigger.SourceID, status, message, s.now())
	if err != nil {
		if errors.Is(err, common.ErrClaimConflict) {
			// A sibling worker closed the batch first.
			return nil
		}
		return fmt.Errorf("complete batch: %w", err)
	}
	log.Info(ctx, "batch complete", "status", status, "indexed", stats.Indexed, "failed", stats.Failed)
	return nil
}
