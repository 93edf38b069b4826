// Package scheduler claims sources due for sync and hands them to the
// fetcher tier through the bus. The claim and the trigger message are
// committed together via the sync outbox, so a crash between the two never
// strands a source in pending.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mindwell/syncpipe/internal/common"
	"github.com/mindwell/syncpipe/internal/config"
	"github.com/mindwell/syncpipe/internal/dbx"
	"github.com/mindwell/syncpipe/internal/logging"
	"github.com/mindwell/syncpipe/internal/models"
	"github.com/mindwell/syncpipe/internal/store/outbox"
	"github.com/mindwell/syncpipe/internal/store/sources"
)

// Publisher is the bus surface the drain loop needs.
type Publisher interface {
	Publish(ctx context.Context, subject, msgID string, payload []byte) error
}

// Service runs the periodic claim loop, the outbox drain loop, and the
// stuck-state sweep. It publishes only; it never subscribes.
type Service struct {
	db        *sql.DB
	sources   sources.Repository
	outbox    outbox.Repository
	publisher Publisher
	cfg       *config.Config
	logger    logging.Logger

	now        func() time.Time
	newBatchID func() string
}

// NewService wires the scheduler.
func NewService(db *sql.DB, src sources.Repository, ob outbox.Repository, pub Publisher, cfg *config.Config, logger logging.Logger) *Service {
	return &Service{
		db:         db,
		sources:    src,
		outbox:     ob,
		publisher:  pub,
		cfg:        cfg,
		logger:     logger.With("module", "scheduler"),
		now:        time.Now,
		newBatchID: func() string { return uuid.NewString() },
	}
}

// Run drives the three loops until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.loop(ctx, s.cfg.TickInterval, s.tick) })
	g.Go(func() error { return s.loop(ctx, s.cfg.OutboxDrainInterval, s.drainOutbox) })
	g.Go(func() error { return s.loop(ctx, s.cfg.SweepInterval, s.sweep) })

	return g.Wait()
}

func (s *Service) loop(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error(ctx, "scheduler pass failed", "error", err)
			}
		}
	}
}

// tick claims every due source and enqueues its sync trigger.
func (s *Service) tick(ctx context.Context) (err error) {
	due, err := s.sources.SelectDue(ctx, s.now())
	if err != nil {
		return fmt.Errorf("select due sources: %w", err)
	}
	if len(due) == 0 {
		s.logger.Debug(ctx, "no sources due for sync")
		return nil
	}

	triggered := 0
	for _, src := range due {
		batchID, err := s.Trigger(ctx, src, src.Status)
		if err != nil {
			if errors.Is(err, common.ErrClaimConflict) {
				// Another replica claimed it first.
				continue
			}
			s.logger.Error(ctx, "failed to trigger sync",
				"source_id", src.ID, "kind", src.Kind, "error", err)
			continue
		}
		triggered++
		s.logger.Info(ctx, "sync triggered",
			"source_id", src.ID, "kind", src.Kind, "batch_id", batchID)
	}

	s.logger.Info(ctx, "scheduler tick complete", "due", len(due), "triggered", triggered)
	return nil
}

// Trigger atomically claims src from fromStatus and enqueues the trigger
// message in the same transaction. Returns the fresh batch id.
// ErrClaimConflict means another replica won the claim race.
func (s *Service) Trigger(ctx context.Context, src *models.Source, fromStatus models.SourceStatus) (string, error) {
	batchID := s.newBatchID()

	payload, err := json.Marshal(models.SyncTrigger{
		SourceID:    src.ID,
		Kind:        src.Kind,
		Scope:       src.Scope,
		ScopeID:     src.ScopeID,
		Config:      src.Config,
		Cursor:      src.Cursor,
		BatchID:     batchID,
		TriggeredAt: s.now(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal sync trigger: %w", err)
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		srcRepo := sources.NewPostgresRepository(tx)
		if err := srcRepo.ClaimPending(ctx, src.ID, fromStatus, batchID, s.now()); err != nil {
			return err
		}
		obRepo := outbox.NewPostgresRepository(tx)
		return obRepo.Enqueue(ctx, models.SyncSubject(src.Kind), payload)
	})
	if err != nil {
		return "", err
	}
	return batchID, nil
}

// drainOutbox publishes pending outbox rows. Publishing is at-least-once: a
// crash after publish but before MarkPublished re-sends the message, and the
// bus-side message id dedups it.
func (s *Service) drainOutbox(ctx context.Context) error {
	const drainBatch = 100

	pending, err := s.outbox.SelectUnpublished(ctx, drainBatch)
	if err != nil {
		return fmt.Errorf("select outbox: %w", err)
	}

	for _, msg := range pending {
		if err := s.publishWithRetry(ctx, msg); err != nil {
			// Leave the row unpublished; the next drain retries it.
			s.logger.Error(ctx, "outbox publish failed",
				"outbox_id", msg.ID, "subject", msg.Subject, "error", err)
			continue
		}
		if err := s.outbox.MarkPublished(ctx, msg.ID, s.now()); err != nil {
			return fmt.Errorf("mark outbox published: %w", err)
		}
	}
	return nil
}

func (s *Service) publishWithRetry(ctx context.Context, msg *outbox.Message) error {
	backoff := newPublishBackoff()
	return retryDo(ctx, backoff, func(ctx context.Context) error {
		return s.publisher.Publish(ctx, msg.Subject, fmt.Sprintf("outbox-%d", msg.ID), msg.Payload)
	})
}

// sweep resets sources stuck mid-claim past the timeout so they become
// eligible for a fresh claim. Mandatory for liveness: without it a worker
// crash between claim and completion pins its source forever.
func (s *Service) sweep(ctx context.Context) error {
	cutoff := s.now().Add(-s.cfg.StuckTimeout)
	n, err := s.sources.SweepStuck(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("stuck sweep: %w", err)
	}
	if n > 0 {
		s.logger.Warn(ctx, "reset stuck sources", "count", n, "cutoff", cutoff)
	}
	return nil
}
