// Package admin implements the operator-facing source lifecycle: creating,
// disabling and deleting sources, manual sync triggers, and pipeline
// statistics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mindwell/syncpipe/internal/common"
	"github.com/mindwell/syncpipe/internal/logging"
	"github.com/mindwell/syncpipe/internal/models"
	"github.com/mindwell/syncpipe/internal/store/items"
	"github.com/mindwell/syncpipe/internal/store/sources"
)

// Triggerer claims a source and enqueues its sync trigger atomically. The
// scheduler service provides the production implementation.
type Triggerer interface {
	Trigger(ctx context.Context, src *models.Source, fromStatus models.SourceStatus) (string, error)
}

// Service exposes the administrative operations.
type Service struct {
	sources   sources.Repository
	items     items.Repository
	triggerer Triggerer
	logger    logging.Logger

	now   func() time.Time
	newID func() string
}

// NewService wires the admin surface.
func NewService(src sources.Repository, it items.Repository, tr Triggerer, logger logging.Logger) *Service {
	return &Service{
		sources:   src,
		items:     it,
		triggerer: tr,
		logger:    logger.With("module", "admin"),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

// CreateSourceParams carries the operator-provided source definition.
type CreateSourceParams struct {
	OwnerID string
	Scope   models.Scope
	ScopeID string
	Kind    models.SourceKind
	Name    string
	Config  json.RawMessage

	// RefreshInterval of nil means the source syncs on manual trigger only.
	RefreshInterval *time.Duration
}

// CreateSource registers a new source in active state.
func (s *Service) CreateSource(ctx context.Context, params CreateSourceParams) (*models.Source, error) {
	if err := validateKind(params.Kind); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, common.Permanent(common.CodeInternal, fmt.Errorf("source name is required"))
	}

	src := &models.Source{
		ID:              s.newID(),
		OwnerID:         params.OwnerID,
		Scope:           params.Scope,
		ScopeID:         params.ScopeID,
		Kind:            params.Kind,
		Name:            params.Name,
		Status:          models.SourceActive,
		Config:          params.Config,
		RefreshInterval: params.RefreshInterval,
		CreatedAt:       s.now(),
	}
	if err := s.sources.Create(ctx, src); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "source created", "source_id", src.ID, "kind", src.Kind)
	return src, nil
}

// GetSource returns one source row.
func (s *Service) GetSource(ctx context.Context, id string) (*models.Source, error) {
	return s.sources.GetByID(ctx, id)
}

// TriggerSync starts a sync cycle for a source outside its schedule. A source
// with a cycle already in flight returns common.ErrSyncInFlight; a disabled
// source returns common.ErrSourceDisabled. Returns the fresh batch id.
func (s *Service) TriggerSync(ctx context.Context, id string) (string, error) {
	src, err := s.sources.GetByID(ctx, id)
	if err != nil {
		return "", err
	}

	switch src.Status {
	case models.SourceDisabled:
		return "", common.ErrSourceDisabled
	case models.SourcePending, models.SourceSyncing:
		return "", common.ErrSyncInFlight
	}

	batchID, err := s.triggerer.Trigger(ctx, src, src.Status)
	if err != nil {
		return "", err
	}
	s.logger.Info(ctx, "manual sync triggered", "source_id", id, "batch_id", batchID)
	return batchID, nil
}

// DisableSource takes a source out of scheduling.
func (s *Service) DisableSource(ctx context.Context, id string) error {
	if err := s.sources.Disable(ctx, id); err != nil {
		return err
	}
	s.logger.Info(ctx, "source disabled", "source_id", id)
	return nil
}

// EnableSource puts a disabled source back on the schedule. Enabling an
// already enabled source is a no-op.
func (s *Service) EnableSource(ctx context.Context, id string) error {
	err := s.sources.Enable(ctx, id)
	if err != nil {
		if errors.Is(err, common.ErrClaimConflict) {
			// Distinguish "already enabled" from "no such source".
			if _, gerr := s.sources.GetByID(ctx, id); gerr != nil {
				return gerr
			}
			return nil
		}
		return err
	}
	s.logger.Info(ctx, "source enabled", "source_id", id)
	return nil
}

// DeleteSource removes a source unless a sync is in flight.
func (s *Service) DeleteSource(ctx context.Context, id string) error {
	if err := s.sources.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info(ctx, "source deleted", "source_id", id)
	return nil
}

// SyncStats is a point-in-time picture of the pipeline.
type SyncStats struct {
	ByStatus map[models.SourceStatus]int `json:"by_status"`
	Due      int                         `json:"due"`
}

// Stats reports source counts per status and the current due backlog.
func (s *Service) Stats(ctx context.Context) (*SyncStats, error) {
	byStatus, err := s.sources.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	due, err := s.sources.CountDue(ctx, s.now())
	if err != nil {
		return nil, err
	}
	return &SyncStats{ByStatus: byStatus, Due: due}, nil
}

// BatchSummary reports the terminal outcomes of one sync batch.
func (s *Service) BatchSummary(ctx context.Context, batchID string) (*models.BatchStats, error) {
	return s.items.BatchStats(ctx, batchID)
}

func validateKind(kind models.SourceKind) error {
	for _, k := range models.Kinds() {
		if k == kind {
			return nil
		}
	}
	return common.Permanent(common.CodeInternal, fmt.Errorf("unknown source kind %q", kind))
}
