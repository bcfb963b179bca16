package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// BaselineStorage implements interfaces.BaselineStorage for Badger
type BaselineStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewBaselineStorage creates a new BaselineStorage instance
func NewBaselineStorage(db *BadgerDB, logger arbor.ILogger) interfaces.BaselineStorage {
	return &BaselineStorage{db: db, logger: logger}
}

func (s *BaselineStorage) GetBaseline(ctx context.Context, id string) (*models.BaselineMetadata, error) {
	var meta models.BaselineMetadata
	if err := s.db.Store().Get(id, &meta); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrBaselineMissing, id)
		}
		return nil, fmt.Errorf("failed to get baseline: %w", err)
	}
	return &meta, nil
}

func (s *BaselineStorage) SaveBaseline(ctx context.Context, meta *models.BaselineMetadata) error {
	if meta.ID == "" {
		return fmt.Errorf("baseline ID is required")
	}
	if len(meta.History) == 0 {
		return fmt.Errorf("baseline %s has no history", meta.ID)
	}
	if err := s.db.Store().Upsert(meta.ID, meta); err != nil {
		return fmt.Errorf("failed to save baseline: %w", err)
	}
	return nil
}

func (s *BaselineStorage) ListBaselines(ctx context.Context, projectID string) ([]*models.BaselineMetadata, error) {
	var metas []models.BaselineMetadata
	if err := s.db.Store().Find(&metas, badgerhold.Where("ProjectID").Eq(projectID).SortBy("ID")); err != nil {
		return nil, fmt.Errorf("failed to list baselines: %w", err)
	}
	result := make([]*models.BaselineMetadata, len(metas))
	for i := range metas {
		result[i] = &metas[i]
	}
	return result, nil
}
