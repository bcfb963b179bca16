package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// HealingStorage implements interfaces.HealingStorage for Badger
type HealingStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewHealingStorage creates a new HealingStorage instance
func NewHealingStorage(db *BadgerDB, logger arbor.ILogger) interfaces.HealingStorage {
	return &HealingStorage{db: db, logger: logger}
}

func (s *HealingStorage) SaveRecord(ctx context.Context, record *models.HealingRecord) error {
	if record.ID == "" {
		return fmt.Errorf("healing record ID is required")
	}
	if err := s.db.Store().Upsert(record.ID, record); err != nil {
		return fmt.Errorf("failed to save healing record: %w", err)
	}
	return nil
}

func (s *HealingStorage) GetRecord(ctx context.Context, id string) (*models.HealingRecord, error) {
	var record models.HealingRecord
	if err := s.db.Store().Get(id, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrHealingRecordNotFound, id)
		}
		return nil, fmt.Errorf("failed to get healing record: %w", err)
	}
	return &record, nil
}

// ListRecords returns the project's healing history, oldest first
func (s *HealingStorage) ListRecords(ctx context.Context, projectID string) ([]*models.HealingRecord, error) {
	var records []models.HealingRecord
	if err := s.db.Store().Find(&records, badgerhold.Where("ProjectID").Eq(projectID).SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to list healing records: %w", err)
	}
	result := make([]*models.HealingRecord, len(records))
	for i := range records {
		result[i] = &records[i]
	}
	return result, nil
}

func (s *HealingStorage) SaveOverride(ctx context.Context, override *models.SelectorOverride) error {
	override.ID = models.OverrideID(override.ProjectID, override.OriginalSelector)
	override.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(override.ID, override); err != nil {
		return fmt.Errorf("failed to save selector override: %w", err)
	}
	return nil
}

func (s *HealingStorage) GetOverride(ctx context.Context, projectID, selector string) (*models.SelectorOverride, error) {
	var override models.SelectorOverride
	if err := s.db.Store().Get(models.OverrideID(projectID, selector), &override); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get selector override: %w", err)
	}
	return &override, nil
}

func (s *HealingStorage) ListOverrides(ctx context.Context, projectID string) ([]*models.SelectorOverride, error) {
	var overrides []models.SelectorOverride
	if err := s.db.Store().Find(&overrides, badgerhold.Where("ProjectID").Eq(projectID)); err != nil {
		return nil, fmt.Errorf("failed to list selector overrides: %w", err)
	}
	result := make([]*models.SelectorOverride, len(overrides))
	for i := range overrides {
		result[i] = &overrides[i]
	}
	return result, nil
}
