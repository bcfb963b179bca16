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

// RunStorage implements interfaces.RunStorage for Badger
type RunStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRunStorage creates a new RunStorage instance
func NewRunStorage(db *BadgerDB, logger arbor.ILogger) interfaces.RunStorage {
	return &RunStorage{db: db, logger: logger}
}

func (s *RunStorage) SaveRun(ctx context.Context, run *models.TestRun) error {
	if run.ID == "" {
		return fmt.Errorf("run ID is required")
	}
	run.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(run.ID, run); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *RunStorage) GetRun(ctx context.Context, runID string) (*models.TestRun, error) {
	var run models.TestRun
	if err := s.db.Store().Get(runID, &run); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

func (s *RunStorage) ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.TestRun, error) {
	query := badgerhold.Where("ID").Ne("")
	if filter.OrganizationID != "" {
		query = query.And("OrganizationID").Eq(filter.OrganizationID)
	}
	if filter.ProjectID != "" {
		query = query.And("ProjectID").Eq(filter.ProjectID)
	}
	if filter.Status != "" {
		query = query.And("Status").Eq(filter.Status)
	}
	if filter.TestType != "" {
		query = query.And("TestType").Eq(filter.TestType)
	}
	query = query.SortBy("CreatedAt").Reverse()
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var runs []models.TestRun
	if err := s.db.Store().Find(&runs, query); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	result := make([]*models.TestRun, len(runs))
	for i := range runs {
		result[i] = &runs[i]
	}
	return result, nil
}

func (s *RunStorage) DeleteRun(ctx context.Context, runID string) error {
	if err := s.db.Store().Delete(runID, &models.TestRun{}); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}
