package badger

import (
	"context"
	"fmt"
	"sort"

	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// ArtifactStorage implements interfaces.ArtifactStorage for Badger
type ArtifactStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewArtifactStorage creates a new ArtifactStorage instance
func NewArtifactStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ArtifactStorage {
	return &ArtifactStorage{db: db, logger: logger}
}

func (s *ArtifactStorage) SaveArtifact(ctx context.Context, record *models.ArtifactRecord) error {
	if record.ID == "" {
		return fmt.Errorf("artifact ID is required")
	}
	if err := s.db.Store().Upsert(record.ID, record); err != nil {
		return fmt.Errorf("failed to save artifact record: %w", err)
	}
	return nil
}

func (s *ArtifactStorage) ListArtifactsByRun(ctx context.Context, runID string) ([]*models.ArtifactRecord, error) {
	var records []models.ArtifactRecord
	if err := s.db.Store().Find(&records, badgerhold.Where("RunID").Eq(runID).SortBy("StepIndex", "CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	result := make([]*models.ArtifactRecord, len(records))
	for i := range records {
		result[i] = &records[i]
	}
	return result, nil
}

func (s *ArtifactStorage) SumArtifactBytes(ctx context.Context, orgID string) (int64, error) {
	var total int64
	err := s.db.Store().ForEach(badgerhold.Where("OrgID").Eq(orgID), func(record *models.ArtifactRecord) error {
		total += record.Size
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to sum artifact bytes: %w", err)
	}
	return total, nil
}

func (s *ArtifactStorage) ListArtifactOrgs(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	err := s.db.Store().ForEach(nil, func(record *models.ArtifactRecord) error {
		seen[record.OrgID] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list artifact orgs: %w", err)
	}
	orgs := make([]string, 0, len(seen))
	for org := range seen {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)
	return orgs, nil
}

func (s *ArtifactStorage) DeleteArtifactsByRun(ctx context.Context, runID string) ([]*models.ArtifactRecord, error) {
	records, err := s.ListArtifactsByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := s.db.Store().DeleteMatching(&models.ArtifactRecord{}, badgerhold.Where("RunID").Eq(runID)); err != nil {
		return nil, fmt.Errorf("failed to delete artifact records: %w", err)
	}
	return records, nil
}
