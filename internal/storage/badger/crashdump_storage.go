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

// CrashDumpStorage implements interfaces.CrashDumpStorage for Badger
type CrashDumpStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCrashDumpStorage creates a new CrashDumpStorage instance
func NewCrashDumpStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CrashDumpStorage {
	return &CrashDumpStorage{db: db, logger: logger}
}

// SaveCrashDump inserts the dump keyed by run id. A second dump for the same run is rejected.
func (s *CrashDumpStorage) SaveCrashDump(ctx context.Context, dump *models.CrashDumpData) error {
	if dump.RunID == "" {
		return fmt.Errorf("crash dump run ID is required")
	}
	if err := s.db.Store().Insert(dump.RunID, dump); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("%w: %s", models.ErrCrashDumpExists, dump.RunID)
		}
		return fmt.Errorf("failed to save crash dump: %w", err)
	}
	return nil
}

func (s *CrashDumpStorage) GetCrashDump(ctx context.Context, runID string) (*models.CrashDumpData, error) {
	var dump models.CrashDumpData
	if err := s.db.Store().Get(runID, &dump); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get crash dump: %w", err)
	}
	return &dump, nil
}
