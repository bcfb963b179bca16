package badger

import (
	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/ternarybob/arbor"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db        *BadgerDB
	runs      interfaces.RunStorage
	baselines interfaces.BaselineStorage
	healing   interfaces.HealingStorage
	quota     interfaces.QuotaStorage
	artifacts interfaces.ArtifactStorage
	crashes   interfaces.CrashDumpStorage
	logger    arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := newManager(db, logger)
	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")
	return manager, nil
}

func newManager(db *BadgerDB, logger arbor.ILogger) *Manager {
	return &Manager{
		db:        db,
		runs:      NewRunStorage(db, logger),
		baselines: NewBaselineStorage(db, logger),
		healing:   NewHealingStorage(db, logger),
		quota:     NewQuotaStorage(db, logger),
		artifacts: NewArtifactStorage(db, logger),
		crashes:   NewCrashDumpStorage(db, logger),
		logger:    logger,
	}
}

func (m *Manager) RunStorage() interfaces.RunStorage             { return m.runs }
func (m *Manager) BaselineStorage() interfaces.BaselineStorage   { return m.baselines }
func (m *Manager) HealingStorage() interfaces.HealingStorage     { return m.healing }
func (m *Manager) QuotaStorage() interfaces.QuotaStorage         { return m.quota }
func (m *Manager) ArtifactStorage() interfaces.ArtifactStorage   { return m.artifacts }
func (m *Manager) CrashDumpStorage() interfaces.CrashDumpStorage { return m.crashes }

// DB returns the underlying badgerhold store
func (m *Manager) DB() interface{} {
	if m.db != nil {
		return m.db.Store()
	}
	return nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
