package badger

import (
	"fmt"
	"os"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// BadgerDB holds the single database shared by runs, baselines, healing
// history, quota counters, artifact metadata and crash dumps
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	path   string
}

// NewBadgerDB opens the database at config.Path. With reset_on_startup the
// directory is wiped first, which discards run history and quota usage.
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("storage.badger.path is required")
	}
	if config.ResetOnStartup {
		if err := resetDir(config.Path); err != nil {
			return nil, err
		}
		logger.Warn().Str("path", config.Path).Msg("Run database reset on startup")
	}
	if err := os.MkdirAll(config.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run database directory %s: %w", config.Path, err)
	}

	store, err := badgerhold.Open(openOptions(config))
	if err != nil {
		return nil, fmt.Errorf("failed to open run database %s: %w", config.Path, err)
	}

	lsm, vlog := store.Badger().Size()
	logger.Debug().
		Str("path", config.Path).
		Bool("sync_writes", config.SyncWrites).
		Int64("lsm_bytes", lsm).
		Int64("vlog_bytes", vlog).
		Msg("Run database opened")
	return &BadgerDB{store: store, logger: logger, path: config.Path}, nil
}

func openOptions(config *common.BadgerConfig) badgerhold.Options {
	options := badgerhold.DefaultOptions
	options.Options = badgerdb.DefaultOptions(config.Path).
		WithSyncWrites(config.SyncWrites).
		WithLogger(nil)
	return options
}

func resetDir(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to reset run database %s: %w", path, err)
	}
	return nil
}

// Store returns the typed badgerhold store used by the storage adapters
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Badger returns the raw handle used for quota counters and the run queue
func (b *BadgerDB) Badger() *badgerdb.DB {
	return b.store.Badger()
}

// Close flushes and closes the database; calling it twice is harmless
func (b *BadgerDB) Close() error {
	if b.store == nil {
		return nil
	}
	store := b.store
	b.store = nil
	if err := store.Close(); err != nil {
		return fmt.Errorf("failed to close run database %s: %w", b.path, err)
	}
	b.logger.Debug().Str("path", b.path).Msg("Run database closed")
	return nil
}
