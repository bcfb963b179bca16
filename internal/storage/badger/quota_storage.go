package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/ternarybob/arbor"
)

// QuotaStorage keeps committed byte counters as raw big-endian int64 values so
// check-and-increment happens inside a single badger transaction.
type QuotaStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewQuotaStorage creates a new QuotaStorage instance
func NewQuotaStorage(db *BadgerDB, logger arbor.ILogger) interfaces.QuotaStorage {
	return &QuotaStorage{db: db, logger: logger}
}

func quotaKey(orgID string) []byte {
	return []byte(fmt.Sprintf("quota:committed:%s", orgID))
}

func readCounter(txn *badgerdb.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var value int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt quota counter %s", key)
		}
		value = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return value, err
}

func writeCounter(txn *badgerdb.Txn, key []byte, value int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(value))
	return txn.Set(key, buf)
}

func (s *QuotaStorage) GetCommitted(ctx context.Context, orgID string) (int64, error) {
	var value int64
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		var err error
		value, err = readCounter(txn, quotaKey(orgID))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read quota counter: %w", err)
	}
	return value, nil
}

func (s *QuotaStorage) AddCommitted(ctx context.Context, orgID string, delta int64) (int64, error) {
	var value int64
	err := s.db.Badger().Update(func(txn *badgerdb.Txn) error {
		current, err := readCounter(txn, quotaKey(orgID))
		if err != nil {
			return err
		}
		value = current + delta
		if value < 0 {
			s.logger.Warn().Str("org_id", orgID).Int64("counter", current).Int64("delta", delta).Msg("Quota counter would go negative, clamping to zero")
			value = 0
		}
		return writeCounter(txn, quotaKey(orgID), value)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to update quota counter: %w", err)
	}
	return value, nil
}

func (s *QuotaStorage) SetCommitted(ctx context.Context, orgID string, bytes int64) error {
	if bytes < 0 {
		bytes = 0
	}
	err := s.db.Badger().Update(func(txn *badgerdb.Txn) error {
		return writeCounter(txn, quotaKey(orgID), bytes)
	})
	if err != nil {
		return fmt.Errorf("failed to set quota counter: %w", err)
	}
	return nil
}
