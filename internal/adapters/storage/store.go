package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/eleven-am/flowgate/internal/ports"
	json "github.com/goccy/go-json"
)

const versionPrefix = "v:"

// Store implements ports.StoragePort on a local badger database. Each key
// carries a companion "v:<key>" entry holding its version, written in the
// same transaction as the value.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	owned  bool

	mu     sync.RWMutex
	closed bool
}

func NewStore(db *badger.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger.With("component", "storage"),
	}
}

// Open opens a badger database for config and returns a Store that closes it
// on Close.
func Open(config domain.StorageConfig, logger *slog.Logger) (*Store, error) {
	db, err := OpenBadger(config, logger)
	if err != nil {
		return nil, err
	}
	store := NewStore(db, logger)
	store.owned = true
	return store, nil
}

func (s *Store) Get(key string) (value []byte, version int64, exists bool, err error) {
	if err := s.checkOpen(); err != nil {
		return nil, 0, false, err
	}

	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		exists = true
		value, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}

		version, err = readVersion(txn, key)
		return err
	})

	return value, version, exists, err
}

func (s *Store) Put(key string, value []byte, version int64) (int64, error) {
	if key == "" {
		return 0, domain.ErrInvalidInput
	}
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var newVersion int64
	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := readVersion(txn, key)
		if err != nil {
			return err
		}
		if version != ports.AnyVersion && version != current {
			return domain.NewVersionMismatchError(key, version, current)
		}

		newVersion = current + 1
		return writeValue(txn, key, value, newVersion)
	})
	if err != nil {
		return 0, s.translate(key, err)
	}

	s.logger.Debug("stored key", "key", key, "version", newVersion, "size", len(value))
	return newVersion, nil
}

func (s *Store) Delete(key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(key)); err != nil {
			return err
		}
		return txn.Delete([]byte(versionPrefix + key))
	})
	return s.translate(key, err)
}

// BatchWrite applies ops atomically. A versioned put or delete whose
// expected version does not match aborts the whole batch.
func (s *Store) BatchWrite(ops []ports.WriteOp) error {
	if len(ops) == 0 {
		return nil
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	var failedKey string
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			failedKey = op.Key
			if op.Key == "" {
				return domain.ErrInvalidInput
			}

			current, err := readVersion(txn, op.Key)
			if err != nil {
				return err
			}

			switch op.Type {
			case ports.OpPut:
				if op.Version != ports.AnyVersion && op.Version != current {
					return domain.NewVersionMismatchError(op.Key, op.Version, current)
				}
				if err := writeValue(txn, op.Key, op.Value, current+1); err != nil {
					return err
				}
			case ports.OpDelete:
				if current == 0 {
					return domain.NewKeyNotFoundError(op.Key)
				}
				if op.Version != ports.AnyVersion && op.Version != current {
					return domain.NewVersionMismatchError(op.Key, op.Version, current)
				}
				if err := deleteValue(txn, op.Key); err != nil {
					return err
				}
			case ports.OpDeleteIfExists:
				if current == 0 {
					continue
				}
				if err := deleteValue(txn, op.Key); err != nil {
					return err
				}
			default:
				return fmt.Errorf("%w: unknown write op %d", domain.ErrInvalidInput, op.Type)
			}
		}
		return nil
	})
	if err != nil {
		return s.translate(failedKey, err)
	}

	s.logger.Debug("applied batch", "ops", len(ops))
	return nil
}

func (s *Store) ListByPrefix(prefix string) ([]ports.KeyValueVersion, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var results []ports.KeyValueVersion
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if strings.HasPrefix(key, versionPrefix) {
				continue
			}

			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			version, err := readVersion(txn, key)
			if err != nil {
				return err
			}

			results = append(results, ports.KeyValueVersion{
				Key:     key,
				Value:   value,
				Version: version,
			})
		}
		return nil
	})

	return results, err
}

// Close marks the store closed and closes the database when the store
// opened it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.owned {
		return s.db.Close()
	}
	return nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return &domain.StorageError{Type: domain.ErrClosed, Message: "storage is closed"}
	}
	return nil
}

func (s *Store) translate(key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrConflict) {
		s.logger.Debug("transaction conflict", "key", key)
		return domain.NewTransactionConflictError(key, err)
	}
	return err
}

func readVersion(txn *badger.Txn, key string) (int64, error) {
	item, err := txn.Get([]byte(versionPrefix + key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}

	data, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}

	var version int64
	if err := json.Unmarshal(data, &version); err != nil {
		return 0, fmt.Errorf("corrupt version for key %s: %w", key, err)
	}
	return version, nil
}

func writeValue(txn *badger.Txn, key string, value []byte, version int64) error {
	versionBytes, err := json.Marshal(version)
	if err != nil {
		return err
	}
	if err := txn.Set([]byte(key), value); err != nil {
		return err
	}
	return txn.Set([]byte(versionPrefix+key), versionBytes)
}

func deleteValue(txn *badger.Txn, key string) error {
	if err := txn.Delete([]byte(key)); err != nil {
		return err
	}
	return txn.Delete([]byte(versionPrefix + key))
}
