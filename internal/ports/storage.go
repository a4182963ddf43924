package ports

import (
	"time"
)

// AnyVersion skips the optimistic version check on a write.
const AnyVersion int64 = -1

// StoragePort is a versioned key/value store. Every successful write bumps a
// key's version by one; a write naming an expected version fails with a
// version mismatch when the key has moved on. Expected version 0 means the key
// must not exist yet.
type StoragePort interface {
	Get(key string) (value []byte, version int64, exists bool, err error)
	Put(key string, value []byte, version int64) (newVersion int64, err error)
	Delete(key string) error

	BatchWrite(ops []WriteOp) error
	ListByPrefix(prefix string) ([]KeyValueVersion, error)

	Close() error
}

type WriteOp struct {
	Type    OpType
	Key     string
	Value   []byte
	Version int64
}

type KeyValueVersion struct {
	Key      string
	Value    []byte
	Version  int64
	ExpireAt *time.Time
}

type OpType int

const (
	OpPut OpType = iota
	OpDelete
	OpDeleteIfExists
)
