package storage

import (
	"errors"
	"fmt"
)

const (
	STORAGE_TYPE_LEVEL_DB  = "level"
	STORAGE_TYPE_BADGER_DB = "badger"
	STORAGE_TYPE_BOLT_DB   = "bolt"
	STORAGE_TYPE_MEMORY_DB = "memory"
)

var ErrNotFound = errors.New("key not found")

type Storage interface {
	Get([]byte) ([]byte, error)
	Put([]byte, []byte) error
	Has([]byte) bool
	Delete([]byte) error
	BatchPut([][2][]byte) error
	Close() error
}

// IsKnownType reports whether Open accepts dbType.
func IsKnownType(dbType string) bool {
	switch dbType {
	case STORAGE_TYPE_LEVEL_DB, STORAGE_TYPE_BADGER_DB, STORAGE_TYPE_BOLT_DB, STORAGE_TYPE_MEMORY_DB:
		return true
	}
	return false
}

// Open creates the backend named by dbType at path. The memory backend ignores path.
func Open(dbType string, path string) (Storage, error) {
	switch dbType {
	case STORAGE_TYPE_MEMORY_DB, "":
		return NewMemoryDb(), nil
	case STORAGE_TYPE_LEVEL_DB:
		return NewLevelDB(path)
	case STORAGE_TYPE_BADGER_DB:
		return NewBadgerV4DB(path)
	case STORAGE_TYPE_BOLT_DB:
		return NewBoltDB(path)
	}
	return nil, fmt.Errorf("unknown storage type %q", dbType)
}
