package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/meta-node-blockchain/meta-bba/pkg/logger"
)

type LevelDB struct {
	db     *leveldb.DB
	closed bool
	path   string
	mu     sync.Mutex
}

func NewLevelDB(path string) (*LevelDB, error) {
	if path == "" {
		return nil, fmt.Errorf("invalid path: path is empty")
	}
	db, err := leveldb.OpenFile(path, &opt.Options{
		BlockCacheCapacity: 8 * opt.MiB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open LevelDB at %s: %w", path, err)
	}
	return &LevelDB{db: db, path: path}, nil
}

func (ldb *LevelDB) ensureOpen() error {
	ldb.mu.Lock()
	defer ldb.mu.Unlock()

	if ldb.closed {
		var err error
		ldb.db, err = leveldb.OpenFile(ldb.path, nil)
		if err != nil {
			return err
		}
		ldb.closed = false
	}
	return nil
}

func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	if err := ldb.ensureOpen(); err != nil {
		return nil, err
	}
	value, err := ldb.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (ldb *LevelDB) Put(key, value []byte) error {
	if err := ldb.ensureOpen(); err != nil {
		return err
	}
	return ldb.db.Put(key, value, nil)
}

func (ldb *LevelDB) Has(key []byte) bool {
	if err := ldb.ensureOpen(); err != nil {
		return false
	}
	has, _ := ldb.db.Has(key, nil)
	return has
}

func (ldb *LevelDB) Delete(key []byte) error {
	if err := ldb.ensureOpen(); err != nil {
		return err
	}
	return ldb.db.Delete(key, nil)
}

func (ldb *LevelDB) BatchPut(kvs [][2][]byte) error {
	if err := ldb.ensureOpen(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for i := range kvs {
		batch.Put(kvs[i][0], kvs[i][1])
	}
	return ldb.db.Write(batch, nil)
}

func (ldb *LevelDB) Close() error {
	ldb.mu.Lock()
	defer ldb.mu.Unlock()

	if ldb.closed {
		return nil
	}
	if err := ldb.db.Close(); err != nil {
		logger.Error("Failed to close LevelDB at path %s: %v", ldb.path, err)
		return err
	}
	ldb.closed = true
	return nil
}
