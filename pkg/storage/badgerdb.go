package storage

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

type BadgerV4DB struct {
	db   *badger.DB
	path string
}

func NewBadgerV4DB(path string) (*BadgerV4DB, error) {
	if path == "" {
		return nil, fmt.Errorf("invalid path: path is empty")
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerV4DB: %w", err)
	}
	return &BadgerV4DB{db: db, path: path}, nil
}

func (db *BadgerV4DB) Get(key []byte) ([]byte, error) {
	var value []byte
	err := db.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (db *BadgerV4DB) Put(key, value []byte) error {
	return db.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (db *BadgerV4DB) Has(key []byte) bool {
	err := db.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	return err == nil
}

func (db *BadgerV4DB) Delete(key []byte) error {
	return db.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (db *BadgerV4DB) BatchPut(kvs [][2][]byte) error {
	return db.db.Update(func(txn *badger.Txn) error {
		for _, kv := range kvs {
			if err := txn.Set(kv[0], kv[1]); err != nil {
				return fmt.Errorf("failed to set key %x: %w", kv[0], err)
			}
		}
		return nil
	})
}

// Compact runs value log garbage collection.
func (db *BadgerV4DB) Compact() error {
	err := db.db.RunValueLogGC(0.5)
	if err != nil && err != badger.ErrNoRewrite {
		return fmt.Errorf("GC failed: %w", err)
	}
	return nil
}

func (db *BadgerV4DB) Close() error {
	return db.db.Close()
}
