package main

import (
	"context"
	"errors"

	badger "github.com/dgraph-io/badger/v4"
)

// badgerStore keeps every collection in one BadgerDB.
// Document keys look like "inventory:Widget": the collection name and a colon
// prefix the document key, so a prefix scan lists one collection.
type badgerStore struct {
	db    *badger.DB
	locks *keyLock // serializes Update per document key
}

// openBadgerStore opens BadgerDB at dbPath
//   - empty string or ":memory:" for in-memory (ephemeral)
//   - a directory path for persistent storage
func openBadgerStore(dbPath string) (*badgerStore, error) {
	var opts badger.Options
	if dbPath == "" || dbPath == ":memory:" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dbPath)
	}

	// BadgerDB logs a lot at INFO; keep only warnings and errors
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db, locks: newKeyLock()}, nil
}

func badgerKey(collection, key string) []byte {
	return []byte(collection + ":" + key)
}

func (s *badgerStore) List(ctx context.Context, collection string) ([]Document, error) {
	docs := []Document{}
	prefix := []byte(collection + ":")

	// db.View() is a read-only transaction; readers never block each other
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()

			// ValueCopy because the value slice is only valid inside the txn
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			docs = append(docs, Document{
				Key:  string(item.Key()[len(prefix):]),
				Data: data,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *badgerStore) Get(ctx context.Context, collection, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(collection, key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *badgerStore) Set(ctx context.Context, collection, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(collection, key), data)
	})
}

func (s *badgerStore) Delete(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(collection, key))
	})
}

// Update runs the read-modify-write for one document.
//
// Badger is embedded in this process, so every writer to a document goes
// through this method. That lets us do better than optimistic retries alone:
//
//	Step 1: take the per-document lock, so writers to the same key queue up
//	        instead of racing (writers to other keys are not affected)
//	Step 2: run the read-modify-write inside one read-write transaction
//	Step 3: if Commit still fails with ErrConflict, back off and retry
//
// Why keep step 3 at all? Set and Delete do not take the lock, so a plain
// Set can still land between our read and our commit. Badger tracks the
// keys a transaction read and refuses the commit if one of them changed;
// the retry re-reads and applies fn to the fresh value.
//
// Python equivalent of the lock:
//
//	with locks[key]:
//	    with db.transaction() as txn: ...
func (s *badgerStore) Update(ctx context.Context, collection, key string, fn UpdateFunc) error {
	k := badgerKey(collection, key)

	// Step 1: one writer per document at a time
	unlock := s.locks.Lock(string(k))
	defer unlock()

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Step 2: read, compute and write in one transaction
		err := s.db.Update(func(txn *badger.Txn) error {
			var current []byte
			item, err := txn.Get(k)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				// absent: current stays nil
			case err != nil:
				return err
			default:
				// ValueCopy because the value slice is only valid inside the txn
				if current, err = item.ValueCopy(nil); err != nil {
					return err
				}
			}

			next, err := fn(current)
			if err != nil {
				return err
			}
			if next == nil {
				if current == nil {
					return nil
				}
				return txn.Delete(k)
			}
			return txn.Set(k, next)
		})

		// Step 3: a Set from outside the lock beat us; wait a little and redo
		if errors.Is(err, badger.ErrConflict) {
			if err := conflictBackoff(ctx, attempt); err != nil {
				return err
			}
			continue
		}
		return err
	}
	return errUpdateContention
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}
