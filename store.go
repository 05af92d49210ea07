package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Document is one record in a collection: its key and raw JSON body.
type Document struct {
	Key  string
	Data []byte
}

// UpdateFunc computes the next body of a document from its current body.
// current is nil when the document does not exist. Returning a nil next body
// deletes the document (or leaves it absent). Drivers may call the function
// more than once when a concurrent writer wins the race, so it must not have
// side effects.
type UpdateFunc func(current []byte) (next []byte, err error)

// DocumentStore is the remote document database as the inventory sees it:
// named collections of JSON documents addressed by a unique key.
//
// List, Get, Set and Delete are plain one-shot calls. Update is the atomic
// read-modify-write primitive; every driver implements it with whatever its
// backend offers (transactions, WATCH, conditional writes).
type DocumentStore interface {
	// List returns every document in the collection, ordered by key
	List(ctx context.Context, collection string) ([]Document, error)

	// Get returns the body of one document, or ErrNotFound
	Get(ctx context.Context, collection, key string) ([]byte, error)

	// Set overwrites the whole document with data
	Set(ctx context.Context, collection, key string, data []byte) error

	// Delete removes a document; deleting a missing key is not an error
	Delete(ctx context.Context, collection, key string) error

	// Update atomically replaces a document with fn(current)
	Update(ctx context.Context, collection, key string, fn UpdateFunc) error

	Close() error
}

// maxUpdateAttempts bounds the optimistic-concurrency retry loops in the
// drivers. A caller that loses this many races in a row gets an error.
const maxUpdateAttempts = 16

// errUpdateContention is returned when Update keeps losing to other writers.
// It wraps ErrConflict: the store answered every time, it just never let
// this write through, so it is not reported as the store being down.
var errUpdateContention = fmt.Errorf("%w: update abandoned after %d conflicting attempts", ErrConflict, maxUpdateAttempts)

// Retry waits start at conflictBackoffBase and double per attempt up to
// conflictBackoffMax
const (
	conflictBackoffBase = time.Millisecond
	conflictBackoffMax  = 100 * time.Millisecond
)

// conflictBackoff sleeps before retry number attempt (0-based) of an
// optimistic update. The wait is randomised between half and all of the
// doubled base. Two writers that collided once would otherwise retry at the
// same instant and collide again; the jitter spreads them apart.
//
// Returns the context's error if it ends first.
func conflictBackoff(ctx context.Context, attempt int) error {
	wait := conflictBackoffBase << min(attempt, 7)
	if wait > conflictBackoffMax {
		wait = conflictBackoffMax
	}
	wait = wait/2 + rand.N(wait/2+1)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// openStore selects and opens a DocumentStore from the config.
// The returned store is wrapped so every call is timed in Prometheus.
func openStore(ctx context.Context, cfg Config) (DocumentStore, error) {
	var (
		store DocumentStore
		err   error
	)

	switch cfg.StoreDriver {
	case driverBadger:
		store, err = openBadgerStore(cfg.DBPath)
	case driverMemory:
		store = newMemoryStore()
	case driverSQLite:
		store, err = openSQLiteStore(ctx, cfg.DBPath)
	case driverPostgres:
		store, err = openPostgresStore(ctx, cfg.DatabaseURL)
	case driverRedis:
		store, err = openRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case driverS3:
		store, err = openS3Store(ctx, s3StoreConfig{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
			Prefix:    cfg.S3Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}

	return instrument(store, cfg.StoreDriver), nil
}

// =============================================================================
// Instrumentation
// =============================================================================

// instrumentedStore records the duration and outcome of every store call.
// It embeds the real store, so Close passes straight through.
type instrumentedStore struct {
	DocumentStore
	driver string
}

func instrument(store DocumentStore, driver string) DocumentStore {
	return &instrumentedStore{DocumentStore: store, driver: driver}
}

// observe is deferred by each method with the start time and the named error
func (s *instrumentedStore) observe(op string, start time.Time, err error) {
	storeOpDuration.WithLabelValues(s.driver, op).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, ErrNotFound) {
		storeErrorsTotal.WithLabelValues(s.driver, op).Inc()
	}
}

func (s *instrumentedStore) List(ctx context.Context, collection string) (docs []Document, err error) {
	defer func(start time.Time) { s.observe("list", start, err) }(time.Now())
	return s.DocumentStore.List(ctx, collection)
}

func (s *instrumentedStore) Get(ctx context.Context, collection, key string) (data []byte, err error) {
	defer func(start time.Time) { s.observe("get", start, err) }(time.Now())
	return s.DocumentStore.Get(ctx, collection, key)
}

func (s *instrumentedStore) Set(ctx context.Context, collection, key string, data []byte) (err error) {
	defer func(start time.Time) { s.observe("set", start, err) }(time.Now())
	return s.DocumentStore.Set(ctx, collection, key, data)
}

func (s *instrumentedStore) Delete(ctx context.Context, collection, key string) (err error) {
	defer func(start time.Time) { s.observe("delete", start, err) }(time.Now())
	return s.DocumentStore.Delete(ctx, collection, key)
}

func (s *instrumentedStore) Update(ctx context.Context, collection, key string, fn UpdateFunc) (err error) {
	defer func(start time.Time) { s.observe("update", start, err) }(time.Now())
	return s.DocumentStore.Update(ctx, collection, key, fn)
}
