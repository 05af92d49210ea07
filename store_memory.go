package main

import (
	"context"
	"slices"
	"sync"
)

// memoryStore is an in-process DocumentStore for tests and throwaway runs.
// One mutex guards everything, which also makes Update trivially atomic.
type memoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{collections: make(map[string]map[string][]byte)}
}

func (s *memoryStore) List(ctx context.Context, collection string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collections[collection]
	keys := make([]string, 0, len(coll))
	for k := range coll {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	docs := make([]Document, 0, len(keys))
	for _, k := range keys {
		docs = append(docs, Document{Key: k, Data: slices.Clone(coll[k])})
	}
	return docs, nil
}

func (s *memoryStore) Get(ctx context.Context, collection, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.collections[collection][key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(data), nil
}

func (s *memoryStore) Set(ctx context.Context, collection, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(collection, key, data)
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.collections[collection], key)
	return nil
}

func (s *memoryStore) Update(ctx context.Context, collection, key string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.collections[collection][key]
	if ok {
		current = slices.Clone(current)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.collections[collection], key)
		return nil
	}
	s.put(collection, key, next)
	return nil
}

func (s *memoryStore) Close() error { return nil }

// put stores a copy of data; callers hold s.mu
func (s *memoryStore) put(collection, key string, data []byte) {
	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string][]byte)
		s.collections[collection] = coll
	}
	coll[key] = slices.Clone(data)
}
