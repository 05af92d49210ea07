package main

import (
	"context"
	"fmt"
	"slices"

	"github.com/go-redis/redis/v7"
)

// redisStore keeps each document as a JSON string at "<collection>:<key>".
// A set named after the collection holds its keys so List does not need SCAN.
type redisStore struct {
	client *redis.Client
}

func openRedisStore(ctx context.Context, addr, password string, db int) (*redisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.WithContext(ctx).Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &redisStore{client: client}, nil
}

func redisKey(collection, key string) string {
	return collection + ":" + key
}

func (s *redisStore) List(ctx context.Context, collection string) ([]Document, error) {
	c := s.client.WithContext(ctx)

	keys, err := c.SMembers(collection).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)

	docs := []Document{}
	if len(keys) == 0 {
		return docs, nil
	}

	docKeys := make([]string, len(keys))
	for i, k := range keys {
		docKeys[i] = redisKey(collection, k)
	}
	values, err := c.MGet(docKeys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		// nil means the key vanished between SMEMBERS and MGET
		str, ok := v.(string)
		if !ok {
			continue
		}
		docs = append(docs, Document{Key: keys[i], Data: []byte(str)})
	}
	return docs, nil
}

func (s *redisStore) Get(ctx context.Context, collection, key string) ([]byte, error) {
	data, err := s.client.WithContext(ctx).Get(redisKey(collection, key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *redisStore) Set(ctx context.Context, collection, key string, data []byte) error {
	pipe := s.client.WithContext(ctx).TxPipeline()
	pipe.Set(redisKey(collection, key), data, 0)
	pipe.SAdd(collection, key)
	_, err := pipe.Exec()
	return err
}

func (s *redisStore) Delete(ctx context.Context, collection, key string) error {
	pipe := s.client.WithContext(ctx).TxPipeline()
	pipe.Del(redisKey(collection, key))
	pipe.SRem(collection, key)
	_, err := pipe.Exec()
	return err
}

// Update uses optimistic locking: WATCH the document key, read it, then write
// in MULTI/EXEC. If anyone touched the key in between, EXEC aborts with
// TxFailedErr and we go around again.
func (s *redisStore) Update(ctx context.Context, collection, key string, fn UpdateFunc) error {
	c := s.client.WithContext(ctx)
	docKey := redisKey(collection, key)

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := c.Watch(func(tx *redis.Tx) error {
			current, err := tx.Get(docKey).Bytes()
			if err == redis.Nil {
				current = nil
			} else if err != nil {
				return err
			}

			next, err := fn(current)
			if err != nil {
				return err
			}
			if next == nil && current == nil {
				return nil
			}

			pipe := tx.TxPipeline()
			if next == nil {
				pipe.Del(docKey)
				pipe.SRem(collection, key)
			} else {
				pipe.Set(docKey, next, 0)
				pipe.SAdd(collection, key)
			}
			_, err = pipe.Exec()
			return err
		}, docKey)
		if err == redis.TxFailedErr {
			if err := conflictBackoff(ctx, attempt); err != nil {
				return err
			}
			continue
		}
		return err
	}
	return errUpdateContention
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
