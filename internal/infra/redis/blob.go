package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/txtracker/internal/infra/kv"
)

// BlobStore implements kv.BlobStore on plain Redis strings. Values never expire.
type BlobStore struct {
	client *Client
}

// NewBlobStore creates a Redis-backed blob store.
func NewBlobStore(client *Client) *BlobStore {
	return &BlobStore{client: client}
}

func (s *BlobStore) blobKey(key string) string {
	return s.client.Key("blob", key)
}

func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.rdb.Get(ctx, s.blobKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get failed: %w", err)
	}
	return val, nil
}

func (s *BlobStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.rdb.Set(ctx, s.blobKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}

func (s *BlobStore) Delete(ctx context.Context, key string) error {
	if err := s.client.rdb.Del(ctx, s.blobKey(key)).Err(); err != nil {
		return fmt.Errorf("del failed: %w", err)
	}
	return nil
}

// Close is a no-op; the shared Client owns the connection.
func (s *BlobStore) Close() error { return nil }
