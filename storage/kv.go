package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// DefaultBucket is the KV bucket used when none is configured.
const DefaultBucket = "FUSION_LEDGER"

// KVStore provides key-value storage backed by a NATS JetStream KV bucket.
type KVStore struct {
	bucket jetstream.KeyValue
}

// NewKVStore creates the bucket if it doesn't exist and returns a store over it.
func NewKVStore(ctx context.Context, js jetstream.JetStream, bucket string) (*KVStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := getOrCreateBucket(ctx, js, bucket)
	if err != nil {
		return nil, fmt.Errorf("create %s bucket: %w", bucket, err)
	}
	return &KVStore{bucket: kv}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Fusion ledger %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// Get retrieves the latest revision of key.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.bucket.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, NewPersistenceError("read", key, err)
	}
	return entry.Value(), nil
}

// Set writes a new revision of key.
func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	if _, err := s.bucket.Put(ctx, key, value); err != nil {
		return NewPersistenceError("write", key, err)
	}
	return nil
}

// Revision returns the current revision number of key, or 0 if it has none.
func (s *KVStore) Revision(ctx context.Context, key string) (uint64, error) {
	entry, err := s.bucket.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, NewPersistenceError("read", key, err)
	}
	return entry.Revision(), nil
}
