package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultBlobBucket is the object store bucket used when none is configured.
const DefaultBlobBucket = "FUSION_BLOBS"

// BlobStore is the remote content store: put bytes, get back their address.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
}

// ContentAddress returns the CIDv1 (raw codec, sha2-256) of data.
func ContentAddress(data []byte) (string, error) {
	prefix := cid.Prefix{
		Version:  1,
		Codec:    cid.Raw,
		MhType:   multihash.SHA2_256,
		MhLength: -1,
	}
	c, err := prefix.Sum(data)
	if err != nil {
		return "", fmt.Errorf("compute cid: %w", err)
	}
	return c.String(), nil
}

// ValidAddress reports whether s parses as a CID.
func ValidAddress(s string) bool {
	_, err := cid.Decode(s)
	return err == nil
}

// MemoryBlobStore keeps blobs in memory, keyed by content address.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

// Put stores data and returns its address. Storing identical bytes twice is a no-op.
func (s *MemoryBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	addr, err := ContentAddress(data)
	if err != nil {
		return "", err
	}
	v := make([]byte, len(data))
	copy(v, data)

	s.mu.Lock()
	s.blobs[addr] = v
	s.mu.Unlock()
	return addr, nil
}

// Get returns the blob stored at addr.
func (s *MemoryBlobStore) Get(ctx context.Context, addr string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.blobs[addr]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Len returns the number of stored blobs.
func (s *MemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// ObjectBlobStore keeps blobs in a NATS JetStream object store bucket.
type ObjectBlobStore struct {
	objects jetstream.ObjectStore
}

// NewObjectBlobStore opens or creates the object store bucket.
func NewObjectBlobStore(ctx context.Context, js jetstream.JetStream, bucket string) (*ObjectBlobStore, error) {
	if bucket == "" {
		bucket = DefaultBlobBucket
	}
	obs, err := js.ObjectStore(ctx, bucket)
	if err != nil {
		obs, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "Fusion broadcast payloads by content address",
		})
		if err != nil {
			return nil, fmt.Errorf("create %s object store: %w", bucket, err)
		}
	}
	return &ObjectBlobStore{objects: obs}, nil
}

// Put stores data under its content address.
func (s *ObjectBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	addr, err := ContentAddress(data)
	if err != nil {
		return "", err
	}
	if _, err := s.objects.PutBytes(ctx, addr, data); err != nil {
		return "", NewPersistenceError("put blob", addr, err)
	}
	return addr, nil
}

// Get returns the blob stored at addr.
func (s *ObjectBlobStore) Get(ctx context.Context, addr string) ([]byte, error) {
	data, err := s.objects.GetBytes(ctx, addr)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, ErrNotFound
		}
		return nil, NewPersistenceError("get blob", addr, err)
	}
	return data, nil
}
