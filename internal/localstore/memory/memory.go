package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"cobranzas/gateway/internal/localstore"
)

// Store is an in-process implementation of localstore.Store. It backs tests
// and the degraded mode where no durable backend is reachable.
type Store struct {
	mu         sync.RWMutex
	opened     bool
	partitions map[string]map[string][]byte
	meta       map[string]string
}

func New() *Store {
	return &Store{}
}

func (s *Store) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Opening twice is allowed and keeps existing data: partition creation
	// is idempotent.
	if s.partitions == nil {
		s.partitions = make(map[string]map[string][]byte, len(localstore.Partitions))
		s.meta = make(map[string]string)
	}
	for _, p := range localstore.Partitions {
		if s.partitions[p] == nil {
			s.partitions[p] = make(map[string][]byte)
		}
	}
	s.opened = true
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	return nil
}

func (s *Store) bucket(partition string) (map[string][]byte, error) {
	if !s.opened {
		return nil, errors.New("store is not open")
	}
	bucket, ok := s.partitions[partition]
	if !ok {
		return nil, errors.New("unknown partition")
	}
	return bucket, nil
}

func (s *Store) Put(_ context.Context, partition, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, err := s.bucket(partition)
	if err != nil {
		return &localstore.WriteError{Partition: partition, Key: key, Err: err}
	}
	if _, exists := bucket[key]; exists {
		return &localstore.WriteError{Partition: partition, Key: key, Err: errors.New("duplicate key")}
	}
	bucket[key] = cloneBytes(value)
	return nil
}

func (s *Store) PutMany(_ context.Context, partition string, items []localstore.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, err := s.bucket(partition)
	if err != nil {
		return &localstore.WriteError{Partition: partition, Err: err}
	}

	// Validate the whole batch before touching the bucket so a failure
	// leaves nothing behind.
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if _, exists := bucket[item.Key]; exists || seen[item.Key] {
			return &localstore.WriteError{Partition: partition, Key: item.Key, Err: errors.New("duplicate key")}
		}
		seen[item.Key] = true
	}
	for _, item := range items {
		bucket[item.Key] = cloneBytes(item.Value)
	}
	return nil
}

func (s *Store) Get(_ context.Context, partition, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket, err := s.bucket(partition)
	if err != nil {
		return nil, &localstore.ReadError{Partition: partition, Key: key, Err: err}
	}
	value, ok := bucket[key]
	if !ok {
		return nil, localstore.ErrNotFound
	}
	return cloneBytes(value), nil
}

func (s *Store) GetAll(_ context.Context, partition string) ([]localstore.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket, err := s.bucket(partition)
	if err != nil {
		return nil, &localstore.ReadError{Partition: partition, Err: err}
	}
	items := make([]localstore.Item, 0, len(bucket))
	for key, value := range bucket {
		items = append(items, localstore.Item{Key: key, Value: cloneBytes(value)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

func (s *Store) GetAllKeys(_ context.Context, partition string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket, err := s.bucket(partition)
	if err != nil {
		return nil, &localstore.ReadError{Partition: partition, Err: err}
	}
	keys := make([]string, 0, len(bucket))
	for key := range bucket {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Remove(_ context.Context, partition, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, err := s.bucket(partition)
	if err != nil {
		return &localstore.WriteError{Partition: partition, Key: key, Err: err}
	}
	delete(bucket, key)
	return nil
}

func (s *Store) Replace(_ context.Context, partition, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, err := s.bucket(partition)
	if err != nil {
		return &localstore.WriteError{Partition: partition, Key: key, Err: err}
	}
	bucket[key] = cloneBytes(value)
	return nil
}

func (s *Store) EmptyPartition(_ context.Context, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.bucket(partition); err != nil {
		return &localstore.WriteError{Partition: partition, Err: err}
	}
	s.partitions[partition] = make(map[string][]byte)
	return nil
}

func (s *Store) GetMeta(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.opened {
		return "", &localstore.ReadError{Key: key, Err: errors.New("store is not open")}
	}
	value, ok := s.meta[key]
	if !ok {
		return "", localstore.ErrNotFound
	}
	return value, nil
}

func (s *Store) SetMeta(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return &localstore.WriteError{Key: key, Err: errors.New("store is not open")}
	}
	s.meta[key] = value
	return nil
}

func (s *Store) RemoveMeta(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return &localstore.WriteError{Key: key, Err: errors.New("store is not open")}
	}
	delete(s.meta, key)
	return nil
}

func cloneBytes(value []byte) []byte {
	if value == nil {
		return nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out
}
