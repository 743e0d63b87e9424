package localstore

import (
	"context"
	"errors"
	"fmt"
)

// Schema identifies the local database. The partition set is created
// idempotently the first time a backend is opened; bumping the version
// re-runs partition creation for any partition added since.
const (
	SchemaName    = "cobranzas"
	SchemaVersion = 1
)

const (
	PartitionSales        = "sales"
	PartitionInstallments = "installments"
	PartitionCustomers    = "customers"
	PartitionCollections  = "collections"
)

// Partitions is the fixed partition set of schema version 1.
var Partitions = []string{
	PartitionSales,
	PartitionInstallments,
	PartitionCustomers,
	PartitionCollections,
}

// Durable key/value slots persisted outside the partitioned data.
const (
	MetaAppLastUpdate    = "app-last-update"
	MetaClientLastUpdate = "client-last-update"
)

// ErrNotFound is returned by reads when the key is absent. Absence is a
// normal outcome, not a failure.
var ErrNotFound = errors.New("local store: not found")

// StoreUnavailableError means the persistence backend cannot be used at
// all. Callers must treat this as "offline features degraded", not fatal.
type StoreUnavailableError struct {
	Backend string
	Err     error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("local store unavailable (%s): %v", e.Backend, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// WriteError is a single-operation store failure on the write path.
type WriteError struct {
	Partition string
	Key       string
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("local store write %s/%s: %v", e.Partition, e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ReadError is a single-operation store failure on the read path.
type ReadError struct {
	Partition string
	Key       string
	Err       error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("local store read %s/%s: %v", e.Partition, e.Key, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Item pairs a key with its raw JSON value.
type Item struct {
	Key   string
	Value []byte
}

// Store is a durable, partitioned key-value store. Every operation resolves
// exactly once; reads report missing keys with ErrNotFound. PutMany is
// all-or-nothing within one transaction. Only one open connection per
// process is expected; callers sequence dependent operations themselves.
type Store interface {
	Open(ctx context.Context) error
	Put(ctx context.Context, partition, key string, value []byte) error
	PutMany(ctx context.Context, partition string, items []Item) error
	Get(ctx context.Context, partition, key string) ([]byte, error)
	GetAll(ctx context.Context, partition string) ([]Item, error)
	GetAllKeys(ctx context.Context, partition string) ([]string, error)
	Remove(ctx context.Context, partition, key string) error
	Replace(ctx context.Context, partition, key string, value []byte) error
	EmptyPartition(ctx context.Context, partition string) error

	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
	RemoveMeta(ctx context.Context, key string) error

	Close() error
}

// KnownPartition reports whether the partition belongs to the schema.
func KnownPartition(partition string) bool {
	for _, p := range Partitions {
		if p == partition {
			return true
		}
	}
	return false
}
