package memory

import (
	"context"
	"errors"
	"testing"

	"cobranzas/gateway/internal/localstore"
)

func newOpenStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	s := newOpenStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, localstore.PartitionSales, "12", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	// A second open must keep existing data (schema upgrade, not reset).
	if err := s.Open(ctx); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if _, err := s.Get(ctx, localstore.PartitionSales, "12"); err != nil {
		t.Fatalf("data lost across reopen: %v", err)
	}
}

func TestPutRejectsDuplicates(t *testing.T) {
	s := newOpenStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, localstore.PartitionCustomers, "7", []byte(`{}`)); err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	err := s.Put(ctx, localstore.PartitionCustomers, "7", []byte(`{}`))
	var werr *localstore.WriteError
	if !errors.As(err, &werr) {
		t.Fatalf("expected WriteError on duplicate, got %v", err)
	}
}

func TestPutManyIsAllOrNothing(t *testing.T) {
	s := newOpenStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, localstore.PartitionCustomers, "2", []byte(`{}`)); err != nil {
		t.Fatalf("seed put failed: %v", err)
	}

	err := s.PutMany(ctx, localstore.PartitionCustomers, []localstore.Item{
		{Key: "1", Value: []byte(`{}`)},
		{Key: "2", Value: []byte(`{}`)}, // collides
		{Key: "3", Value: []byte(`{}`)},
	})
	if err == nil {
		t.Fatal("expected batch to fail on the colliding key")
	}

	keys, err := s.GetAllKeys(ctx, localstore.PartitionCustomers)
	if err != nil {
		t.Fatalf("get keys failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "2" {
		t.Fatalf("partial batch leaked into store: %v", keys)
	}
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	s := newOpenStore(t)

	_, err := s.Get(context.Background(), localstore.PartitionInstallments, "absent")
	if !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUnknownPartitionIsAnError(t *testing.T) {
	s := newOpenStore(t)

	err := s.Put(context.Background(), "receipts", "1", []byte(`{}`))
	var werr *localstore.WriteError
	if !errors.As(err, &werr) {
		t.Fatalf("expected WriteError for unknown partition, got %v", err)
	}
}

func TestEmptyPartitionThenRepopulate(t *testing.T) {
	s := newOpenStore(t)
	ctx := context.Background()

	for _, key := range []string{"1", "2", "3"} {
		if err := s.Put(ctx, localstore.PartitionSales, key, []byte(`{}`)); err != nil {
			t.Fatalf("put %s failed: %v", key, err)
		}
	}
	if err := s.EmptyPartition(ctx, localstore.PartitionSales); err != nil {
		t.Fatalf("empty failed: %v", err)
	}
	items, err := s.GetAll(ctx, localstore.PartitionSales)
	if err != nil {
		t.Fatalf("get all failed: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("partition not emptied: %d items", len(items))
	}
	// Old keys are free again after a wipe.
	if err := s.Put(ctx, localstore.PartitionSales, "1", []byte(`{}`)); err != nil {
		t.Fatalf("put after empty failed: %v", err)
	}
}

func TestReplaceUpsertsAndRemoveIsIdempotent(t *testing.T) {
	s := newOpenStore(t)
	ctx := context.Background()

	if err := s.Replace(ctx, localstore.PartitionCollections, "9", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("replace on absent key failed: %v", err)
	}
	if err := s.Replace(ctx, localstore.PartitionCollections, "9", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("replace on present key failed: %v", err)
	}
	value, err := s.Get(ctx, localstore.PartitionCollections, "9")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(value) != `{"v":2}` {
		t.Fatalf("replace did not overwrite: %s", value)
	}

	if err := s.Remove(ctx, localstore.PartitionCollections, "9"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := s.Remove(ctx, localstore.PartitionCollections, "9"); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
}

func TestMetaSlots(t *testing.T) {
	s := newOpenStore(t)
	ctx := context.Background()

	if _, err := s.GetMeta(ctx, localstore.MetaAppLastUpdate); !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unset meta, got %v", err)
	}
	if err := s.SetMeta(ctx, localstore.MetaAppLastUpdate, "2023-04-01T10:00:00Z"); err != nil {
		t.Fatalf("set meta failed: %v", err)
	}
	value, err := s.GetMeta(ctx, localstore.MetaAppLastUpdate)
	if err != nil || value != "2023-04-01T10:00:00Z" {
		t.Fatalf("get meta = %q, %v", value, err)
	}
	if err := s.RemoveMeta(ctx, localstore.MetaAppLastUpdate); err != nil {
		t.Fatalf("remove meta failed: %v", err)
	}
	if _, err := s.GetMeta(ctx, localstore.MetaAppLastUpdate); !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("meta not removed: %v", err)
	}
}
