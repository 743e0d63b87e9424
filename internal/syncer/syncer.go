// Package syncer keeps the local store aligned with the collections
// server. A refresh replaces the snapshot partitions wholesale; a sync
// first replays the pending queue, then refreshes.
//
// Refresh never runs while submissions are buffered: the server snapshot
// does not yet include them, so loading it would show customers as owing
// money the collector already took.
package syncer

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"cobranzas/gateway/internal/broadcast"
	"cobranzas/gateway/internal/domain"
	"cobranzas/gateway/internal/localstore"
	"cobranzas/gateway/internal/metrics"
	"cobranzas/gateway/internal/queue"
	"cobranzas/gateway/internal/upstream"
)

// Refresh outcomes.
const (
	OutcomeRefreshed = "refreshed"
	OutcomeFresh     = "fresh"
	OutcomeBlocked   = "blocked"
	OutcomeOffline   = "offline"
)

type RefreshResult struct {
	Outcome    string `json:"outcome"`
	LastUpdate string `json:"last_update,omitempty"`
	Customers  int    `json:"customers,omitempty"`
}

type SyncResult struct {
	Replay  queue.ReplayReport `json:"replay"`
	Refresh RefreshResult      `json:"refresh"`
}

type Syncer struct {
	store  localstore.Store
	client *upstream.Client
	queue  *queue.Queue
	hub    *broadcast.Hub
	logger *zap.Logger
}

func New(store localstore.Store, client *upstream.Client, q *queue.Queue, hub *broadcast.Hub, logger *zap.Logger) *Syncer {
	return &Syncer{store: store, client: client, queue: q, hub: hub, logger: logger}
}

// Refresh fetches the server snapshot and, when it is newer than the local
// copy and nothing is queued, replaces the snapshot partitions with it.
func (s *Syncer) Refresh(ctx context.Context) (RefreshResult, error) {
	snap, err := s.client.FetchSnapshot(ctx)
	if err != nil {
		var nerr *upstream.NetworkError
		if errors.As(err, &nerr) {
			s.hub.Observe(false)
			metrics.SyncRuns.WithLabelValues(OutcomeOffline).Inc()
			return RefreshResult{Outcome: OutcomeOffline}, nil
		}
		metrics.SyncRuns.WithLabelValues("error").Inc()
		return RefreshResult{}, err
	}
	s.hub.Observe(true)

	current, err := s.store.GetMeta(ctx, localstore.MetaAppLastUpdate)
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return RefreshResult{}, err
	}
	if err == nil && current == snap.LastUpdate {
		metrics.SyncRuns.WithLabelValues(OutcomeFresh).Inc()
		return RefreshResult{Outcome: OutcomeFresh, LastUpdate: current}, nil
	}

	empty, err := s.queue.Empty(ctx)
	if err != nil {
		return RefreshResult{}, err
	}
	if !empty {
		s.logger.Warn("refresh blocked by pending submissions",
			zap.String("server_update", snap.LastUpdate))
		metrics.SyncRuns.WithLabelValues(OutcomeBlocked).Inc()
		return RefreshResult{Outcome: OutcomeBlocked}, nil
	}

	if err := s.load(ctx, snap); err != nil {
		metrics.SyncRuns.WithLabelValues("error").Inc()
		return RefreshResult{}, err
	}

	metrics.SyncRuns.WithLabelValues(OutcomeRefreshed).Inc()
	s.logger.Info("snapshot refreshed",
		zap.String("last_update", snap.LastUpdate),
		zap.Int("customers", len(snap.Customers)))
	return RefreshResult{
		Outcome:    OutcomeRefreshed,
		LastUpdate: snap.LastUpdate,
		Customers:  len(snap.Customers),
	}, nil
}

// load replaces the three snapshot partitions and stamps both freshness
// slots. The pending queue partition is never touched.
func (s *Syncer) load(ctx context.Context, snap *domain.Snapshot) error {
	for _, part := range []string{
		localstore.PartitionSales,
		localstore.PartitionInstallments,
		localstore.PartitionCustomers,
	} {
		if err := s.store.EmptyPartition(ctx, part); err != nil {
			return err
		}
	}

	if err := putAll(ctx, s.store, localstore.PartitionSales, snap.Sales); err != nil {
		return err
	}
	if err := putAll(ctx, s.store, localstore.PartitionInstallments, snap.Installments); err != nil {
		return err
	}
	if err := putAll(ctx, s.store, localstore.PartitionCustomers, snap.Customers); err != nil {
		return err
	}

	if err := s.store.SetMeta(ctx, localstore.MetaAppLastUpdate, snap.LastUpdate); err != nil {
		return err
	}
	return s.store.SetMeta(ctx, localstore.MetaClientLastUpdate, snap.LastUpdate)
}

func putAll[V any](ctx context.Context, store localstore.Store, partition string, byCustomer map[string]V) error {
	items := make([]localstore.Item, 0, len(byCustomer))
	for key, val := range byCustomer {
		buf, err := json.Marshal(val)
		if err != nil {
			return err
		}
		items = append(items, localstore.Item{Key: key, Value: buf})
	}
	return store.PutMany(ctx, partition, items)
}

// Sync replays the queue, then refreshes. A replay that leaves failures
// behind keeps the refresh blocked, so nothing taken locally can be lost.
func (s *Syncer) Sync(ctx context.Context) (SyncResult, error) {
	replay, err := s.queue.ReplayAll(ctx)
	if err != nil {
		return SyncResult{Replay: replay}, err
	}

	refresh, err := s.Refresh(ctx)
	if err != nil {
		return SyncResult{Replay: replay}, err
	}
	return SyncResult{Replay: replay, Refresh: refresh}, nil
}
