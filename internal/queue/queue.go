// Package queue buffers collection submissions captured while the
// collections server is unreachable and replays them once it is back.
//
// Submissions are stored per customer in the collections partition of the
// local store, keyed by the customer id. The raw form body is kept verbatim
// so replay can resend exactly what the collector entered, with only the
// anti-forgery token refreshed.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cobranzas/gateway/internal/domain"
	"cobranzas/gateway/internal/localstore"
	"cobranzas/gateway/internal/metrics"
	"cobranzas/gateway/internal/upstream"
)

// SubmissionIDField carries the client-generated id on the replayed form so
// the server can deduplicate retries of an already-applied submission.
const SubmissionIDField = "submission_id"

const customerField = "customer"

type Queue struct {
	store  localstore.Store
	client *upstream.Client
	logger *zap.Logger
}

func New(store localstore.Store, client *upstream.Client, logger *zap.Logger) *Queue {
	return &Queue{store: store, client: client, logger: logger}
}

// Enqueue parses a captured collection form body and appends it to the
// owning customer's pending queue. Rows without the checked flag are
// skipped. The raw body is stored untouched for later replay.
func (q *Queue) Enqueue(ctx context.Context, rawForm string) (*domain.PendingSubmission, int, error) {
	form, err := url.ParseQuery(rawForm)
	if err != nil {
		return nil, 0, &domain.ValidationError{Field: "body", Reason: "malformed form payload"}
	}
	customerID, err := strconv.Atoi(form.Get(customerField))
	if err != nil || customerID == 0 {
		return nil, 0, &domain.ValidationError{Field: customerField, Reason: "missing or non-numeric customer id"}
	}

	lines, err := parseLines(form)
	if err != nil {
		return nil, 0, err
	}
	if len(lines) == 0 {
		return nil, 0, &domain.ValidationError{Field: "body", Reason: "no checked installment rows"}
	}

	sub := domain.PendingSubmission{
		ID:      uuid.NewString(),
		Date:    time.Now().UTC(),
		Payload: rawForm,
		Lines:   lines,
	}

	key := strconv.Itoa(customerID)
	cq := domain.CustomerQueue{CustomerID: customerID}
	raw, err := q.store.Get(ctx, localstore.PartitionCollections, key)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &cq); err != nil {
			return nil, 0, err
		}
	case errors.Is(err, localstore.ErrNotFound):
	default:
		return nil, 0, err
	}
	cq.Submissions = append(cq.Submissions, sub)

	buf, err := json.Marshal(cq)
	if err != nil {
		return nil, 0, err
	}
	if err := q.store.Replace(ctx, localstore.PartitionCollections, key, buf); err != nil {
		return nil, 0, err
	}

	metrics.QueueDepth.Inc()
	q.logger.Info("submission queued",
		zap.Int("customer", customerID),
		zap.String("submission", sub.ID),
		zap.Int("lines", len(lines)))
	return &sub, customerID, nil
}

func parseLines(form url.Values) (map[string]domain.SubmissionLine, error) {
	lines := make(map[string]domain.SubmissionLine)
	for i := 0; ; i++ {
		prefix := fmt.Sprintf("collection-%d-", i)
		if !form.Has(prefix+"sale_id") && !form.Has(prefix+"installment") {
			break
		}
		if form.Get(prefix+"checked") == "" {
			continue
		}
		saleID, err := strconv.Atoi(form.Get(prefix + "sale_id"))
		if err != nil || saleID == 0 {
			return nil, &domain.ValidationError{Field: prefix + "sale_id", Reason: "missing or non-numeric sale id"}
		}
		number, err := strconv.Atoi(form.Get(prefix + "installment"))
		if err != nil || number < 1 {
			return nil, &domain.ValidationError{Field: prefix + "installment", Reason: "installment number must be positive"}
		}
		amount, err := domain.ParseCents(form.Get(prefix + "amount"))
		if err != nil {
			return nil, &domain.ValidationError{Field: prefix + "amount", Reason: err.Error()}
		}
		lines[strconv.Itoa(i)] = domain.SubmissionLine{
			SaleID:      saleID,
			Installment: number,
			Amount:      amount,
		}
	}
	return lines, nil
}

// List returns every customer's pending queue, ordered by customer key.
func (q *Queue) List(ctx context.Context) ([]domain.CustomerQueue, error) {
	items, err := q.store.GetAll(ctx, localstore.PartitionCollections)
	if err != nil {
		return nil, err
	}
	out := make([]domain.CustomerQueue, 0, len(items))
	for _, it := range items {
		var cq domain.CustomerQueue
		if err := json.Unmarshal(it.Value, &cq); err != nil {
			return nil, err
		}
		out = append(out, cq)
	}
	return out, nil
}

// ForCustomer returns the pending queue for one customer. A customer with
// nothing queued gets an empty queue, not an error.
func (q *Queue) ForCustomer(ctx context.Context, customerID int) (domain.CustomerQueue, error) {
	cq := domain.CustomerQueue{CustomerID: customerID}
	raw, err := q.store.Get(ctx, localstore.PartitionCollections, strconv.Itoa(customerID))
	if errors.Is(err, localstore.ErrNotFound) {
		return cq, nil
	}
	if err != nil {
		return cq, err
	}
	err = json.Unmarshal(raw, &cq)
	return cq, err
}

// Depth counts buffered submissions across all customers.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	queues, err := q.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, cq := range queues {
		n += len(cq.Submissions)
	}
	return n, nil
}

// Empty reports whether nothing is buffered.
func (q *Queue) Empty(ctx context.Context) (bool, error) {
	keys, err := q.store.GetAllKeys(ctx, localstore.PartitionCollections)
	if err != nil {
		return false, err
	}
	return len(keys) == 0, nil
}

// ReplayReport summarizes one replay pass.
type ReplayReport struct {
	Attempted int   `json:"attempted"`
	Delivered int   `json:"delivered"`
	Failed    int   `json:"failed"`
	Receipts  []int `json:"receipts,omitempty"`
}

// ReplayAll resends every buffered submission in capture order. Delivered
// submissions are dropped from the store; failed ones stay queued for the
// next pass. Local snapshot freshness is revoked up front so a half-applied
// replay can never masquerade as up to date.
func (q *Queue) ReplayAll(ctx context.Context) (ReplayReport, error) {
	var report ReplayReport

	queues, err := q.List(ctx)
	if err != nil {
		return report, err
	}
	if len(queues) == 0 {
		return report, nil
	}

	if err := q.store.RemoveMeta(ctx, localstore.MetaAppLastUpdate); err != nil {
		return report, err
	}

	token, err := q.client.FetchToken(ctx)
	if err != nil {
		for _, cq := range queues {
			report.Attempted += len(cq.Submissions)
			report.Failed += len(cq.Submissions)
		}
		q.logger.Warn("replay skipped, token fetch failed", zap.Error(err))
		return report, nil
	}

	for _, cq := range queues {
		kept := cq.Submissions[:0:0]
		for _, sub := range cq.Submissions {
			report.Attempted++
			body, err := replayBody(sub, token)
			if err != nil {
				// Unparseable payloads can never deliver; drop with a trace.
				q.logger.Error("dropping corrupt queued submission",
					zap.Int("customer", cq.CustomerID),
					zap.String("submission", sub.ID),
					zap.Error(err))
				report.Failed++
				metrics.ReplayItems.WithLabelValues("corrupt").Inc()
				continue
			}
			resp, err := q.client.SubmitCollection(ctx, body, token)
			if err != nil {
				report.Failed++
				kept = append(kept, sub)
				metrics.ReplayItems.WithLabelValues("failed").Inc()
				q.logger.Warn("replay failed, submission retained",
					zap.Int("customer", cq.CustomerID),
					zap.String("submission", sub.ID),
					zap.Error(err))
				continue
			}
			report.Delivered++
			report.Receipts = append(report.Receipts, resp.CollectionID)
			metrics.ReplayItems.WithLabelValues("delivered").Inc()
			metrics.QueueDepth.Dec()
			q.logger.Info("queued submission delivered",
				zap.Int("customer", cq.CustomerID),
				zap.String("submission", sub.ID),
				zap.Int("collection_id", resp.CollectionID))
		}

		key := strconv.Itoa(cq.CustomerID)
		if len(kept) == 0 {
			if err := q.store.Remove(ctx, localstore.PartitionCollections, key); err != nil {
				return report, err
			}
			continue
		}
		cq.Submissions = kept
		buf, err := json.Marshal(cq)
		if err != nil {
			return report, err
		}
		if err := q.store.Replace(ctx, localstore.PartitionCollections, key, buf); err != nil {
			return report, err
		}
	}
	return report, nil
}

// replayBody rewrites a captured form body with a fresh anti-forgery token
// and the submission's stable id.
func replayBody(sub domain.PendingSubmission, token string) (string, error) {
	form, err := url.ParseQuery(sub.Payload)
	if err != nil {
		return "", err
	}
	form.Set(upstream.TokenField, token)
	form.Set(SubmissionIDField, sub.ID)
	return form.Encode(), nil
}
