// Package reconcile merges the authoritative installment schedules fetched
// from the server with locally queued, not-yet-synced payments to produce
// the view the payment form presents. Everything here is a pure function of
// its inputs: no store access, no clock, no network.
package reconcile

import (
	"fmt"
	"sort"
	"strconv"

	"cobranzas/gateway/internal/domain"
)

// InconsistencyError means folding the queued payments into the server data
// produced an impossible state (an overpaid installment or a negative
// pending balance). It is surfaced, never silently clamped.
type InconsistencyError struct {
	SaleID      int
	Installment int
	Detail      string
}

func (e *InconsistencyError) Error() string {
	if e.Installment > 0 {
		return fmt.Sprintf("inconsistent data for sale %d installment %d: %s", e.SaleID, e.Installment, e.Detail)
	}
	return fmt.Sprintf("inconsistent data for sale %d: %s", e.SaleID, e.Detail)
}

// Pending is the accumulated queued amount per installment number for one
// sale. An installment collected partially across separate offline sessions
// appears in several submissions; the amounts sum.
type Pending map[int]domain.Cents

// Total sums the pending amounts of all installments.
func (p Pending) Total() domain.Cents {
	var total domain.Cents
	for _, amount := range p {
		total += amount
	}
	return total
}

// AccumulatePending folds every queued submission of one customer into a
// per-sale, per-installment-number accumulator.
func AccumulatePending(queue domain.CustomerQueue) map[int]Pending {
	pending := make(map[int]Pending)
	for _, submission := range queue.Submissions {
		for _, line := range submission.Lines {
			if pending[line.SaleID] == nil {
				pending[line.SaleID] = make(Pending)
			}
			pending[line.SaleID][line.Installment] += line.Amount
		}
	}
	return pending
}

// Buckets is the three-way split the payment form renders: partially paid
// installments and the single next-due one are pre-expanded, the rest stay
// collapsed behind a "show more" control.
type Buckets struct {
	Partial []domain.Installment `json:"partial"`
	Current []domain.Installment `json:"current"`
	Next    []domain.Installment `json:"next"`
}

// SaleView is one sale with queued payments folded in and its remaining
// installments bucketed.
type SaleView struct {
	Sale         domain.Sale `json:"sale"`
	Installments Buckets     `json:"installments"`
}

// CustomerView is the reconciled view-model for one customer.
type CustomerView struct {
	CustomerID int        `json:"customer"`
	Sales      []SaleView `json:"sales"`
}

// InstallmentCount reports how many payable installments remain across all
// sales of the view.
func (v CustomerView) InstallmentCount() int {
	count := 0
	for _, sale := range v.Sales {
		count += len(sale.Installments.Partial) + len(sale.Installments.Current) + len(sale.Installments.Next)
	}
	return count
}

// AdjustSale folds the pending amounts for one sale into its authoritative
// schedule. Fully settled installments (amount - paid - pending == 0 after
// 2-decimal normalization) are dropped from the payable list. The sale's
// displayed paid amount grows by the total pending amount and its displayed
// pending balance shrinks by the same, keeping the sum conserved.
func AdjustSale(sale domain.Sale, schedule []domain.Installment, pending Pending) (domain.Sale, []domain.Installment, error) {
	adjusted := sale
	total := pending.Total()
	adjusted.PaidAmount += total
	adjusted.PendingBalance -= total
	if adjusted.PendingBalance < 0 {
		return domain.Sale{}, nil, &InconsistencyError{
			SaleID: sale.ID,
			Detail: fmt.Sprintf("queued payments exceed pending balance by %s", (-adjusted.PendingBalance).String()),
		}
	}

	remaining := make([]domain.Installment, 0, len(schedule))
	for _, installment := range schedule {
		if installment.Status == domain.StatusPaid {
			continue
		}
		amount, queued := pending[installment.Number]
		if !queued {
			remaining = append(remaining, installment)
			continue
		}
		outstanding := installment.Outstanding()
		switch {
		case amount == outstanding:
			// Fully settled, pending sync. Not shown again.
		case amount > outstanding:
			return domain.Sale{}, nil, &InconsistencyError{
				SaleID:      sale.ID,
				Installment: installment.Number,
				Detail:      fmt.Sprintf("queued %s exceeds outstanding %s", amount.String(), outstanding.String()),
			}
		default:
			folded := installment
			folded.PaidAmount += amount
			if amount > 0 {
				folded.Status = domain.StatusPartial
			}
			remaining = append(remaining, folded)
		}
	}
	return adjusted, remaining, nil
}

// BucketInstallments splits the remaining installments into partial,
// current and next. Current holds at most one entry: the lowest-numbered
// installment that is still plain pending.
func BucketInstallments(installments []domain.Installment) Buckets {
	sorted := make([]domain.Installment, len(installments))
	copy(sorted, installments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	var buckets Buckets
	for _, installment := range sorted {
		switch {
		case installment.Status == domain.StatusPartial:
			buckets.Partial = append(buckets.Partial, installment)
		case len(buckets.Current) == 0:
			buckets.Current = append(buckets.Current, installment)
		default:
			buckets.Next = append(buckets.Next, installment)
		}
	}
	return buckets
}

// BuildCustomerView reconciles every sale of a customer against the queued
// submissions. Running it twice over the same inputs yields the same view.
func BuildCustomerView(customerID int, sales []domain.Sale, schedules domain.CustomerInstallments, queue domain.CustomerQueue) (CustomerView, error) {
	pendingBySale := AccumulatePending(queue)

	view := CustomerView{CustomerID: customerID, Sales: make([]SaleView, 0, len(sales))}
	for _, sale := range sales {
		schedule := schedules[strconv.Itoa(sale.ID)]
		adjusted, remaining, err := AdjustSale(sale, schedule.Installments, pendingBySale[sale.ID])
		if err != nil {
			return CustomerView{}, err
		}
		view.Sales = append(view.Sales, SaleView{
			Sale:         adjusted,
			Installments: BucketInstallments(remaining),
		})
	}
	return view, nil
}
