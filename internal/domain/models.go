package domain

import (
	"fmt"
	"time"
)

const (
	StatusPaid    = "PAID"
	StatusPending = "PENDING"
	StatusPartial = "PARTIAL"
)

// ValidationError reports malformed input while constructing a domain object.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Customer is immutable reference data, replaced wholesale on each full sync.
type Customer struct {
	ID        int    `json:"pk"`
	Name      string `json:"name"`
	Address   string `json:"address"`
	City      string `json:"city"`
	Telephone string `json:"telephone"`
}

type Installment struct {
	ID         int    `json:"pk"`
	Number     int    `json:"installment"`
	Amount     Cents  `json:"installment_amount"`
	PaidAmount Cents  `json:"paid_amount"`
	Status     string `json:"status"`
}

// Outstanding is the amount still owed on the installment.
func (i Installment) Outstanding() Cents {
	return i.Amount - i.PaidAmount
}

type Sale struct {
	ID               int      `json:"id"`
	Date             string   `json:"date"`
	InstallmentCount int      `json:"installments"`
	PaidAmount       Cents    `json:"paid_amount"`
	PendingBalance   Cents    `json:"pending_balance"`
	Price            Cents    `json:"price"`
	Remarks          string   `json:"remarks"`
	Products         []string `json:"products"`
}

// NewSale validates the fields a sale cannot exist without.
func NewSale(id int, date string, installmentCount int, paid, pending, price Cents, remarks string, products []string) (Sale, error) {
	if id == 0 {
		return Sale{}, &ValidationError{Field: "sale_id", Reason: "sale id is required"}
	}
	if installmentCount < 1 {
		return Sale{}, &ValidationError{Field: "installments", Reason: "installment count must be at least 1"}
	}
	return Sale{
		ID:               id,
		Date:             date,
		InstallmentCount: installmentCount,
		PaidAmount:       paid,
		PendingBalance:   pending,
		Price:            price,
		Remarks:          remarks,
		Products:         products,
	}, nil
}

// SubmissionLine is one installment payment inside a captured form.
type SubmissionLine struct {
	SaleID      int   `json:"sale"`
	Installment int   `json:"installment"`
	Amount      Cents `json:"amount"`
}

// PendingSubmission is one payment form the client attempted to send while
// offline. Payload keeps the original serialized body so replay can resend
// it verbatim, with only the anti-forgery token and submission id refreshed.
type PendingSubmission struct {
	ID      string                    `json:"submission_id"`
	Date    time.Time                 `json:"date"`
	Payload string                    `json:"request"`
	Lines   map[string]SubmissionLine `json:"installments"`
}

// PaidTotal sums all line amounts of the submission.
func (p PendingSubmission) PaidTotal() Cents {
	var total Cents
	for _, line := range p.Lines {
		total += line.Amount
	}
	return total
}

// CustomerQueue is the per-customer record stored in the collections
// partition: zero or more submissions accumulated across offline sessions.
type CustomerQueue struct {
	CustomerID  int                 `json:"customer"`
	Submissions []PendingSubmission `json:"data"`
}

// SaleSchedule is the authoritative installment schedule for one sale.
type SaleSchedule struct {
	SaleID       int           `json:"id"`
	Installments []Installment `json:"installments"`
}

// CustomerInstallments maps sale id (as sent by the server, a string key)
// to that sale's schedule.
type CustomerInstallments map[string]SaleSchedule

// Snapshot is the full authoritative payload of the server data endpoint.
// It replaces, never merges into, the local partitions.
type Snapshot struct {
	LastUpdate   string                          `json:"last_update"`
	Sales        map[string][]Sale               `json:"sales"`
	Installments map[string]CustomerInstallments `json:"installments"`
	Customers    map[string]Customer             `json:"customers"`
}
