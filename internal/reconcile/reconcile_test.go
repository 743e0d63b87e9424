package reconcile

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"cobranzas/gateway/internal/domain"
)

func cents(t *testing.T, raw string) domain.Cents {
	t.Helper()
	value, err := domain.ParseCents(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return value
}

func testSale(t *testing.T) domain.Sale {
	t.Helper()
	sale, err := domain.NewSale(31, "2023-04-01", 5, cents(t, "200.00"), cents(t, "300.00"), cents(t, "500.00"), "", []string{"Colchon 2 plazas"})
	if err != nil {
		t.Fatalf("sale: %v", err)
	}
	return sale
}

func testSchedule(t *testing.T) []domain.Installment {
	t.Helper()
	return []domain.Installment{
		{ID: 101, Number: 1, Amount: cents(t, "100.00"), PaidAmount: cents(t, "100.00"), Status: domain.StatusPaid},
		{ID: 102, Number: 2, Amount: cents(t, "100.00"), PaidAmount: cents(t, "100.00"), Status: domain.StatusPaid},
		{ID: 103, Number: 3, Amount: cents(t, "100.00"), PaidAmount: cents(t, "0.00"), Status: domain.StatusPending},
		{ID: 104, Number: 4, Amount: cents(t, "100.00"), PaidAmount: cents(t, "0.00"), Status: domain.StatusPending},
		{ID: 105, Number: 5, Amount: cents(t, "100.00"), PaidAmount: cents(t, "0.00"), Status: domain.StatusPending},
	}
}

func queueWith(lines ...domain.SubmissionLine) domain.CustomerQueue {
	byKey := make(map[string]domain.SubmissionLine, len(lines))
	for i, line := range lines {
		byKey[string(rune('a'+i))] = line
	}
	return domain.CustomerQueue{
		CustomerID: 12,
		Submissions: []domain.PendingSubmission{
			{ID: "sub-1", Date: time.Date(2023, 4, 2, 10, 0, 0, 0, time.UTC), Lines: byKey},
		},
	}
}

func TestFullyCoveredInstallmentIsDropped(t *testing.T) {
	sale := testSale(t)
	pending := Pending{3: cents(t, "100.00")}

	adjusted, remaining, err := AdjustSale(sale, testSchedule(t), pending)
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}

	for _, installment := range remaining {
		if installment.Number == 3 {
			t.Fatal("settled installment #3 must not be shown again")
		}
	}
	if adjusted.PendingBalance != cents(t, "200.00") {
		t.Fatalf("pending balance = %s, want 200.00", adjusted.PendingBalance)
	}
	if adjusted.PaidAmount != cents(t, "300.00") {
		t.Fatalf("paid amount = %s, want 300.00", adjusted.PaidAmount)
	}
}

func TestPartialPaymentFoldsIntoInstallment(t *testing.T) {
	sale := testSale(t)
	pending := Pending{3: cents(t, "40.00")}

	_, remaining, err := AdjustSale(sale, testSchedule(t), pending)
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}

	var third *domain.Installment
	for i := range remaining {
		if remaining[i].Number == 3 {
			third = &remaining[i]
		}
	}
	if third == nil {
		t.Fatal("installment #3 missing from remaining list")
	}
	if third.Status != domain.StatusPartial {
		t.Fatalf("status = %s, want PARTIAL", third.Status)
	}
	if third.PaidAmount != cents(t, "40.00") {
		t.Fatalf("paid amount = %s, want 40.00", third.PaidAmount)
	}

	buckets := BucketInstallments(remaining)
	if len(buckets.Partial) != 1 || buckets.Partial[0].Number != 3 {
		t.Fatalf("partial bucket = %+v, want installment #3", buckets.Partial)
	}
}

func TestConservationAcrossPendingMixes(t *testing.T) {
	sale := testSale(t)
	authoritative := sale.PaidAmount + sale.PendingBalance

	mixes := []Pending{
		{},
		{3: cents(t, "100.00")},
		{3: cents(t, "40.00")},
		{3: cents(t, "100.00"), 4: cents(t, "25.50")},
		{3: cents(t, "10.00"), 4: cents(t, "10.00"), 5: cents(t, "10.00")},
	}
	for _, pending := range mixes {
		adjusted, _, err := AdjustSale(sale, testSchedule(t), pending)
		if err != nil {
			t.Fatalf("adjust failed for %v: %v", pending, err)
		}
		if adjusted.PaidAmount+adjusted.PendingBalance != authoritative {
			t.Fatalf("conservation broken for %v: %s + %s != %s",
				pending, adjusted.PaidAmount, adjusted.PendingBalance, authoritative)
		}
	}
}

func TestBucketingKeepsSingleCurrent(t *testing.T) {
	_, remaining, err := AdjustSale(testSale(t), testSchedule(t), Pending{4: cents(t, "15.00")})
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	buckets := BucketInstallments(remaining)

	if len(buckets.Current) != 1 {
		t.Fatalf("current bucket has %d entries, want 1", len(buckets.Current))
	}
	if buckets.Current[0].Number != 3 {
		t.Fatalf("current = #%d, want lowest pending #3", buckets.Current[0].Number)
	}
	if len(buckets.Next) != 1 || buckets.Next[0].Number != 5 {
		t.Fatalf("next bucket = %+v, want [#5]", buckets.Next)
	}
	if len(buckets.Partial) != 1 || buckets.Partial[0].Number != 4 {
		t.Fatalf("partial bucket = %+v, want [#4]", buckets.Partial)
	}
}

func TestBucketingWithNoPendingLeft(t *testing.T) {
	buckets := BucketInstallments(nil)
	if len(buckets.Partial)+len(buckets.Current)+len(buckets.Next) != 0 {
		t.Fatalf("expected empty buckets, got %+v", buckets)
	}
}

func TestAccumulateSumsAcrossSubmissions(t *testing.T) {
	queue := domain.CustomerQueue{
		CustomerID: 12,
		Submissions: []domain.PendingSubmission{
			{ID: "sub-1", Lines: map[string]domain.SubmissionLine{
				"31-3": {SaleID: 31, Installment: 3, Amount: 4000},
			}},
			{ID: "sub-2", Lines: map[string]domain.SubmissionLine{
				"31-3": {SaleID: 31, Installment: 3, Amount: 2500},
				"44-1": {SaleID: 44, Installment: 1, Amount: 1000},
			}},
		},
	}

	pending := AccumulatePending(queue)
	if pending[31][3] != 6500 {
		t.Fatalf("sale 31 installment 3 accumulated %d, want 6500", pending[31][3])
	}
	if pending[44][1] != 1000 {
		t.Fatalf("sale 44 installment 1 accumulated %d, want 1000", pending[44][1])
	}
}

func TestOverpaymentSurfacesInconsistency(t *testing.T) {
	_, _, err := AdjustSale(testSale(t), testSchedule(t), Pending{3: cents(t, "150.00")})
	var ierr *InconsistencyError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected InconsistencyError, got %v", err)
	}
	if ierr.SaleID != 31 || ierr.Installment != 3 {
		t.Fatalf("unexpected error detail: %+v", ierr)
	}
}

func TestNegativePendingBalanceSurfacesInconsistency(t *testing.T) {
	sale := testSale(t)
	sale.PendingBalance = cents(t, "50.00")

	_, _, err := AdjustSale(sale, testSchedule(t), Pending{3: cents(t, "60.00"), 4: cents(t, "40.00")})
	var ierr *InconsistencyError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected InconsistencyError, got %v", err)
	}
}

func TestBuildCustomerViewIsIdempotent(t *testing.T) {
	sales := []domain.Sale{testSale(t)}
	schedules := domain.CustomerInstallments{
		"31": {SaleID: 31, Installments: testSchedule(t)},
	}
	queue := queueWith(
		domain.SubmissionLine{SaleID: 31, Installment: 3, Amount: 10000},
		domain.SubmissionLine{SaleID: 31, Installment: 4, Amount: 2000},
	)

	first, err := BuildCustomerView(12, sales, schedules, queue)
	if err != nil {
		t.Fatalf("first build failed: %v", err)
	}
	second, err := BuildCustomerView(12, sales, schedules, queue)
	if err != nil {
		t.Fatalf("second build failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatal("reconciliation is not idempotent")
	}

	// #3 settled and dropped, #4 partial, #5 becomes current.
	buckets := first.Sales[0].Installments
	if len(buckets.Partial) != 1 || buckets.Partial[0].Number != 4 {
		t.Fatalf("partial bucket = %+v", buckets.Partial)
	}
	if len(buckets.Current) != 1 || buckets.Current[0].Number != 5 {
		t.Fatalf("current bucket = %+v", buckets.Current)
	}
	if first.InstallmentCount() != 2 {
		t.Fatalf("installment count = %d, want 2", first.InstallmentCount())
	}
}
