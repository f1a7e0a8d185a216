package payment

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fixedBalance struct{ amount decimal.Decimal }

func (f fixedBalance) SpendableBalance(platform, address string) (decimal.Decimal, error) {
	return f.amount, nil
}

type fakeNotifier struct {
	accepted []string
	paid     []string
}

func (f *fakeNotifier) SendAcceptance(ctx context.Context, peerNodeID, documentID string) error {
	f.accepted = append(f.accepted, documentID)
	return nil
}

func (f *fakeNotifier) NotifyPaymentSent(ctx context.Context, peerNodeID, agreementID, activityID, amount string) error {
	f.paid = append(f.paid, agreementID+":"+activityID+":"+amount)
	return nil
}

type fakeDriver struct {
	platform string
	paid     []decimal.Decimal
	failNext bool
}

func (d *fakeDriver) Pay(ctx context.Context, platform, payerAddress, payeeAddress string, amount decimal.Decimal, deadline time.Time) (Confirmation, error) {
	if d.failNext {
		d.failNext = false
		return Confirmation{}, ErrAllocationExhausted
	}
	d.paid = append(d.paid, amount)
	return Confirmation{TxHash: "0xsettled"}, nil
}

func (d *fakeDriver) VerifyConfirmation(ctx context.Context, confirmationBytes []byte) (Confirmation, error) {
	return Confirmation{TxHash: string(confirmationBytes)}, nil
}

func (d *fakeDriver) RequiredConfirmations() uint64 { return 1 }
func (d *fakeDriver) Platform() string              { return d.platform }

func newTestLedgerWithAllocation(t *testing.T, platform, address string, total decimal.Decimal) (*AllocationLedger, string) {
	t.Helper()
	ledger := NewAllocationLedger(fixedBalance{amount: total}, nil)
	alloc, outcome := ledger.Create(platform, address, total, time.Now().Add(time.Hour), "", "")
	if outcome.Kind != ValidOutcome {
		t.Fatalf("expected allocation to validate, got %s", outcome.Kind)
	}
	return ledger, alloc.ID
}

func TestPipelineProcessRejectsWithoutActiveAllocation(t *testing.T) {
	ledger := NewAllocationLedger(fixedBalance{amount: decimal.NewFromInt(100)}, nil)
	notifier := &fakeNotifier{}
	accumulator := NewAccumulator()
	scheduler := NewScheduler(NewRegistry(), ledger, accumulator, notifier, time.Minute, time.Millisecond, 10*time.Millisecond)
	pipeline := NewPipeline(ledger, notifier, scheduler)

	doc := &DebitNote{ID: "dn-1", ActivityID: "act-1", AgreementID: "agr-1", Platform: "erc20-test", PayeeAddress: "0xpayee", TotalAmountDue: decimal.NewFromInt(10), PaymentDueDate: time.Now().Add(time.Hour)}
	pipeline.Receive(doc)

	err := pipeline.Process(context.Background(), doc, "missing-allocation", "peer-1")
	if err != ErrAllocationExhausted {
		t.Fatalf("expected ErrAllocationExhausted, got %v", err)
	}
	if doc.State != DocumentRejected {
		t.Fatalf("expected document to be rejected, got %s", doc.State)
	}
}

func TestPipelineProcessAcceptsAndSchedules(t *testing.T) {
	ledger, allocationID := newTestLedgerWithAllocation(t, "erc20-test", "0xpayer", decimal.NewFromInt(100))
	notifier := &fakeNotifier{}
	accumulator := NewAccumulator()
	driver := &fakeDriver{platform: "erc20-test"}
	scheduler := NewScheduler(NewRegistry(driver), ledger, accumulator, notifier, time.Minute, time.Millisecond, 10*time.Millisecond)
	pipeline := NewPipeline(ledger, notifier, scheduler)

	doc := &DebitNote{ID: "dn-1", ActivityID: "act-1", AgreementID: "agr-1", Platform: "erc20-test", PayeeAddress: "0xpayee", TotalAmountDue: decimal.NewFromInt(10), PaymentDueDate: time.Now().Add(time.Hour)}
	pipeline.Receive(doc)

	if err := pipeline.Process(context.Background(), doc, allocationID, "peer-1"); err != nil {
		t.Fatalf("process: %v", err)
	}
	if doc.State != DocumentAccepted {
		t.Fatalf("expected document to be accepted, got %s", doc.State)
	}
	if len(notifier.accepted) != 1 || notifier.accepted[0] != "dn-1" {
		t.Fatalf("expected acceptance notice sent for dn-1, got %v", notifier.accepted)
	}

	scheduler.RunBatch(context.Background(), "erc20-test", "0xpayee")

	if doc.State != DocumentSettled {
		t.Fatalf("expected document to settle, got %s", doc.State)
	}
	totals := accumulator.ActivityTotals("act-1")
	if !totals.AmountPaid.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected AmountPaid 10, got %s", totals.AmountPaid)
	}
	if len(notifier.paid) != 1 {
		t.Fatalf("expected a payment-sent notification, got %v", notifier.paid)
	}
	alloc, _ := ledger.Get(allocationID)
	if !alloc.Remaining.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("expected allocation remaining to be debited to 90, got %s", alloc.Remaining)
	}
}

func TestSchedulerRunBatchRetriesOnDriverFailure(t *testing.T) {
	ledger, allocationID := newTestLedgerWithAllocation(t, "erc20-test", "0xpayer", decimal.NewFromInt(100))
	notifier := &fakeNotifier{}
	accumulator := NewAccumulator()
	driver := &fakeDriver{platform: "erc20-test", failNext: true}
	scheduler := NewScheduler(NewRegistry(driver), ledger, accumulator, notifier, time.Minute, time.Millisecond, 10*time.Millisecond)

	doc := &DebitNote{ID: "dn-1", ActivityID: "act-1", AgreementID: "agr-1", Platform: "erc20-test", PayeeAddress: "0xpayee", TotalAmountDue: decimal.NewFromInt(5), PaymentDueDate: time.Now().Add(time.Hour)}
	scheduler.Enqueue(doc, allocationID, "peer-1")

	scheduler.RunBatch(context.Background(), "erc20-test", "0xpayee")
	if doc.State == DocumentSettled {
		t.Fatal("expected the failed driver call to leave the document unsettled")
	}
	if len(scheduler.Keys()) != 1 {
		t.Fatalf("expected the batch to be requeued for retry, keys=%v", scheduler.Keys())
	}

	scheduler.RunBatch(context.Background(), "erc20-test", "0xpayee")
	if doc.State != DocumentSettled {
		t.Fatalf("expected the retried batch to settle, got %s", doc.State)
	}
}
