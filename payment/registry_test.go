package payment

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestDocumentRegistryTrackAndGet(t *testing.T) {
	reg := NewDocumentRegistry()
	doc := &DebitNote{ID: "dn-1", ActivityID: "act-1", AgreementID: "agr-1", TotalAmountDue: decimal.NewFromInt(10)}
	reg.Track(doc)

	got, ok := reg.Get("dn-1")
	if !ok {
		t.Fatal("expected tracked document to be found")
	}
	if got.DocID() != "dn-1" {
		t.Fatalf("expected doc id dn-1, got %s", got.DocID())
	}
}

func TestDocumentRegistryGetMissing(t *testing.T) {
	reg := NewDocumentRegistry()
	if _, ok := reg.Get("missing"); ok {
		t.Fatal("expected lookup of an untracked id to fail")
	}
}

func TestHandleAcceptanceNoticeRaisesAccumulatorTotals(t *testing.T) {
	reg := NewDocumentRegistry()
	accumulator := NewAccumulator()
	doc := &DebitNote{ID: "dn-1", ActivityID: "act-1", AgreementID: "agr-1", TotalAmountDue: decimal.NewFromInt(25), State: DocumentReceived}
	reg.Track(doc)

	if err := accumulator.RecordDebitNote("act-1", "agr-1", decimal.NewFromInt(25)); err != nil {
		t.Fatalf("record debit note: %v", err)
	}

	if err := reg.HandleAcceptanceNotice(accumulator, "dn-1"); err != nil {
		t.Fatalf("handle acceptance notice: %v", err)
	}

	if doc.State != DocumentAccepted {
		t.Fatalf("expected tracked document to move to Accepted, got %s", doc.State)
	}
	totals := accumulator.ActivityTotals("act-1")
	if !totals.AmountAccepted.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("expected AmountAccepted 25, got %s", totals.AmountAccepted)
	}
}

func TestHandleAcceptanceNoticeUnknownDocument(t *testing.T) {
	reg := NewDocumentRegistry()
	accumulator := NewAccumulator()
	if err := reg.HandleAcceptanceNotice(accumulator, "missing"); err != ErrDocumentNotFound {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestInvoiceDocActivityIDUsesFirstActivity(t *testing.T) {
	inv := &Invoice{ID: "inv-1", AgreementID: "agr-1", ActivityIDs: []string{"act-1", "act-2"}}
	if got := inv.DocActivityID(); got != "act-1" {
		t.Fatalf("expected first activity id act-1, got %s", got)
	}

	empty := &Invoice{ID: "inv-2", AgreementID: "agr-1"}
	if got := empty.DocActivityID(); got != "" {
		t.Fatalf("expected empty activity id for an invoice with no activities, got %s", got)
	}
}
