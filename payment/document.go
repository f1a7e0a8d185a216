package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// Document is the shared lifecycle surface of DebitNote and Invoice so the
// acceptance pipeline and scheduler can treat both uniformly.
type Document interface {
	DocID() string
	DocPlatform() string
	DocPayee() string
	DocActivityID() string
	DocAgreementID() string
	DocAmountDue() decimal.Decimal
	DocPaymentDueDate() time.Time
	DocState() DocumentState
	SetState(DocumentState)
	SetRejectReason(string)
	SetConfirmation([]byte)
}

func (d *DebitNote) DocID() string                    { return d.ID }
func (d *DebitNote) DocPlatform() string               { return d.Platform }
func (d *DebitNote) DocPayee() string                  { return d.PayeeAddress }
func (d *DebitNote) DocActivityID() string             { return d.ActivityID }
func (d *DebitNote) DocAgreementID() string            { return d.AgreementID }
func (d *DebitNote) DocAmountDue() decimal.Decimal     { return d.TotalAmountDue }
func (d *DebitNote) DocPaymentDueDate() time.Time      { return d.PaymentDueDate }
func (d *DebitNote) DocState() DocumentState           { return d.State }
func (d *DebitNote) SetState(s DocumentState)          { d.State = s }
func (d *DebitNote) SetRejectReason(r string)          { d.RejectReason = r }
func (d *DebitNote) SetConfirmation(b []byte)          { d.ConfirmationBytes = b }

func (i *Invoice) DocID() string                 { return i.ID }
func (i *Invoice) DocPlatform() string           { return i.Platform }
func (i *Invoice) DocPayee() string              { return i.PayeeAddress }
func (i *Invoice) DocAgreementID() string        { return i.AgreementID }
func (i *Invoice) DocAmountDue() decimal.Decimal { return i.AmountDue }
func (i *Invoice) DocPaymentDueDate() time.Time  { return i.PaymentDueDate }
func (i *Invoice) DocState() DocumentState       { return i.State }
func (i *Invoice) SetState(s DocumentState)      { i.State = s }
func (i *Invoice) SetRejectReason(r string)      { i.RejectReason = r }
func (i *Invoice) SetConfirmation(b []byte)      { i.ConfirmationBytes = b }

// DocActivityID returns the first closed-out activity, since an invoice may
// finalize several. Per-activity accumulation beyond the first is tracked by
// the agreement-level totals.
func (i *Invoice) DocActivityID() string {
	if len(i.ActivityIDs) == 0 {
		return ""
	}
	return i.ActivityIDs[0]
}
