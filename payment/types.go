// Package payment implements the Payment Core: allocation reservation,
// per-activity/agreement cost accumulation, the debit-note/invoice
// acceptance pipeline, transaction nonce discipline, and the pluggable
// on-chain Driver interface (spec §4.F).
package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// AllocationState is the Allocation lifecycle's state set.
type AllocationState string

const (
	AllocationActive   AllocationState = "active"
	AllocationReleased AllocationState = "released"
	AllocationExpired  AllocationState = "expired"
	AllocationExhausted AllocationState = "exhausted"
)

// Allocation reserves funds on a (platform,address) pair for later spend.
type Allocation struct {
	ID         string
	Platform   string
	Address    string
	Total      decimal.Decimal
	Remaining  decimal.Decimal
	Timeout    time.Time
	DepositContract string
	DepositID       string
	State      AllocationState
	CreatedAt  time.Time
}

// ValidationOutcome is the closed taxonomy of allocation-creation validation
// results (spec §4.F).
type ValidationOutcome struct {
	Kind    ValidationKind
	Requested, Available, Reserved decimal.Decimal
	AllocationID string
	Message      string
}

// ValidationKind enumerates the closed set of outcomes.
type ValidationKind string

const (
	ValidOutcome                     ValidationKind = "Valid"
	InsufficientAccountFunds         ValidationKind = "InsufficientAccountFunds"
	InsufficientDepositFunds         ValidationKind = "InsufficientDepositFunds"
	TimeoutExceedsDeposit            ValidationKind = "TimeoutExceedsDeposit"
	TimeoutPassed                    ValidationKind = "TimeoutPassed"
	MalformedDepositContract         ValidationKind = "MalformedDepositContract"
	MalformedDepositId               ValidationKind = "MalformedDepositId"
	DepositReused                    ValidationKind = "DepositReused"
	DepositSpenderMismatch           ValidationKind = "DepositSpenderMismatch"
	DepositValidationError           ValidationKind = "DepositValidationError"
)

// ActivityState is the per-activity cost-accumulation state.
type ActivityState string

const (
	ActivityRunning    ActivityState = "Running"
	ActivityDestroyed  ActivityState = "Destroyed"
	ActivityFinalized  ActivityState = "Finalized"
)

// Totals are the four monotone running sums the core tracks at both
// activity and agreement granularity.
type Totals struct {
	AmountDue       decimal.Decimal
	AmountAccepted  decimal.Decimal
	AmountScheduled decimal.Decimal
	AmountPaid      decimal.Decimal
}

// ActivityCost is the per-activity cost-accumulation record.
type ActivityCost struct {
	ActivityID string
	AgreementID string
	State      ActivityState
	UsageVec   []float64
	Cost       decimal.Decimal
	Totals     Totals
}

// DocumentState is the debit-note/invoice lifecycle's state set.
type DocumentState string

const (
	DocumentReceived DocumentState = "Received"
	DocumentRejected DocumentState = "Rejected"
	DocumentAccepted DocumentState = "Accepted"
	DocumentSettled  DocumentState = "Settled"
	DocumentFailed   DocumentState = "Failed"
)

// DebitNote is a periodic usage/cost statement within an activity.
type DebitNote struct {
	ID            string
	ActivityID    string
	AgreementID   string
	Platform      string
	PayeeAddress  string
	TotalAmountDue decimal.Decimal
	Timestamp     time.Time
	PaymentDueDate time.Time
	State         DocumentState
	RejectReason  string
	ConfirmationBytes []byte
}

// Invoice closes out an activity or agreement with a final amount due.
type Invoice struct {
	ID             string
	AgreementID    string
	ActivityIDs    []string
	Platform       string
	PayeeAddress   string
	AmountDue      decimal.Decimal
	Timestamp      time.Time
	PaymentDueDate time.Time
	State          DocumentState
	RejectReason   string
	ConfirmationBytes []byte
}

// Confirmation is what a Driver reports after verifying a SendPayment
// message's on-chain transaction.
type Confirmation struct {
	Sender    string
	Recipient string
	Amount    decimal.Decimal
	TxHash    string
}
