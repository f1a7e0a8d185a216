package payment

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountBalance answers how much a wallet holds and how much of it is
// already reserved across every other allocation on the same account.
type AccountBalance interface {
	SpendableBalance(platform, address string) (decimal.Decimal, error)
}

// DepositChecker validates an optional deposit-contract-backed allocation.
// Platforms that do not support deposits may pass a nil DepositChecker;
// AllocationLedger then rejects any allocation that names a deposit.
type DepositChecker interface {
	ValidateDeposit(contract, depositID, spender string, total decimal.Decimal, timeout time.Time) *ValidationOutcome
}

// AllocationLedger reserves funds on (platform,address) pairs. Reservation is
// serialized per account: creation validates, atomically with respect to
// other allocations on the same (platform,address), that the requested
// amount is covered by spendable-minus-already-reserved funds.
type AllocationLedger struct {
	mu      sync.Mutex
	balance AccountBalance
	deposit DepositChecker

	allocations map[string]*Allocation
	reserved    map[string]decimal.Decimal // "platform|address" -> sum of active allocations
}

// NewAllocationLedger constructs an empty ledger.
func NewAllocationLedger(balance AccountBalance, deposit DepositChecker) *AllocationLedger {
	return &AllocationLedger{
		balance:     balance,
		deposit:     deposit,
		allocations: make(map[string]*Allocation),
		reserved:    make(map[string]decimal.Decimal),
	}
}

func accountKey(platform, address string) string { return platform + "|" + address }

// Create validates and, if valid, reserves a new Allocation. The returned
// ValidationOutcome.Kind is ValidOutcome exactly when alloc is non-nil.
func (l *AllocationLedger) Create(platform, address string, total decimal.Decimal, timeout time.Time, depositContract, depositID string) (*Allocation, *ValidationOutcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !timeout.After(time.Now().UTC()) {
		return nil, &ValidationOutcome{Kind: TimeoutPassed}
	}

	if depositContract != "" || depositID != "" {
		if l.deposit == nil {
			return nil, &ValidationOutcome{Kind: MalformedDepositContract, Message: "deposits not supported on this platform"}
		}
		if depositContract == "" {
			return nil, &ValidationOutcome{Kind: MalformedDepositContract}
		}
		if depositID == "" {
			return nil, &ValidationOutcome{Kind: MalformedDepositId}
		}
		for _, a := range l.allocations {
			if a.DepositContract == depositContract && a.DepositID == depositID && a.State == AllocationActive {
				return nil, &ValidationOutcome{Kind: DepositReused, AllocationID: a.ID}
			}
		}
		if outcome := l.deposit.ValidateDeposit(depositContract, depositID, address, total, timeout); outcome != nil && outcome.Kind != ValidOutcome {
			return nil, outcome
		}
	}

	key := accountKey(platform, address)
	spendable, err := l.balance.SpendableBalance(platform, address)
	if err != nil {
		return nil, &ValidationOutcome{Kind: DepositValidationError, Message: err.Error()}
	}
	already := l.reserved[key]
	available := spendable.Sub(already)
	if total.GreaterThan(available) {
		return nil, &ValidationOutcome{
			Kind:      InsufficientAccountFunds,
			Requested: total,
			Available: spendable,
			Reserved:  already,
		}
	}

	alloc := &Allocation{
		ID:              uuid.NewString(),
		Platform:        platform,
		Address:         address,
		Total:           total,
		Remaining:       total,
		Timeout:         timeout,
		DepositContract: depositContract,
		DepositID:       depositID,
		State:           AllocationActive,
		CreatedAt:       time.Now().UTC(),
	}
	l.allocations[alloc.ID] = alloc
	l.reserved[key] = already.Add(total)
	return alloc, &ValidationOutcome{Kind: ValidOutcome}
}

// Get returns the allocation by id.
func (l *AllocationLedger) Get(id string) (*Allocation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.allocations[id]
	return a, ok
}

// Release frees an active allocation's unspent remainder back to the
// account's available balance.
func (l *AllocationLedger) Release(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.allocations[id]
	if !ok {
		return ErrAllocationNotFound
	}
	if a.State != AllocationActive {
		return nil
	}
	key := accountKey(a.Platform, a.Address)
	l.reserved[key] = l.reserved[key].Sub(a.Remaining)
	a.State = AllocationReleased
	a.Remaining = decimal.Zero
	return nil
}

// Debit decrements an allocation's remaining amount by amount paid, settling
// a document. It fails if amount exceeds the remaining balance or the
// allocation is not active.
func (l *AllocationLedger) Debit(id string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.allocations[id]
	if !ok {
		return ErrAllocationNotFound
	}
	if a.State != AllocationActive {
		return ErrAllocationNotActive
	}
	if amount.GreaterThan(a.Remaining) {
		return ErrAllocationExhausted
	}
	key := accountKey(a.Platform, a.Address)
	a.Remaining = a.Remaining.Sub(amount)
	l.reserved[key] = l.reserved[key].Sub(amount)
	if a.Remaining.IsZero() {
		a.State = AllocationExhausted
	}
	return nil
}

// ExpireSweep transitions allocations whose timeout has passed from Active
// to Expired, freeing their remaining reservation.
func (l *AllocationLedger) ExpireSweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, a := range l.allocations {
		if a.State == AllocationActive && now.After(a.Timeout) {
			key := accountKey(a.Platform, a.Address)
			l.reserved[key] = l.reserved[key].Sub(a.Remaining)
			a.State = AllocationExpired
			a.Remaining = decimal.Zero
			n++
		}
	}
	return n
}
