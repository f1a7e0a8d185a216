package payment

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Accumulator maintains the per-activity and per-agreement Totals described
// in spec §4.F, enforcing monotonicity: each of the four totals is
// non-decreasing, debit notes may only raise AmountDue, and acceptance may
// only raise AmountAccepted up to the latest AmountDue.
type Accumulator struct {
	mu         sync.Mutex
	activities map[string]*ActivityCost   // activityID
	agreements map[string]*Totals         // agreementID
}

// NewAccumulator constructs an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		activities: make(map[string]*ActivityCost),
		agreements: make(map[string]*Totals),
	}
}

func (a *Accumulator) activity(activityID, agreementID string) *ActivityCost {
	ac, ok := a.activities[activityID]
	if !ok {
		ac = &ActivityCost{ActivityID: activityID, AgreementID: agreementID, State: ActivityRunning, Cost: decimal.Zero}
		a.activities[activityID] = ac
	}
	return ac
}

func (a *Accumulator) agreement(agreementID string) *Totals {
	t, ok := a.agreements[agreementID]
	if !ok {
		t = &Totals{}
		a.agreements[agreementID] = t
	}
	return t
}

// RecordDebitNote sets the activity's AmountDue to newDue and raises its
// agreement's AmountDue by the increase. It is rejected (and left unchanged)
// if newDue is less than the activity's current AmountDue, preserving
// monotonicity; an equal value leaves the totals unchanged.
func (a *Accumulator) RecordDebitNote(activityID, agreementID string, newDue decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ac := a.activity(activityID, agreementID)
	if newDue.LessThan(ac.Totals.AmountDue) {
		return ErrNonMonotonic
	}
	delta := newDue.Sub(ac.Totals.AmountDue)
	ac.Totals.AmountDue = newDue
	ag := a.agreement(agreementID)
	ag.AmountDue = ag.AmountDue.Add(delta)
	return nil
}

// RecordAcceptance raises AmountAccepted for the activity and its agreement
// by the accepted amount. acceptedTotal must be <= the activity's latest
// AmountDue and >= its current AmountAccepted.
func (a *Accumulator) RecordAcceptance(activityID, agreementID string, acceptedTotal decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ac := a.activity(activityID, agreementID)
	if acceptedTotal.LessThan(ac.Totals.AmountAccepted) {
		return ErrNonMonotonic
	}
	if acceptedTotal.GreaterThan(ac.Totals.AmountDue) {
		return ErrAcceptedExceedsDue
	}
	delta := acceptedTotal.Sub(ac.Totals.AmountAccepted)
	ac.Totals.AmountAccepted = acceptedTotal
	ag := a.agreement(agreementID)
	ag.AmountAccepted = ag.AmountAccepted.Add(delta)
	return nil
}

// RecordScheduled raises AmountScheduled for the activity and its agreement
// by amount. The Scheduler in this package does not call it.
func (a *Accumulator) RecordScheduled(activityID, agreementID string, amount decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ac := a.activity(activityID, agreementID)
	ac.Totals.AmountScheduled = ac.Totals.AmountScheduled.Add(amount)
	ag := a.agreement(agreementID)
	ag.AmountScheduled = ag.AmountScheduled.Add(amount)
	return nil
}

// RecordPaid raises AmountPaid once a driver confirms settlement.
func (a *Accumulator) RecordPaid(activityID, agreementID string, amount decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ac := a.activity(activityID, agreementID)
	ac.Totals.AmountPaid = ac.Totals.AmountPaid.Add(amount)
	ag := a.agreement(agreementID)
	ag.AmountPaid = ag.AmountPaid.Add(amount)
	return nil
}

// ActivityTotals returns a copy of the named activity's totals.
func (a *Accumulator) ActivityTotals(activityID string) Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ac, ok := a.activities[activityID]; ok {
		return ac.Totals
	}
	return Totals{}
}

// AgreementTotals returns a copy of the named agreement's totals.
func (a *Accumulator) AgreementTotals(agreementID string) Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.agreements[agreementID]; ok {
		return *t
	}
	return Totals{}
}

// SetActivityState transitions the activity's lifecycle state
// (Running/Destroyed/Finalized); callers are responsible for calling this in
// a legal order.
func (a *Accumulator) SetActivityState(activityID, agreementID string, state ActivityState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activity(activityID, agreementID).State = state
}
