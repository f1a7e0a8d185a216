package negotiation

import "marketnode/market"

// AgreementMachine wraps an Agreement with the three-phase confirmation
// protocol and the full state adjacency enforced by §4.D.
type AgreementMachine struct {
	Agreement *market.Agreement
}

func NewAgreementMachine(a *market.Agreement) *AgreementMachine {
	if a.State == "" {
		a.State = market.AgreementProposal
	}
	return &AgreementMachine{Agreement: a}
}

// Confirm is phase 1: the requestor promotes Proposal->Pending locally. The
// caller is responsible for sending the resulting AgreementReceived message.
func (m *AgreementMachine) Confirm() error {
	if m.Agreement.State != market.AgreementProposal {
		return &InvalidTransitionError{From: string(m.Agreement.State), To: string(market.AgreementPending)}
	}
	m.Agreement.State = market.AgreementPending
	return nil
}

// Approve is phase 2 (provider, on acceptance): Pending->Approving.
func (m *AgreementMachine) Approve() error {
	if m.Agreement.State != market.AgreementPending {
		return &InvalidTransitionError{From: string(m.Agreement.State), To: string(market.AgreementApproving)}
	}
	m.Agreement.State = market.AgreementApproving
	return nil
}

// Commit is phase 3 (requestor, on receiving approval): Approving->Approved.
func (m *AgreementMachine) Commit(sig *market.Signature) error {
	if m.Agreement.State != market.AgreementApproving {
		return &InvalidTransitionError{From: string(m.Agreement.State), To: string(market.AgreementApproved)}
	}
	m.Agreement.State = market.AgreementApproved
	m.Agreement.CommittedSig = sig
	return nil
}

// Reject is legal only in Pending (phase 2, provider declines).
func (m *AgreementMachine) Reject() error {
	if m.Agreement.State != market.AgreementPending {
		return &InvalidTransitionError{From: string(m.Agreement.State), To: string(market.AgreementRejected)}
	}
	m.Agreement.State = market.AgreementRejected
	return nil
}

// Cancel is legal in Pending and Approving.
func (m *AgreementMachine) Cancel() error {
	switch m.Agreement.State {
	case market.AgreementPending, market.AgreementApproving:
		m.Agreement.State = market.AgreementCancelled
		return nil
	default:
		return &InvalidTransitionError{From: string(m.Agreement.State), To: string(market.AgreementCancelled)}
	}
}

// RevertApproving recovers from a failed commit: the requestor reverts
// Approving->Pending so the provider can be retried or the agreement
// cancelled. This is the only path that may move out of Approving besides
// Commit and Cancel, and the only path that ever re-enters Pending.
func (m *AgreementMachine) RevertApproving() error {
	if m.Agreement.State != market.AgreementApproving {
		return &InvalidTransitionError{From: string(m.Agreement.State), To: string(market.AgreementPending)}
	}
	m.Agreement.State = market.AgreementPending
	return nil
}

// Terminate is the only valid exit from Approved.
func (m *AgreementMachine) Terminate() error {
	if m.Agreement.State != market.AgreementApproved {
		return &InvalidTransitionError{From: string(m.Agreement.State), To: string(market.AgreementTerminated)}
	}
	m.Agreement.State = market.AgreementTerminated
	return nil
}

// Expire moves an agreement that has not reached Approved (Proposal, Pending
// or Approving) to Expired, e.g. when ValidTo passes.
func (m *AgreementMachine) Expire() error {
	switch m.Agreement.State {
	case market.AgreementTerminated, market.AgreementCancelled, market.AgreementRejected, market.AgreementExpired, market.AgreementApproved:
		return &InvalidTransitionError{From: string(m.Agreement.State), To: string(market.AgreementExpired)}
	default:
		m.Agreement.State = market.AgreementExpired
		return nil
	}
}
