package negotiation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	marketerr "marketnode/core/errors"
	"marketnode/market"
	"marketnode/observability"
)

// AgreementPhase names which leg of the three-phase confirmation protocol an
// AgreementMessage carries.
type AgreementPhase string

const (
	AgreementMsgConfirm AgreementPhase = "confirm"
	AgreementMsgApprove AgreementPhase = "approve"
	AgreementMsgCommit  AgreementPhase = "commit"
	AgreementMsgReject  AgreementPhase = "reject"
	AgreementMsgCancel  AgreementPhase = "cancel"
	AgreementMsgRevert  AgreementPhase = "revert"
)

// AgreementMessage is the wire payload for the market/agreement service.
type AgreementMessage struct {
	AgreementID market.AgreementID
	Phase       AgreementPhase
	Signature   *market.Signature
}

// PaymentMessage is the wire payload for SendPayment.
type PaymentMessage struct {
	AgreementID market.AgreementID
	ActivityID  string
	Amount      string // decimal string, kept opaque to the broker
}

// WireTransport is the subset of the peer-to-peer overlay the broker needs to
// drive the market/proposal and market/agreement wire services.
type WireTransport interface {
	SendProposal(ctx context.Context, peerNodeID string, p *market.Proposal) error
	SendAgreement(ctx context.Context, peerNodeID string, msg AgreementMessage) error
	SendPayment(ctx context.Context, peerNodeID string, msg PaymentMessage) error
}

type negotiationState struct {
	chain          *Chain
	peerNodeID     string
	lastAppliedID  market.ProposalID
}

// Broker is the Negotiation Broker: it ties the Proposal FSM, the Agreement
// FSM and the negotiator pipeline to a wire transport, applying exponential
// backoff to outbound retries and idempotence to inbound proposal delivery.
type Broker struct {
	mu sync.Mutex

	identity   string
	pipeline   *Pipeline
	transport  WireTransport

	negotiations map[market.NegotiationID]*negotiationState
	agreements   map[market.AgreementID]*AgreementMachine

	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewBroker constructs a Broker. backoffBase/backoffCap bound the exponential
// retry applied to outbound sends that fail with a transport error; values
// that are zero or negative default to 1s and 60s.
func NewBroker(identity string, pipeline *Pipeline, transport WireTransport, backoffBase, backoffCap time.Duration) *Broker {
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	if backoffCap <= 0 {
		backoffCap = 60 * time.Second
	}
	return &Broker{
		identity:     identity,
		pipeline:     pipeline,
		transport:    transport,
		negotiations: make(map[market.NegotiationID]*negotiationState),
		agreements:   make(map[market.AgreementID]*AgreementMachine),
		backoffBase:  backoffBase,
		backoffCap:   backoffCap,
	}
}

// StartNegotiation registers a freshly matched (offer, demand) pair's initial
// proposal and returns the chain for local bookkeeping.
func (b *Broker) StartNegotiation(negotiationID market.NegotiationID, peerNodeID string, initial *market.Proposal) *Chain {
	chain := NewChain(negotiationID, initial)
	b.mu.Lock()
	b.negotiations[negotiationID] = &negotiationState{chain: chain, peerNodeID: peerNodeID, lastAppliedID: initial.ID}
	b.mu.Unlock()
	return chain
}

// ReceiveProposal applies an inbound ProposalReceived message. Re-delivery of
// an already-applied proposal id is a no-op: the second and subsequent
// deliveries observe no state change, satisfying wire-level idempotence.
func (b *Broker) ReceiveProposal(ctx context.Context, negotiationID market.NegotiationID, counterparty market.Role, p *market.Proposal) (*market.Proposal, error) {
	b.mu.Lock()
	state, ok := b.negotiations[negotiationID]
	b.mu.Unlock()
	if !ok {
		return nil, marketerr.Newf(marketerr.NotFound, "receive_proposal", "unknown negotiation %s", negotiationID)
	}

	b.mu.Lock()
	if state.lastAppliedID == p.ID {
		b.mu.Unlock()
		return state.chain.Head(), nil // idempotent re-delivery
	}
	b.mu.Unlock()

	next, err := state.chain.Counter(p.PrevProposalID, counterparty, p.Properties, p.Constraints, time.Until(p.ExpirationTS))
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	state.lastAppliedID = p.ID
	b.mu.Unlock()
	observability.Negotiation().RecordProposalReceived(string(counterparty))
	return next, nil
}

// Counter runs the negotiator pipeline against the current chain head and, if
// Ready or Negotiating, emits a countering proposal over the wire with
// backoff retry; a Reject purges the chain when is_final is set.
func (b *Broker) Counter(ctx context.Context, negotiationID market.NegotiationID, ownerRole market.Role, ownDraft *market.Proposal, expiresIn time.Duration) (StepResult, error) {
	b.mu.Lock()
	state, ok := b.negotiations[negotiationID]
	b.mu.Unlock()
	if !ok {
		return StepResult{}, marketerr.Newf(marketerr.NotFound, "counter", "unknown negotiation %s", negotiationID)
	}

	head := state.chain.Head()
	result, err := b.pipeline.Run(head, ownDraft)
	if err != nil {
		return StepResult{}, err
	}
	if result.Outcome == OutcomeReject {
		if result.IsFinal {
			state.chain.Purge()
		}
		return result, nil
	}

	next, err := state.chain.Counter(head.ID, ownerRole, result.Proposal.Properties, result.Proposal.Constraints, expiresIn)
	if err != nil {
		return StepResult{}, err
	}
	state.lastAppliedID = next.ID
	if err := b.sendWithBackoff(ctx, func() error {
		return b.transport.SendProposal(ctx, state.peerNodeID, next)
	}); err != nil {
		return StepResult{}, err
	}
	observability.Negotiation().RecordProposalSent(string(ownerRole))
	result.Proposal = next
	return result, nil
}

// AcceptNegotiation accepts the chain head and promotes it into a fresh
// Agreement in the Proposal state, registered for the three-phase protocol.
func (b *Broker) AcceptNegotiation(negotiationID market.NegotiationID, providerID, requestorID string, validTo time.Time) (*market.Agreement, error) {
	b.mu.Lock()
	state, ok := b.negotiations[negotiationID]
	b.mu.Unlock()
	if !ok {
		return nil, marketerr.Newf(marketerr.NotFound, "accept_negotiation", "unknown negotiation %s", negotiationID)
	}

	accepted, err := state.chain.Accept()
	if err != nil {
		return nil, err
	}

	agreement := &market.Agreement{
		ID:          market.AgreementID(accepted.ID),
		Offer:       accepted.Properties,
		OfferCons:   accepted.Constraints,
		ProviderID:  providerID,
		RequestorID: requestorID,
		CreationTS:  time.Now().UTC(),
		ValidTo:     validTo,
		State:       market.AgreementProposal,
	}
	machine := NewAgreementMachine(agreement)

	b.mu.Lock()
	b.agreements[agreement.ID] = machine
	b.mu.Unlock()

	return agreement, nil
}

// ConfirmAgreement drives phase 1 (Proposal->Pending) and sends the
// AgreementReceived message to the provider.
func (b *Broker) ConfirmAgreement(ctx context.Context, agreementID market.AgreementID, peerNodeID string) error {
	machine, err := b.agreementMachine(agreementID)
	if err != nil {
		return err
	}
	if err := machine.Confirm(); err != nil {
		return err
	}
	observability.Negotiation().RecordAgreementPhase(string(AgreementMsgConfirm))
	return b.sendWithBackoff(ctx, func() error {
		return b.transport.SendAgreement(ctx, peerNodeID, AgreementMessage{AgreementID: agreementID, Phase: AgreementMsgConfirm})
	})
}

// ApproveAgreement drives phase 2 (Pending->Approving) and notifies the
// requestor.
func (b *Broker) ApproveAgreement(ctx context.Context, agreementID market.AgreementID, peerNodeID string, sig *market.Signature) error {
	machine, err := b.agreementMachine(agreementID)
	if err != nil {
		return err
	}
	if err := machine.Approve(); err != nil {
		return err
	}
	machine.Agreement.ApprovedSig = sig
	observability.Negotiation().RecordAgreementPhase(string(AgreementMsgApprove))
	return b.sendWithBackoff(ctx, func() error {
		return b.transport.SendAgreement(ctx, peerNodeID, AgreementMessage{AgreementID: agreementID, Phase: AgreementMsgApprove, Signature: sig})
	})
}

// CommitAgreement drives phase 3 (Approving->Approved) and notifies the
// provider the agreement is live.
func (b *Broker) CommitAgreement(ctx context.Context, agreementID market.AgreementID, peerNodeID string, sig *market.Signature) error {
	machine, err := b.agreementMachine(agreementID)
	if err != nil {
		return err
	}
	if err := machine.Commit(sig); err != nil {
		return err
	}
	observability.Negotiation().RecordAgreementPhase(string(AgreementMsgCommit))
	return b.sendWithBackoff(ctx, func() error {
		return b.transport.SendAgreement(ctx, peerNodeID, AgreementMessage{AgreementID: agreementID, Phase: AgreementMsgCommit, Signature: sig})
	})
}

// RejectAgreement declines the agreement from Pending and notifies the peer;
// this is the action that wakes a requestor blocked waiting for approval.
func (b *Broker) RejectAgreement(ctx context.Context, agreementID market.AgreementID, peerNodeID string) error {
	machine, err := b.agreementMachine(agreementID)
	if err != nil {
		return err
	}
	if err := machine.Reject(); err != nil {
		return err
	}
	observability.Negotiation().RecordAgreementPhase(string(AgreementMsgReject))
	return b.sendWithBackoff(ctx, func() error {
		return b.transport.SendAgreement(ctx, peerNodeID, AgreementMessage{AgreementID: agreementID, Phase: AgreementMsgReject})
	})
}

// CancelAgreement withdraws the agreement from Pending or Approving.
func (b *Broker) CancelAgreement(ctx context.Context, agreementID market.AgreementID, peerNodeID string) error {
	machine, err := b.agreementMachine(agreementID)
	if err != nil {
		return err
	}
	if err := machine.Cancel(); err != nil {
		return err
	}
	observability.Negotiation().RecordAgreementPhase(string(AgreementMsgCancel))
	return b.sendWithBackoff(ctx, func() error {
		return b.transport.SendAgreement(ctx, peerNodeID, AgreementMessage{AgreementID: agreementID, Phase: AgreementMsgCancel})
	})
}

// RevertApproving recovers from a failed commit (Approving->Pending).
func (b *Broker) RevertApproving(ctx context.Context, agreementID market.AgreementID, peerNodeID string) error {
	machine, err := b.agreementMachine(agreementID)
	if err != nil {
		return err
	}
	if err := machine.RevertApproving(); err != nil {
		return err
	}
	observability.Negotiation().RecordAgreementPhase(string(AgreementMsgRevert))
	return b.sendWithBackoff(ctx, func() error {
		return b.transport.SendAgreement(ctx, peerNodeID, AgreementMessage{AgreementID: agreementID, Phase: AgreementMsgRevert})
	})
}

// ApplyRemoteAgreement applies a phase of the three-phase confirmation
// protocol observed from the wire, without re-notifying the peer (the peer
// already knows: it is the one that sent this phase). Used by the inbound
// AgreementMessage handler as the counterpart to ConfirmAgreement/
// ApproveAgreement/CommitAgreement/RejectAgreement/CancelAgreement/
// RevertApproving, which are for locally-initiated transitions.
func (b *Broker) ApplyRemoteAgreement(agreementID market.AgreementID, phase AgreementPhase, sig *market.Signature) error {
	machine, err := b.agreementMachine(agreementID)
	if err != nil {
		return err
	}
	switch phase {
	case AgreementMsgConfirm:
		if err := machine.Confirm(); err != nil {
			return err
		}
	case AgreementMsgApprove:
		if err := machine.Approve(); err != nil {
			return err
		}
		machine.Agreement.ApprovedSig = sig
	case AgreementMsgCommit:
		if err := machine.Commit(sig); err != nil {
			return err
		}
	case AgreementMsgReject:
		if err := machine.Reject(); err != nil {
			return err
		}
	case AgreementMsgCancel:
		if err := machine.Cancel(); err != nil {
			return err
		}
	case AgreementMsgRevert:
		if err := machine.RevertApproving(); err != nil {
			return err
		}
	default:
		return marketerr.Newf(marketerr.Validation, "agreement", "unknown agreement phase %q", phase)
	}
	observability.Negotiation().RecordAgreementPhase(string(phase))
	return nil
}

// TerminateAgreement closes out an Approved agreement.
func (b *Broker) TerminateAgreement(agreementID market.AgreementID) error {
	machine, err := b.agreementMachine(agreementID)
	if err != nil {
		return err
	}
	return machine.Terminate()
}

// InitialMatch implements market.ProposalSink: it turns a freshly discovered
// (offer, demand) match into a negotiation this node starts, if this node
// issued one side of the pair. If neither side is local the match is one
// this node only observed via gossip, and the two parties that do own the
// subscriptions are responsible for starting their own negotiation — acting
// on it here would start a duplicate the owning node never sees.
func (b *Broker) InitialMatch(offer, demand *market.Subscription) error {
	var ownerRole market.Role
	var peerNodeID string
	switch b.identity {
	case offer.IssuerNodeID:
		ownerRole, peerNodeID = market.RoleProvider, demand.IssuerNodeID
	case demand.IssuerNodeID:
		ownerRole, peerNodeID = market.RoleRequestor, offer.IssuerNodeID
	default:
		return nil
	}

	expiration := offer.ExpirationTS
	if demand.ExpirationTS.Before(expiration) {
		expiration = demand.ExpirationTS
	}
	negotiationID := market.NegotiationID(uuid.NewString())
	initial := &market.Proposal{
		ID:            market.ProposalID(uuid.NewString()),
		NegotiationID: negotiationID,
		OwnerRole:     ownerRole,
		Properties:    offer.Properties,
		Constraints:   offer.Constraints,
		State:         market.ProposalDraft,
		CreationTS:    time.Now(),
		ExpirationTS:  expiration,
	}
	b.StartNegotiation(negotiationID, peerNodeID, initial)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.sendWithBackoff(ctx, func() error { return b.transport.SendProposal(ctx, peerNodeID, initial) }); err != nil {
		return err
	}
	observability.Negotiation().RecordProposalSent(string(ownerRole))
	return nil
}

// Agreement returns the tracked agreement by id, for callers (e.g. the task
// coordinator) that need to read its current state.
func (b *Broker) Agreement(agreementID market.AgreementID) (*market.Agreement, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.agreements[agreementID]
	if !ok {
		return nil, false
	}
	return m.Agreement, true
}

func (b *Broker) agreementMachine(id market.AgreementID) (*AgreementMachine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.agreements[id]
	if !ok {
		return nil, marketerr.Newf(marketerr.NotFound, "agreement", "unknown agreement %s", id)
	}
	return m, nil
}

// sendWithBackoff retries fn with exponential backoff (base..cap) while it
// returns a Transport-category error, until ctx is cancelled.
func (b *Broker) sendWithBackoff(ctx context.Context, fn func() error) error {
	delay := b.backoffBase
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if !marketerr.Retryable(marketerr.CategoryOf(err)) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > b.backoffCap {
			delay = b.backoffCap
		}
	}
}
