package negotiation

import (
	"context"
	"testing"
	"time"

	"marketnode/market"
)

type fakeWireTransport struct {
	proposals  []*market.Proposal
	agreements []AgreementMessage
	payments   []PaymentMessage
}

func (f *fakeWireTransport) SendProposal(ctx context.Context, peerNodeID string, p *market.Proposal) error {
	f.proposals = append(f.proposals, p)
	return nil
}

func (f *fakeWireTransport) SendAgreement(ctx context.Context, peerNodeID string, msg AgreementMessage) error {
	f.agreements = append(f.agreements, msg)
	return nil
}

func (f *fakeWireTransport) SendPayment(ctx context.Context, peerNodeID string, msg PaymentMessage) error {
	f.payments = append(f.payments, msg)
	return nil
}

func newTestAgreement(t *testing.T, b *Broker) market.AgreementID {
	t.Helper()
	negotiationID := market.NegotiationID("neg-1")
	initial := &market.Proposal{
		ID:           market.ProposalID("p-0"),
		OwnerRole:    market.RoleProvider,
		Properties:   market.Properties{},
		ExpirationTS: time.Now().Add(time.Hour),
	}
	b.StartNegotiation(negotiationID, "peer-requestor", initial)
	agreement, err := b.AcceptNegotiation(negotiationID, "provider-1", "requestor-1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("accept negotiation: %v", err)
	}
	return agreement.ID
}

func TestApplyRemoteAgreementMirrorsLocalTransitionsWithoutNotifying(t *testing.T) {
	transport := &fakeWireTransport{}
	b := NewBroker("node-under-test", nil, transport, time.Millisecond, 10*time.Millisecond)
	agreementID := newTestAgreement(t, b)

	if err := b.ApplyRemoteAgreement(agreementID, AgreementMsgConfirm, nil); err != nil {
		t.Fatalf("apply remote confirm: %v", err)
	}
	machine, err := b.agreementMachine(agreementID)
	if err != nil {
		t.Fatalf("lookup machine: %v", err)
	}
	if machine.Agreement.State != market.AgreementPending {
		t.Fatalf("expected Pending after remote confirm, got %s", machine.Agreement.State)
	}

	sig := &market.Signature{SignerNodeID: "provider-1", Bytes: []byte("sig")}
	if err := b.ApplyRemoteAgreement(agreementID, AgreementMsgApprove, sig); err != nil {
		t.Fatalf("apply remote approve: %v", err)
	}
	if machine.Agreement.State != market.AgreementApproving {
		t.Fatalf("expected Approving after remote approve, got %s", machine.Agreement.State)
	}
	if machine.Agreement.ApprovedSig != sig {
		t.Fatal("expected approved signature to be recorded")
	}

	if err := b.ApplyRemoteAgreement(agreementID, AgreementMsgCommit, sig); err != nil {
		t.Fatalf("apply remote commit: %v", err)
	}
	if machine.Agreement.State != market.AgreementApproved {
		t.Fatalf("expected Approved after remote commit, got %s", machine.Agreement.State)
	}

	// The whole point of ApplyRemoteAgreement is that it never re-notifies
	// the peer that sent the message in the first place.
	if len(transport.agreements) != 0 {
		t.Fatalf("expected no outbound agreement notifications, got %d", len(transport.agreements))
	}
}

func TestApplyRemoteAgreementRejectsInvalidTransition(t *testing.T) {
	transport := &fakeWireTransport{}
	b := NewBroker("node-under-test", nil, transport, time.Millisecond, 10*time.Millisecond)
	agreementID := newTestAgreement(t, b)

	// Approve is illegal before Confirm (Proposal -> Approving skips Pending).
	if err := b.ApplyRemoteAgreement(agreementID, AgreementMsgApprove, nil); err == nil {
		t.Fatal("expected an invalid transition error")
	}
}

func TestApplyRemoteAgreementUnknownPhase(t *testing.T) {
	transport := &fakeWireTransport{}
	b := NewBroker("node-under-test", nil, transport, time.Millisecond, 10*time.Millisecond)
	agreementID := newTestAgreement(t, b)

	if err := b.ApplyRemoteAgreement(agreementID, AgreementPhase("bogus"), nil); err == nil {
		t.Fatal("expected an error for an unknown agreement phase")
	}
}

func TestApplyRemoteAgreementUnknownAgreement(t *testing.T) {
	transport := &fakeWireTransport{}
	b := NewBroker("node-under-test", nil, transport, time.Millisecond, 10*time.Millisecond)

	if err := b.ApplyRemoteAgreement(market.AgreementID("missing"), AgreementMsgConfirm, nil); err == nil {
		t.Fatal("expected an error for an unregistered agreement id")
	}
}
